// Package ledger implements the referral commission ledger: append-only
// earnings, withdrawal requests with balance enforcement, one-shot
// milestones, and the derived analytics fold. Every mutation is serialized
// per referral and runs inside a transaction holding a row lock on the
// referral, so two concurrent withdrawal requests can never both pass the
// balance check against a stale figure.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"leadworks/api_referrals/pkg/database"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/models"
)

// Config carries the ledger's tunables.
type Config struct {
	// ExpiryDays is the inactivity window after which a pending referral
	// is expired by the sweep job.
	ExpiryDays int
	// DefaultCommissionPct is applied when a referral is created without
	// an explicit percentage.
	DefaultCommissionPct float64
	// DefaultCurrency is applied to earnings and withdrawals created
	// without an explicit currency.
	DefaultCurrency string
}

// Ledger is the write side of the referral commission system.
type Ledger struct {
	db     database.PostgresConn
	logger logging.Logger
	cfg    Config
	locks  *referralLocks
}

// New creates a Ledger on top of an existing database connection.
func New(db database.PostgresConn, logger logging.Logger, cfg Config) *Ledger {
	if cfg.ExpiryDays <= 0 {
		cfg.ExpiryDays = 90
	}
	if cfg.DefaultCommissionPct <= 0 {
		cfg.DefaultCommissionPct = 10
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &Ledger{
		db:     db,
		logger: logger,
		cfg:    cfg,
		locks:  newReferralLocks(),
	}
}

// lockedRow is the slice of the referral row held under FOR UPDATE during a
// mutation.
type lockedRow struct {
	ID          string
	Status      string
	Currency    string
	ClickCount  int64
	SignupCount int64
}

// withReferral runs fn with the per-referral mutex held and the referral row
// locked inside a transaction. Cross-tenant lookups surface as
// ErrUnknownReferral, indistinguishable from a missing referral.
func (l *Ledger) withReferral(ctx context.Context, tenantID, referralID string, fn func(tx *sql.Tx, row *lockedRow) error) error {
	unlock := l.locks.Lock(referralID)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row lockedRow
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, commission_currency, click_count, signup_count
		FROM referrals
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE`, referralID, tenantID).Scan(
		&row.ID, &row.Status, &row.Currency, &row.ClickCount, &row.SignupCount)
	if err == sql.ErrNoRows {
		return ErrUnknownReferral
	}
	if err != nil {
		return fmt.Errorf("lock referral: %w", err)
	}

	if err := fn(tx, &row); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// refreshAnalytics recomputes the cached totals from the earnings rows and
// writes them back, returning the fresh fold.
func (l *Ledger) refreshAnalytics(ctx context.Context, tx *sql.Tx, row *lockedRow) (*models.Analytics, error) {
	var total, pending float64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)
		FROM referral_earnings
		WHERE referral_id = $1`, row.ID).Scan(&total, &pending)
	if err != nil {
		return nil, fmt.Errorf("fold earnings: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE referrals
		SET total_earnings = $1, pending_payments = $2, updated_at = NOW()
		WHERE id = $3`, total, pending, row.ID)
	if err != nil {
		return nil, fmt.Errorf("update cached analytics: %w", err)
	}

	return &models.Analytics{
		ClickCount:      row.ClickCount,
		SignupCount:     row.SignupCount,
		ConversionRate:  ConversionRate(row.ClickCount, row.SignupCount),
		TotalEarnings:   total,
		PendingPayments: pending,
	}, nil
}

// CreateParams carries the attribution details of a new referral.
type CreateParams struct {
	ReferrerID           string
	ReferredID           string
	ReferralCode         string
	Type                 string
	CommissionPercentage float64
	Currency             string
}

// CreateReferral registers a new referral attribution, seeds its milestone
// rows and counts the signup that created it.
func (l *Ledger) CreateReferral(ctx context.Context, tenantID string, p CreateParams) (*models.Referral, error) {
	if p.Type == "" {
		p.Type = models.ReferralTypeUser
	}
	if p.CommissionPercentage <= 0 {
		p.CommissionPercentage = l.cfg.DefaultCommissionPct
	}
	if p.Currency == "" {
		p.Currency = l.cfg.DefaultCurrency
	}

	id := uuid.New().String()
	now := time.Now()
	expiresAt := now.AddDate(0, 0, l.cfg.ExpiryDays)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO referrals (
			id, tenant_id, referrer_id, referred_id, referral_code, status, referral_type,
			commission_percentage, commission_currency,
			signup_count, signup_at, last_activity_at, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, 1, $9, $9, $10, $9, $9)`,
		id, tenantID, p.ReferrerID, p.ReferredID, p.ReferralCode, p.Type,
		p.CommissionPercentage, p.Currency, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert referral: %w", err)
	}

	milestones := make([]models.Milestone, 0, len(models.MilestoneTypes))
	for _, mt := range models.MilestoneTypes {
		m := models.Milestone{
			ID:            uuid.New().String(),
			ReferralID:    id,
			Type:          mt,
			BonusCurrency: p.Currency,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO referral_milestones (id, referral_id, milestone_type, achieved, bonus_amount, bonus_currency)
			VALUES ($1, $2, $3, FALSE, 0, $4)`,
			m.ID, id, mt, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("seed milestone %s: %w", mt, err)
		}
		milestones = append(milestones, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	referral := &models.Referral{
		ID:           id,
		TenantID:     tenantID,
		ReferrerID:   p.ReferrerID,
		ReferredID:   p.ReferredID,
		ReferralCode: p.ReferralCode,
		Status:       models.ReferralPending,
		Type:         p.Type,
		Commission: models.Commission{
			Percentage: p.CommissionPercentage,
			Currency:   p.Currency,
		},
		Analytics: models.Analytics{
			SignupCount: 1,
		},
		Tracking: models.Tracking{
			SignupAt:       &now,
			LastActivityAt: &now,
		},
		Milestones: milestones,
		ExpiresAt:  &expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return referral, nil
}

// RecordEarning appends a commission earning and returns it with the
// refreshed analytics fold. The earning starts out pending.
func (l *Ledger) RecordEarning(ctx context.Context, tenantID, referralID string, amount float64, currency, description, sourceKind string) (*models.Earning, *models.Analytics, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if sourceKind == "" {
		sourceKind = models.SourceSubscription
	}

	var earning *models.Earning
	var analytics *models.Analytics

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		if currency == "" {
			currency = row.Currency
		}
		now := time.Now()
		e := models.Earning{
			ID:          uuid.New().String(),
			ReferralID:  referralID,
			Amount:      amount,
			Currency:    currency,
			Description: description,
			SourceKind:  sourceKind,
			Status:      models.EarningPending,
			OccurredAt:  now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO referral_earnings (id, referral_id, amount, currency, description, source_kind, status, occurred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7, $7)`,
			e.ID, referralID, amount, currency, description, sourceKind, now)
		if err != nil {
			return fmt.Errorf("insert earning: %w", err)
		}

		a, err := l.refreshAnalytics(ctx, tx, row)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE referrals SET last_activity_at = NOW() WHERE id = $1`, referralID)
		if err != nil {
			return fmt.Errorf("touch referral: %w", err)
		}

		earning = &e
		analytics = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return earning, analytics, nil
}

// RequestWithdrawal records a cash-out request after checking it against the
// available balance: lifetime earnings minus every withdrawal not terminally
// failed. The request is durably recorded before any external payout call
// happens; settlement arrives later via SettleWithdrawal.
func (l *Ledger) RequestWithdrawal(ctx context.Context, tenantID, referralID string, amount float64, method string, details models.JSONB) (*models.Withdrawal, float64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	var withdrawal *models.Withdrawal
	var remaining float64

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var total float64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM referral_earnings
			WHERE referral_id = $1`, referralID).Scan(&total)
		if err != nil {
			return fmt.Errorf("sum earnings: %w", err)
		}

		var reserved float64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM referral_withdrawals
			WHERE referral_id = $1 AND status IN ('pending', 'processing', 'completed')`, referralID).Scan(&reserved)
		if err != nil {
			return fmt.Errorf("sum reserved withdrawals: %w", err)
		}

		available := total - reserved
		if amount > available {
			return &InsufficientBalanceError{Requested: amount, Available: available}
		}

		now := time.Now()
		w := models.Withdrawal{
			ID:             uuid.New().String(),
			ReferralID:     referralID,
			Amount:         amount,
			Currency:       row.Currency,
			Method:         method,
			Status:         models.WithdrawalPending,
			PaymentDetails: details,
			RequestedAt:    now,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO referral_withdrawals (id, referral_id, amount, currency, method, status, payment_details, requested_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)`,
			w.ID, referralID, amount, w.Currency, method, details, now)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		withdrawal = &w
		remaining = available - amount
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return withdrawal, remaining, nil
}

// withdrawalTransitions is the settlement state machine. completed and
// failed are terminal.
var withdrawalTransitions = map[string][]string{
	models.WithdrawalPending:    {models.WithdrawalProcessing, models.WithdrawalCompleted, models.WithdrawalFailed},
	models.WithdrawalProcessing: {models.WithdrawalCompleted, models.WithdrawalFailed},
}

func transitionAllowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SettleWithdrawal records the outcome of an external payout attempt. On
// completion the oldest still-pending earnings are marked paid, greedily,
// while their cumulative amount fits inside the withdrawal amount, so the
// pending-payments fold reflects the payout without touching lifetime
// totals.
func (l *Ledger) SettleWithdrawal(ctx context.Context, tenantID, referralID, withdrawalID, newStatus, transactionID, notes string) (*models.Withdrawal, error) {
	switch newStatus {
	case models.WithdrawalProcessing, models.WithdrawalCompleted, models.WithdrawalFailed:
	default:
		return nil, &InvalidTransitionError{Entity: "withdrawal", From: "?", To: newStatus}
	}

	var withdrawal *models.Withdrawal

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var w models.Withdrawal
		err := tx.QueryRowContext(ctx, `
			SELECT id, referral_id, amount, currency, method, status, requested_at
			FROM referral_withdrawals
			WHERE id = $1 AND referral_id = $2
			FOR UPDATE`, withdrawalID, referralID).Scan(
			&w.ID, &w.ReferralID, &w.Amount, &w.Currency, &w.Method, &w.Status, &w.RequestedAt)
		if err == sql.ErrNoRows {
			return ErrWithdrawalNotFound
		}
		if err != nil {
			return fmt.Errorf("lock withdrawal: %w", err)
		}

		if !transitionAllowed(withdrawalTransitions, w.Status, newStatus) {
			return &InvalidTransitionError{Entity: "withdrawal", From: w.Status, To: newStatus}
		}

		now := time.Now()
		var txID, noteVal sql.NullString
		if transactionID != "" {
			txID = sql.NullString{String: transactionID, Valid: true}
		}
		if notes != "" {
			noteVal = sql.NullString{String: notes, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE referral_withdrawals
			SET status = $1, processed_at = $2,
			    transaction_id = COALESCE($3, transaction_id),
			    notes = COALESCE($4, notes)
			WHERE id = $5`, newStatus, now, txID, noteVal, withdrawalID)
		if err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}

		if newStatus == models.WithdrawalCompleted {
			if err := l.markEarningsPaid(ctx, tx, referralID, w.Amount); err != nil {
				return err
			}
			if _, err := l.refreshAnalytics(ctx, tx, row); err != nil {
				return err
			}
		}

		w.Status = newStatus
		w.ProcessedAt = &now
		if txID.Valid {
			w.TransactionID = &txID.String
		}
		if noteVal.Valid {
			w.Notes = &noteVal.String
		}
		withdrawal = &w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return withdrawal, nil
}

// markEarningsPaid walks the pending earnings oldest-first and marks them
// paid while their running total stays within the settled amount.
func (l *Ledger) markEarningsPaid(ctx context.Context, tx *sql.Tx, referralID string, amount float64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount
		FROM referral_earnings
		WHERE referral_id = $1 AND status = 'pending'
		ORDER BY occurred_at, created_at`, referralID)
	if err != nil {
		return fmt.Errorf("list pending earnings: %w", err)
	}
	defer rows.Close()

	var ids []string
	var covered float64
	for rows.Next() {
		var id string
		var a float64
		if err := rows.Scan(&id, &a); err != nil {
			return fmt.Errorf("scan earning: %w", err)
		}
		if covered+a > amount {
			break
		}
		covered += a
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate earnings: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE referral_earnings
		SET status = 'paid', updated_at = NOW()
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark earnings paid: %w", err)
	}

	// First earning leaving pending qualifies the referral.
	_, err = tx.ExecContext(ctx, `
		UPDATE referrals
		SET status = 'completed', qualified_at = COALESCE(qualified_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, referralID)
	if err != nil {
		return fmt.Errorf("qualify referral: %w", err)
	}
	return nil
}

// earningTransitions is the earning state machine. paid and rejected are
// terminal.
var earningTransitions = map[string][]string{
	models.EarningPending:  {models.EarningApproved, models.EarningRejected},
	models.EarningApproved: {models.EarningPaid},
}

// UpdateEarningStatus transitions an earning and, for the first earning that
// reaches approved or paid, qualifies the referral as completed.
func (l *Ledger) UpdateEarningStatus(ctx context.Context, tenantID, referralID, earningID, newStatus string) (*models.Earning, *models.Analytics, error) {
	switch newStatus {
	case models.EarningApproved, models.EarningPaid, models.EarningRejected:
	default:
		return nil, nil, &InvalidTransitionError{Entity: "earning", From: "?", To: newStatus}
	}

	var earning *models.Earning
	var analytics *models.Analytics

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var e models.Earning
		err := tx.QueryRowContext(ctx, `
			SELECT id, referral_id, amount, currency, description, source_kind, status, occurred_at, created_at, updated_at
			FROM referral_earnings
			WHERE id = $1 AND referral_id = $2
			FOR UPDATE`, earningID, referralID).Scan(
			&e.ID, &e.ReferralID, &e.Amount, &e.Currency, &e.Description, &e.SourceKind,
			&e.Status, &e.OccurredAt, &e.CreatedAt, &e.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrEarningNotFound
		}
		if err != nil {
			return fmt.Errorf("lock earning: %w", err)
		}

		if !transitionAllowed(earningTransitions, e.Status, newStatus) {
			return &InvalidTransitionError{Entity: "earning", From: e.Status, To: newStatus}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE referral_earnings
			SET status = $1, updated_at = NOW()
			WHERE id = $2`, newStatus, earningID)
		if err != nil {
			return fmt.Errorf("update earning: %w", err)
		}

		if newStatus == models.EarningApproved || newStatus == models.EarningPaid {
			_, err = tx.ExecContext(ctx, `
				UPDATE referrals
				SET status = 'completed', qualified_at = COALESCE(qualified_at, NOW()), updated_at = NOW()
				WHERE id = $1 AND status = 'pending'`, referralID)
			if err != nil {
				return fmt.Errorf("qualify referral: %w", err)
			}
		}

		a, err := l.refreshAnalytics(ctx, tx, row)
		if err != nil {
			return err
		}

		e.Status = newStatus
		earning = &e
		analytics = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return earning, analytics, nil
}

// AchieveMilestone marks a milestone achieved. Achieving twice is a no-op
// that reports alreadyAchieved, and never accrues a bonus earning; bonus
// payout is a separate explicit RecordEarning call.
func (l *Ledger) AchieveMilestone(ctx context.Context, tenantID, referralID, milestoneType string) (*models.Milestone, bool, error) {
	valid := false
	for _, mt := range models.MilestoneTypes {
		if milestoneType == mt {
			valid = true
			break
		}
	}
	if !valid {
		return nil, false, ErrUnknownMilestone
	}

	var milestone *models.Milestone
	var alreadyAchieved bool

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var m models.Milestone
		var achievedAt sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT id, referral_id, milestone_type, achieved, achieved_at, bonus_amount, bonus_currency, bonus_paid
			FROM referral_milestones
			WHERE referral_id = $1 AND milestone_type = $2
			FOR UPDATE`, referralID, milestoneType).Scan(
			&m.ID, &m.ReferralID, &m.Type, &m.Achieved, &achievedAt,
			&m.BonusAmount, &m.BonusCurrency, &m.BonusPaid)
		if err == sql.ErrNoRows {
			return ErrUnknownMilestone
		}
		if err != nil {
			return fmt.Errorf("lock milestone: %w", err)
		}
		if achievedAt.Valid {
			m.AchievedAt = &achievedAt.Time
		}

		if m.Achieved {
			milestone = &m
			alreadyAchieved = true
			return nil
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE referral_milestones
			SET achieved = TRUE, achieved_at = $1
			WHERE id = $2`, now, m.ID)
		if err != nil {
			return fmt.Errorf("achieve milestone: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE referrals SET last_activity_at = NOW(), updated_at = NOW() WHERE id = $1`, referralID)
		if err != nil {
			return fmt.Errorf("touch referral: %w", err)
		}

		m.Achieved = true
		m.AchievedAt = &now
		milestone = &m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return milestone, alreadyAchieved, nil
}

// TrackClick counts a click. Every call is a genuine click event; there is
// no dedup.
func (l *Ledger) TrackClick(ctx context.Context, tenantID, referralID string) (*models.Analytics, error) {
	var analytics *models.Analytics

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var clicks, signups int64
		var total, pending float64
		err := tx.QueryRowContext(ctx, `
			UPDATE referrals
			SET click_count = click_count + 1,
			    first_click_at = COALESCE(first_click_at, NOW()),
			    last_activity_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
			RETURNING click_count, signup_count, total_earnings, pending_payments`, referralID).Scan(
			&clicks, &signups, &total, &pending)
		if err != nil {
			return fmt.Errorf("count click: %w", err)
		}

		analytics = &models.Analytics{
			ClickCount:      clicks,
			SignupCount:     signups,
			ConversionRate:  ConversionRate(clicks, signups),
			TotalEarnings:   total,
			PendingPayments: pending,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return analytics, nil
}

// RecordSignup counts a signup attributed to the referral code and stamps
// the first signup time.
func (l *Ledger) RecordSignup(ctx context.Context, tenantID, referralID string) (*models.Analytics, error) {
	var analytics *models.Analytics

	err := l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		var clicks, signups int64
		var total, pending float64
		err := tx.QueryRowContext(ctx, `
			UPDATE referrals
			SET signup_count = signup_count + 1,
			    signup_at = COALESCE(signup_at, NOW()),
			    last_activity_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1
			RETURNING click_count, signup_count, total_earnings, pending_payments`, referralID).Scan(
			&clicks, &signups, &total, &pending)
		if err != nil {
			return fmt.Errorf("count signup: %w", err)
		}

		analytics = &models.Analytics{
			ClickCount:      clicks,
			SignupCount:     signups,
			ConversionRate:  ConversionRate(clicks, signups),
			TotalEarnings:   total,
			PendingPayments: pending,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return analytics, nil
}

// CancelReferral is the administrative kill switch. Expired and cancelled
// referrals are terminal.
func (l *Ledger) CancelReferral(ctx context.Context, tenantID, referralID string) error {
	return l.withReferral(ctx, tenantID, referralID, func(tx *sql.Tx, row *lockedRow) error {
		switch row.Status {
		case models.ReferralExpired, models.ReferralCancelled:
			return &InvalidTransitionError{Entity: "referral", From: row.Status, To: models.ReferralCancelled}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE referrals SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, referralID)
		if err != nil {
			return fmt.Errorf("cancel referral: %w", err)
		}
		return nil
	})
}

// ExpireStale moves pending referrals with no activity inside the expiry
// window to expired and returns how many were swept.
func (l *Ledger) ExpireStale(ctx context.Context) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		UPDATE referrals
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending'
		  AND last_activity_at < NOW() - ($1 * INTERVAL '1 day')`, l.cfg.ExpiryDays)
	if err != nil {
		return 0, fmt.Errorf("expire referrals: %w", err)
	}
	return result.RowsAffected()
}

// Reconcile repairs cached analytics columns that drifted from the earnings
// fold, logging every repair. Drift indicates a crash mid-mutation; the fold
// is authoritative.
func (l *Ledger) Reconcile(ctx context.Context) (int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.total_earnings, r.pending_payments,
		       COALESCE(e.total, 0), COALESCE(e.pending, 0)
		FROM referrals r
		LEFT JOIN (
			SELECT referral_id,
			       SUM(amount) AS total,
			       COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0) AS pending
			FROM referral_earnings
			GROUP BY referral_id
		) e ON e.referral_id = r.id
		WHERE r.total_earnings IS DISTINCT FROM COALESCE(e.total, 0)
		   OR r.pending_payments IS DISTINCT FROM COALESCE(e.pending, 0)`)
	if err != nil {
		return 0, fmt.Errorf("find drifted referrals: %w", err)
	}
	defer rows.Close()

	type drift struct {
		id          string
		cachedTotal float64
		cachedPend  float64
		foldedTotal float64
		foldedPend  float64
	}
	var drifted []drift
	for rows.Next() {
		var d drift
		if err := rows.Scan(&d.id, &d.cachedTotal, &d.cachedPend, &d.foldedTotal, &d.foldedPend); err != nil {
			return 0, fmt.Errorf("scan drifted referral: %w", err)
		}
		drifted = append(drifted, d)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate drifted referrals: %w", err)
	}

	var repaired int64
	for _, d := range drifted {
		_, err := l.db.ExecContext(ctx, `
			UPDATE referrals
			SET total_earnings = $1, pending_payments = $2, updated_at = NOW()
			WHERE id = $3`, d.foldedTotal, d.foldedPend, d.id)
		if err != nil {
			return repaired, fmt.Errorf("repair referral %s: %w", d.id, err)
		}
		l.logger.WithFields(logging.Fields{
			"referral_id":      d.id,
			"cached_total":     d.cachedTotal,
			"cached_pending":   d.cachedPend,
			"repaired_total":   d.foldedTotal,
			"repaired_pending": d.foldedPend,
		}).Warn("Repaired drifted referral analytics")
		repaired++
	}
	return repaired, nil
}
