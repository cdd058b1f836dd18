package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"leadworks/api_referrals/internal/ledger"
	bursarapi "leadworks/api_referrals/pkg/api/bursar"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/middleware"
	"leadworks/api_referrals/pkg/models"
)

const statsCacheTTL = 30 * time.Second

// tenantID resolves the caller's tenant: JWT claims for dashboard callers,
// X-Tenant-ID header for service-token callers.
func tenantID(c middleware.Context) string {
	if id := c.GetString("tenant_id"); id != "" {
		return id
	}
	return c.GetHeader("X-Tenant-ID")
}

// CreateReferral registers a new referral attribution for the tenant
func CreateReferral(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}

	var req bursarapi.CreateReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	referral, err := ledgerSvc.CreateReferral(c.Request.Context(), tenant, ledger.CreateParams{
		ReferrerID:           req.ReferrerID,
		ReferredID:           req.ReferredID,
		ReferralCode:         req.ReferralCode,
		Type:                 req.Type,
		CommissionPercentage: req.CommissionPercentage,
		Currency:             req.Currency,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create referral")
		countLedgerOp("create_referral", "error")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to create referral"})
		return
	}

	countLedgerOp("create_referral", "success")
	logger.WithFields(logging.Fields{
		"tenant_id":   tenant,
		"referral_id": referral.ID,
		"referrer_id": referral.ReferrerID,
	}).Info("Created referral")

	c.JSON(http.StatusCreated, bursarapi.ReferralResponse{Referral: *referral})
}

// ListReferrals returns the tenant's referrals with limit/offset paging and
// an optional status filter
func ListReferrals(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	status := c.Query("status")

	query := `
		SELECT id, tenant_id, referrer_id, referred_id, referral_code, status, referral_type,
		       commission_percentage, commission_currency, commission_paid, commission_paid_at,
		       click_count, signup_count, total_earnings, pending_payments,
		       first_click_at, signup_at, qualified_at, last_activity_at,
		       expires_at, created_at, updated_at
		FROM referrals
		WHERE tenant_id = $1`
	args := []interface{}{tenant}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch referrals")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch referrals"})
		return
	}
	defer rows.Close()

	var referrals []models.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			logger.WithError(err).Error("Error scanning referral")
			continue
		}
		referrals = append(referrals, *r)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM referrals WHERE tenant_id = $1`
	countArgs := []interface{}{tenant}
	if status != "" {
		countQuery += ` AND status = $2`
		countArgs = append(countArgs, status)
	}
	if err := db.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		logger.WithError(err).Error("Failed to count referrals")
	}

	c.JSON(http.StatusOK, bursarapi.ListReferralsResponse{
		Referrals: referrals,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReferral(row rowScanner) (*models.Referral, error) {
	var r models.Referral
	err := row.Scan(
		&r.ID, &r.TenantID, &r.ReferrerID, &r.ReferredID, &r.ReferralCode, &r.Status, &r.Type,
		&r.Commission.Percentage, &r.Commission.Currency, &r.Commission.Paid, &r.Commission.PaidAt,
		&r.Analytics.ClickCount, &r.Analytics.SignupCount,
		&r.Analytics.TotalEarnings, &r.Analytics.PendingPayments,
		&r.Tracking.FirstClickAt, &r.Tracking.SignupAt, &r.Tracking.QualifiedAt, &r.Tracking.LastActivityAt,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Analytics.ConversionRate = ledger.ConversionRate(r.Analytics.ClickCount, r.Analytics.SignupCount)
	return &r, nil
}

// GetReferral returns one referral with its earnings, withdrawals and
// milestones. The analytics figures are folded from the ledger records, not
// read from the cached columns.
func GetReferral(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	row := db.QueryRow(`
		SELECT id, tenant_id, referrer_id, referred_id, referral_code, status, referral_type,
		       commission_percentage, commission_currency, commission_paid, commission_paid_at,
		       click_count, signup_count, total_earnings, pending_payments,
		       first_click_at, signup_at, qualified_at, last_activity_at,
		       expires_at, created_at, updated_at
		FROM referrals
		WHERE id = $1 AND tenant_id = $2`, referralID, tenant)

	referral, err := scanReferral(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{Error: "Referral not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch referral")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch referral"})
		return
	}

	if err := loadLedgerRecords(referral); err != nil {
		logger.WithError(err).Error("Failed to load ledger records")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch referral"})
		return
	}

	fold := ledger.Recompute(referral.Earnings, referral.Analytics.ClickCount, referral.Analytics.SignupCount)
	referral.Analytics = fold

	c.JSON(http.StatusOK, bursarapi.ReferralResponse{Referral: *referral})
}

func loadLedgerRecords(r *models.Referral) error {
	rows, err := db.Query(`
		SELECT id, referral_id, amount, currency, COALESCE(description, ''), source_kind, status, occurred_at, created_at, updated_at
		FROM referral_earnings
		WHERE referral_id = $1
		ORDER BY occurred_at`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.Earning
		if err := rows.Scan(&e.ID, &e.ReferralID, &e.Amount, &e.Currency, &e.Description,
			&e.SourceKind, &e.Status, &e.OccurredAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return err
		}
		r.Earnings = append(r.Earnings, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wrows, err := db.Query(`
		SELECT id, referral_id, amount, currency, method, status, payment_details, requested_at, processed_at, transaction_id, notes
		FROM referral_withdrawals
		WHERE referral_id = $1
		ORDER BY requested_at`, r.ID)
	if err != nil {
		return err
	}
	defer wrows.Close()
	for wrows.Next() {
		var w models.Withdrawal
		if err := wrows.Scan(&w.ID, &w.ReferralID, &w.Amount, &w.Currency, &w.Method, &w.Status,
			&w.PaymentDetails, &w.RequestedAt, &w.ProcessedAt, &w.TransactionID, &w.Notes); err != nil {
			return err
		}
		r.Withdrawals = append(r.Withdrawals, w)
	}
	if err := wrows.Err(); err != nil {
		return err
	}

	mrows, err := db.Query(`
		SELECT id, referral_id, milestone_type, achieved, achieved_at, bonus_amount, bonus_currency, bonus_paid
		FROM referral_milestones
		WHERE referral_id = $1
		ORDER BY milestone_type`, r.ID)
	if err != nil {
		return err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m models.Milestone
		if err := mrows.Scan(&m.ID, &m.ReferralID, &m.Type, &m.Achieved, &m.AchievedAt,
			&m.BonusAmount, &m.BonusCurrency, &m.BonusPaid); err != nil {
			return err
		}
		r.Milestones = append(r.Milestones, m)
	}
	return mrows.Err()
}

// GetReferralStats returns the tenant-wide aggregate, cached in redis for a
// short TTL with singleflight collapsing concurrent rebuilds.
func GetReferralStats(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}

	ctx := c.Request.Context()
	cacheKey := "bursar:stats:" + tenant

	if cache != nil {
		if data, err := cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var stats models.ReferralStats
			if json.Unmarshal(data, &stats) == nil {
				c.JSON(http.StatusOK, bursarapi.StatsResponse{Stats: stats, Cached: true})
				return
			}
		}
	}

	result, err, _ := statsGroup.Do(cacheKey, func() (interface{}, error) {
		return buildTenantStats(ctx, tenant)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build referral stats")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch stats"})
		return
	}
	stats := result.(*models.ReferralStats)

	if cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := cache.Set(ctx, cacheKey, data, statsCacheTTL).Err(); err != nil {
				logger.WithError(err).Warn("Failed to cache referral stats")
			}
		}
	}

	c.JSON(http.StatusOK, bursarapi.StatsResponse{Stats: *stats, Cached: false})
}

func buildTenantStats(ctx context.Context, tenant string) (*models.ReferralStats, error) {
	stats := &models.ReferralStats{
		TenantID:    tenant,
		ByStatus:    make(map[string]int64),
		GeneratedAt: time.Now(),
	}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(e.total), 0),
		       COALESCE(SUM(e.pending), 0)
		FROM referrals r
		LEFT JOIN (
			SELECT referral_id,
			       SUM(amount) AS total,
			       COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0) AS pending
			FROM referral_earnings
			GROUP BY referral_id
		) e ON e.referral_id = r.id
		WHERE r.tenant_id = $1`, tenant).Scan(
		&stats.TotalReferrals, &stats.TotalEarnings, &stats.PendingPayments)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM referrals
		WHERE tenant_id = $1
		GROUP BY status`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}

// GetTopReferrers returns active referrers ordered by lifetime earnings
func GetTopReferrers(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	rows, err := db.Query(`
		SELECT r.referrer_id,
		       COUNT(*) AS referral_count,
		       COALESCE(SUM(e.total), 0) AS total_earnings,
		       COUNT(*) FILTER (WHERE r.status = 'completed') AS completed_count
		FROM referrals r
		LEFT JOIN (
			SELECT referral_id, SUM(amount) AS total
			FROM referral_earnings
			GROUP BY referral_id
		) e ON e.referral_id = r.id
		WHERE r.tenant_id = $1 AND r.status IN ('pending', 'completed')
		GROUP BY r.referrer_id
		ORDER BY total_earnings DESC
		LIMIT $2`, tenant, limit)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch top referrers")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch top referrers"})
		return
	}
	defer rows.Close()

	var referrers []models.TopReferrer
	for rows.Next() {
		var tr models.TopReferrer
		if err := rows.Scan(&tr.ReferrerID, &tr.ReferralCount, &tr.TotalEarnings, &tr.CompletedCount); err != nil {
			logger.WithError(err).Error("Error scanning top referrer")
			continue
		}
		referrers = append(referrers, tr)
	}

	c.JSON(http.StatusOK, bursarapi.TopReferrersResponse{Referrers: referrers, Limit: limit})
}

// CancelReferral is the administrative kill switch for a referral
func CancelReferral(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	if err := ledgerSvc.CancelReferral(c.Request.Context(), tenant, referralID); err != nil {
		writeLedgerError(c, err, "cancel referral")
		return
	}

	logger.WithFields(logging.Fields{
		"tenant_id":   tenant,
		"referral_id": referralID,
	}).Info("Cancelled referral")

	c.JSON(http.StatusOK, map[string]string{"status": models.ReferralCancelled})
}
