package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/models"
)

const (
	testTenantID   = "11111111-2222-4333-8444-555555555555"
	testReferralID = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	l := New(db, logging.NewLogger(), Config{})
	return l, mock, func() { db.Close() }
}

func expectReferralLock(mock sqlmock.Sqlmock, status string, clicks, signups int64) {
	mock.ExpectQuery(`SELECT id, status, commission_currency, click_count, signup_count`).
		WithArgs(testReferralID, testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "commission_currency", "click_count", "signup_count"}).
			AddRow(testReferralID, status, "USD", clicks, signups))
}

func TestRecordEarning_AppendsAndRefreshesAnalytics(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralPending, 10, 2)
	mock.ExpectExec("INSERT INTO referral_earnings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending"}).AddRow(75.0, 75.0))
	mock.ExpectExec("UPDATE referrals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE referrals SET last_activity_at").
		WithArgs(testReferralID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	earning, analytics, err := l.RecordEarning(context.Background(), testTenantID, testReferralID, 75, "USD", "Monthly commission", models.SourceSubscription)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if earning.Status != models.EarningPending {
		t.Errorf("expected new earning to be pending, got %s", earning.Status)
	}
	if analytics.TotalEarnings != 75 || analytics.PendingPayments != 75 {
		t.Errorf("expected analytics 75/75, got %v/%v", analytics.TotalEarnings, analytics.PendingPayments)
	}
	if analytics.ConversionRate != 20 {
		t.Errorf("expected conversion rate 20, got %v", analytics.ConversionRate)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEarning_RejectsNonPositiveAmount(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	for _, amount := range []float64{0, -10} {
		_, _, err := l.RecordEarning(context.Background(), testTenantID, testReferralID, amount, "USD", "", "")
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	// Validation happens before any database access.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEarning_UnknownReferral(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, commission_currency, click_count, signup_count`).
		WithArgs(testReferralID, testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "commission_currency", "click_count", "signup_count"}))
	mock.ExpectRollback()

	_, _, err := l.RecordEarning(context.Background(), testTenantID, testReferralID, 10, "USD", "", "")
	if !errors.Is(err, ErrUnknownReferral) {
		t.Fatalf("expected ErrUnknownReferral, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawal_InsufficientBalance(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralCompleted, 0, 1)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_earnings`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(50.0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_withdrawals`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(30.0))
	mock.ExpectRollback()

	_, _, err := l.RequestWithdrawal(context.Background(), testTenantID, testReferralID, 25, models.MethodPaypal, nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	var ibe *InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBalanceError, got %T", err)
	}
	if ibe.Requested != 25 || ibe.Available != 20 {
		t.Errorf("expected requested 25 / available 20, got %v / %v", ibe.Requested, ibe.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawal_ReservesCompletedWithdrawals(t *testing.T) {
	// Earnings [100 pending], withdrawal 100 already completed: even 1 more
	// must be rejected. The reserved sum covers pending, processing and
	// completed withdrawals.
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralCompleted, 0, 1)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_earnings`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(100.0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_withdrawals`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(100.0))
	mock.ExpectRollback()

	_, _, err := l.RequestWithdrawal(context.Background(), testTenantID, testReferralID, 1, models.MethodPaypal, nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawal_Succeeds(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralCompleted, 0, 1)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_earnings`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(50.0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_withdrawals`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(0.0))
	mock.ExpectExec("INSERT INTO referral_withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, remaining, err := l.RequestWithdrawal(context.Background(), testTenantID, testReferralID, 30, models.MethodBankTransfer, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Status != models.WithdrawalPending {
		t.Errorf("expected pending withdrawal, got %s", w.Status)
	}
	if remaining != 20 {
		t.Errorf("expected remaining balance 20, got %v", remaining)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleWithdrawal_TerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []string{models.WithdrawalCompleted, models.WithdrawalFailed} {
		l, mock, cleanup := newTestLedger(t)

		mock.ExpectBegin()
		expectReferralLock(mock, models.ReferralCompleted, 0, 1)
		mock.ExpectQuery("SELECT id, referral_id, amount, currency, method, status, requested_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "referral_id", "amount", "currency", "method", "status", "requested_at"}).
				AddRow("w-1", testReferralID, 30.0, "USD", models.MethodPaypal, terminal, time.Now()))
		mock.ExpectRollback()

		_, err := l.SettleWithdrawal(context.Background(), testTenantID, testReferralID, "w-1", models.WithdrawalProcessing, "", "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("status %s: expected ErrInvalidTransition, got %v", terminal, err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("status %s: unmet expectations: %v", terminal, err)
		}
		cleanup()
	}
}

func TestSettleWithdrawal_RejectsUnknownTargetStatus(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()

	_, err := l.SettleWithdrawal(context.Background(), testTenantID, testReferralID, "w-1", "pending", "", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for settle-to-pending, got %v", err)
	}
}

func TestSettleWithdrawal_NotFound(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralCompleted, 0, 1)
	mock.ExpectQuery("SELECT id, referral_id, amount, currency, method, status, requested_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "referral_id", "amount", "currency", "method", "status", "requested_at"}))
	mock.ExpectRollback()

	_, err := l.SettleWithdrawal(context.Background(), testTenantID, testReferralID, "missing", models.WithdrawalCompleted, "", "")
	if !errors.Is(err, ErrWithdrawalNotFound) {
		t.Fatalf("expected ErrWithdrawalNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleWithdrawal_CompletedMarksPendingEarningsPaid(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralPending, 0, 1)
	mock.ExpectQuery("SELECT id, referral_id, amount, currency, method, status, requested_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "referral_id", "amount", "currency", "method", "status", "requested_at"}).
			AddRow("w-1", testReferralID, 80.0, "USD", models.MethodPaypal, models.WithdrawalProcessing, time.Now()))
	mock.ExpectExec("UPDATE referral_withdrawals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Pending earnings oldest-first: 50 and 30 fit inside 80, 40 does not.
	mock.ExpectQuery(`SELECT id, amount\s+FROM referral_earnings`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow("e-1", 50.0).
			AddRow("e-2", 30.0).
			AddRow("e-3", 40.0))
	mock.ExpectExec("UPDATE referral_earnings").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE referrals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending"}).AddRow(120.0, 40.0))
	mock.ExpectExec("UPDATE referrals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, err := l.SettleWithdrawal(context.Background(), testTenantID, testReferralID, "w-1", models.WithdrawalCompleted, "tx-123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Status != models.WithdrawalCompleted {
		t.Errorf("expected completed withdrawal, got %s", w.Status)
	}
	if w.TransactionID == nil || *w.TransactionID != "tx-123" {
		t.Errorf("expected transaction id tx-123, got %v", w.TransactionID)
	}
	if w.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAchieveMilestone_IsIdempotent(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock, models.ReferralPending, 0, 1)
	mock.ExpectQuery("SELECT id, referral_id, milestone_type, achieved").
		WithArgs(testReferralID, models.MilestoneFirstPayment).
		WillReturnRows(sqlmock.NewRows([]string{"id", "referral_id", "milestone_type", "achieved", "achieved_at", "bonus_amount", "bonus_currency", "bonus_paid"}).
			AddRow("m-1", testReferralID, models.MilestoneFirstPayment, true, time.Now(), 0.0, "USD", false))
	mock.ExpectCommit()

	m, alreadyAchieved, err := l.AchieveMilestone(context.Background(), testTenantID, testReferralID, models.MilestoneFirstPayment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alreadyAchieved {
		t.Error("expected alreadyAchieved for a second call")
	}
	if !m.Achieved {
		t.Error("expected milestone to remain achieved")
	}

	// No UPDATE was expected or executed: the second call changes nothing.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAchieveMilestone_UnknownType(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()

	_, _, err := l.AchieveMilestone(context.Background(), testTenantID, testReferralID, "hundredth_payment")
	if !errors.Is(err, ErrUnknownMilestone) {
		t.Fatalf("expected ErrUnknownMilestone, got %v", err)
	}
}

func TestCancelReferral_TerminalStates(t *testing.T) {
	for _, terminal := range []string{models.ReferralExpired, models.ReferralCancelled} {
		l, mock, cleanup := newTestLedger(t)

		mock.ExpectBegin()
		expectReferralLock(mock, terminal, 0, 1)
		mock.ExpectRollback()

		err := l.CancelReferral(context.Background(), testTenantID, testReferralID)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("status %s: expected ErrInvalidTransition, got %v", terminal, err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("status %s: unmet expectations: %v", terminal, err)
		}
		cleanup()
	}
}

func TestExpireStale(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectExec("UPDATE referrals").
		WithArgs(90).
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := l.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 3 {
		t.Errorf("expected 3 expired referrals, got %d", swept)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_RepairsDriftedAnalytics(t *testing.T) {
	l, mock, cleanup := newTestLedger(t)
	defer cleanup()

	mock.ExpectQuery("SELECT r.id, r.total_earnings, r.pending_payments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "total_earnings", "pending_payments", "total", "pending"}).
			AddRow(testReferralID, 90.0, 90.0, 100.0, 50.0))
	mock.ExpectExec("UPDATE referrals").
		WithArgs(100.0, 50.0, testReferralID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repaired, err := l.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repaired != 1 {
		t.Errorf("expected 1 repaired referral, got %d", repaired)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
