package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"leadworks/api_referrals/internal/ledger"
	bursarapi "leadworks/api_referrals/pkg/api/bursar"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/models"
)

const (
	testTenantID   = "11111111-2222-4333-8444-555555555555"
	testReferralID = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
)

func setupTest(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logging.NewLogger()
	Init(db, log, ledger.New(db, log, ledger.Config{}), nil, nil, nil)

	router := gin.New()
	router.GET("/referrals/:id", GetReferral)
	router.POST("/referrals/:id/earnings", RecordEarning)
	router.POST("/referrals/:id/withdrawals", RequestWithdrawal)
	router.PATCH("/referrals/:id/withdrawals/:wid", SettleWithdrawal)
	router.POST("/referrals/:id/milestones/:type", AchieveMilestone)

	return router, mock, func() { db.Close() }
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenantID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func testTime() time.Time {
	return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
}

func expectReferralLock(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT id, status, commission_currency, click_count, signup_count`).
		WithArgs(testReferralID, testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "commission_currency", "click_count", "signup_count"}).
			AddRow(testReferralID, models.ReferralPending, "USD", 0, 1))
}

func TestRecordEarning_Created(t *testing.T) {
	router, mock, cleanup := setupTest(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock)
	mock.ExpectExec("INSERT INTO referral_earnings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending"}).AddRow(25.0, 25.0))
	mock.ExpectExec("UPDATE referrals").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE referrals SET last_activity_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/earnings", bursarapi.EarningRequest{
		Amount:     25,
		Currency:   "USD",
		SourceKind: models.SourceSubscription,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursarapi.EarningResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Earning.Status != models.EarningPending {
		t.Errorf("expected pending earning, got %s", resp.Earning.Status)
	}
	if resp.Analytics.TotalEarnings != 25 {
		t.Errorf("expected total earnings 25, got %v", resp.Analytics.TotalEarnings)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEarning_InvalidAmountIs400(t *testing.T) {
	router, _, cleanup := setupTest(t)
	defer cleanup()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/earnings", bursarapi.EarningRequest{
		Amount: -5,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRecordEarning_CrossTenantIs404(t *testing.T) {
	router, mock, cleanup := setupTest(t)
	defer cleanup()

	// The referral exists under a different tenant; the tenant-scoped lock
	// query finds nothing, which must surface as 404 rather than 403.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, commission_currency, click_count, signup_count`).
		WithArgs(testReferralID, testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "commission_currency", "click_count", "signup_count"}))
	mock.ExpectRollback()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/earnings", bursarapi.EarningRequest{
		Amount: 10,
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawal_InsufficientBalanceIs400(t *testing.T) {
	router, mock, cleanup := setupTest(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_earnings`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(50.0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)\s+FROM referral_withdrawals`).
		WithArgs(testReferralID).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(30.0))
	mock.ExpectRollback()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/withdrawals", bursarapi.WithdrawalRequest{
		Amount: 25,
		Method: models.MethodPaypal,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp bursarapi.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected insufficient balance message in response")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawal_UnknownMethodIs400(t *testing.T) {
	router, _, cleanup := setupTest(t)
	defer cleanup()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/withdrawals", bursarapi.WithdrawalRequest{
		Amount: 25,
		Method: "cash_under_the_door",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSettleWithdrawal_TerminalIs409(t *testing.T) {
	router, mock, cleanup := setupTest(t)
	defer cleanup()

	mock.ExpectBegin()
	expectReferralLock(mock)
	mock.ExpectQuery("SELECT id, referral_id, amount, currency, method, status, requested_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "referral_id", "amount", "currency", "method", "status", "requested_at"}).
			AddRow("w-1", testReferralID, 30.0, "USD", models.MethodPaypal, models.WithdrawalCompleted, testTime()))
	mock.ExpectRollback()

	w := doJSON(t, router, http.MethodPatch, "/referrals/"+testReferralID+"/withdrawals/w-1", bursarapi.SettleWithdrawalRequest{
		Status: models.WithdrawalFailed,
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAchieveMilestone_UnknownTypeIs400(t *testing.T) {
	router, _, cleanup := setupTest(t)
	defer cleanup()

	w := doJSON(t, router, http.MethodPost, "/referrals/"+testReferralID+"/milestones/hundredth_payment", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetReferral_NotFoundIs404(t *testing.T) {
	router, mock, cleanup := setupTest(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, tenant_id, referrer_id").
		WithArgs(testReferralID, testTenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := doJSON(t, router, http.MethodGet, "/referrals/"+testReferralID, nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
