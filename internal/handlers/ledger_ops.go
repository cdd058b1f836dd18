package handlers

import (
	"errors"
	"net/http"

	"leadworks/api_referrals/internal/ledger"
	bursarapi "leadworks/api_referrals/pkg/api/bursar"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/middleware"
	"leadworks/api_referrals/pkg/models"
)

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses:
// validation and balance failures → 400, unknown entities → 404, illegal
// transitions → 409. Cross-tenant lookups already surface as not-found
// inside the ledger, so there is no existence leakage here.
func writeLedgerError(c middleware.Context, err error, operation string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownMilestone):
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrUnknownReferral),
		errors.Is(err, ledger.ErrWithdrawalNotFound),
		errors.Is(err, ledger.ErrEarningNotFound):
		c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition):
		c.JSON(http.StatusConflict, bursarapi.ErrorResponse{Error: err.Error()})
	default:
		logger.WithError(err).WithField("operation", operation).Error("Ledger operation failed")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Internal error"})
	}
}

// RecordEarning appends a commission earning to a referral
func RecordEarning(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	var req bursarapi.EarningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	earning, analytics, err := ledgerSvc.RecordEarning(c.Request.Context(), tenant, referralID,
		req.Amount, req.Currency, req.Description, req.SourceKind)
	if err != nil {
		countLedgerOp("record_earning", "error")
		writeLedgerError(c, err, "record earning")
		return
	}

	countLedgerOp("record_earning", "success")
	logger.WithFields(logging.Fields{
		"tenant_id":   tenant,
		"referral_id": referralID,
		"earning_id":  earning.ID,
		"amount":      earning.Amount,
	}).Info("Recorded earning")

	publishLedgerEvent("earning_recorded", tenant, referralID, earning.Amount, earning.Currency, map[string]interface{}{
		"earning_id":       earning.ID,
		"source_kind":      earning.SourceKind,
		"total_earnings":   analytics.TotalEarnings,
		"pending_payments": analytics.PendingPayments,
	})

	c.JSON(http.StatusCreated, bursarapi.EarningResponse{Earning: *earning, Analytics: *analytics})
}

// UpdateEarningStatus transitions an earning between statuses
func UpdateEarningStatus(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")
	earningID := c.Param("eid")

	var req bursarapi.EarningStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	earning, analytics, err := ledgerSvc.UpdateEarningStatus(c.Request.Context(), tenant, referralID, earningID, req.Status)
	if err != nil {
		countLedgerOp("update_earning", "error")
		writeLedgerError(c, err, "update earning status")
		return
	}

	countLedgerOp("update_earning", "success")
	c.JSON(http.StatusOK, bursarapi.EarningResponse{Earning: *earning, Analytics: *analytics})
}

// RequestWithdrawal records a referrer's cash-out request
func RequestWithdrawal(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	var req bursarapi.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	switch req.Method {
	case models.MethodPaypal, models.MethodBankTransfer, models.MethodCrypto, models.MethodStripe:
	default:
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Unknown withdrawal method"})
		return
	}

	withdrawal, remaining, err := ledgerSvc.RequestWithdrawal(c.Request.Context(), tenant, referralID,
		req.Amount, req.Method, req.PaymentDetails)
	if err != nil {
		countWithdrawalOp("request", "error")
		writeLedgerError(c, err, "request withdrawal")
		return
	}

	countWithdrawalOp("request", "success")
	logger.WithFields(logging.Fields{
		"tenant_id":     tenant,
		"referral_id":   referralID,
		"withdrawal_id": withdrawal.ID,
		"amount":        withdrawal.Amount,
		"method":        withdrawal.Method,
	}).Info("Recorded withdrawal request")

	publishLedgerEvent("withdrawal_requested", tenant, referralID, withdrawal.Amount, withdrawal.Currency, map[string]interface{}{
		"withdrawal_id":     withdrawal.ID,
		"method":            withdrawal.Method,
		"available_balance": remaining,
	})

	c.JSON(http.StatusCreated, bursarapi.WithdrawalResponse{
		Withdrawal:       *withdrawal,
		AvailableBalance: remaining,
	})
}

// SettleWithdrawal records the outcome of an external payout attempt
func SettleWithdrawal(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")
	withdrawalID := c.Param("wid")

	var req bursarapi.SettleWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	withdrawal, err := ledgerSvc.SettleWithdrawal(c.Request.Context(), tenant, referralID, withdrawalID,
		req.Status, req.TransactionID, req.Notes)
	if err != nil {
		countWithdrawalOp("settle", "error")
		writeLedgerError(c, err, "settle withdrawal")
		return
	}

	countWithdrawalOp("settle", "success")
	logger.WithFields(logging.Fields{
		"tenant_id":     tenant,
		"referral_id":   referralID,
		"withdrawal_id": withdrawalID,
		"status":        withdrawal.Status,
	}).Info("Settled withdrawal")

	publishLedgerEvent("withdrawal_settled", tenant, referralID, withdrawal.Amount, withdrawal.Currency, map[string]interface{}{
		"withdrawal_id": withdrawalID,
		"status":        withdrawal.Status,
	})

	c.JSON(http.StatusOK, bursarapi.WithdrawalResponse{Withdrawal: *withdrawal})
}

// AchieveMilestone marks a one-time milestone achieved; repeated calls are
// no-ops
func AchieveMilestone(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")
	milestoneType := c.Param("type")

	milestone, alreadyAchieved, err := ledgerSvc.AchieveMilestone(c.Request.Context(), tenant, referralID, milestoneType)
	if err != nil {
		countLedgerOp("achieve_milestone", "error")
		writeLedgerError(c, err, "achieve milestone")
		return
	}

	countLedgerOp("achieve_milestone", "success")
	if !alreadyAchieved {
		publishLedgerEvent("milestone_achieved", tenant, referralID, 0, "", map[string]interface{}{
			"milestone": milestoneType,
		})
	}
	c.JSON(http.StatusOK, bursarapi.MilestoneResponse{
		Milestone:       *milestone,
		AlreadyAchieved: alreadyAchieved,
	})
}

// TrackClick counts a click against the referral code
func TrackClick(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	analytics, err := ledgerSvc.TrackClick(c.Request.Context(), tenant, referralID)
	if err != nil {
		writeLedgerError(c, err, "track click")
		return
	}

	c.JSON(http.StatusOK, bursarapi.ClickResponse{
		ClickCount:     analytics.ClickCount,
		ConversionRate: analytics.ConversionRate,
	})
}

// RecordSignup attributes a signup to the referral code
func RecordSignup(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}
	referralID := c.Param("id")

	analytics, err := ledgerSvc.RecordSignup(c.Request.Context(), tenant, referralID)
	if err != nil {
		writeLedgerError(c, err, "record signup")
		return
	}

	c.JSON(http.StatusOK, bursarapi.SignupResponse{
		SignupCount:    analytics.SignupCount,
		ConversionRate: analytics.ConversionRate,
	})
}

// ListPendingWithdrawals returns the tenant's withdrawals awaiting
// settlement, oldest first, for the payout processor
func ListPendingWithdrawals(c middleware.Context) {
	tenant := tenantID(c)
	if tenant == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Tenant context required"})
		return
	}

	rows, err := db.Query(`
		SELECT w.id, w.referral_id, w.amount, w.currency, w.method, w.status, w.payment_details, w.requested_at
		FROM referral_withdrawals w
		JOIN referrals r ON r.id = w.referral_id
		WHERE r.tenant_id = $1 AND w.status = 'pending'
		ORDER BY w.requested_at`, tenant)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch pending withdrawals")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch pending withdrawals"})
		return
	}
	defer rows.Close()

	var withdrawals []models.Withdrawal
	for rows.Next() {
		var w models.Withdrawal
		if err := rows.Scan(&w.ID, &w.ReferralID, &w.Amount, &w.Currency, &w.Method, &w.Status,
			&w.PaymentDetails, &w.RequestedAt); err != nil {
			logger.WithError(err).Error("Error scanning withdrawal")
			continue
		}
		withdrawals = append(withdrawals, w)
	}

	c.JSON(http.StatusOK, bursarapi.PendingWithdrawalsResponse{
		Withdrawals: withdrawals,
		Count:       len(withdrawals),
	})
}
