// Package bursar contains the request and response types of the referral
// ledger API, shared with internal service clients.
package bursar

import (
	"leadworks/api_referrals/pkg/models"
)

// ErrorResponse represents a standard error response from Bursar
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateReferralRequest represents a request to register a new referral
type CreateReferralRequest struct {
	ReferrerID           string  `json:"referrer_id" binding:"required,uuid4"`
	ReferredID           string  `json:"referred_id" binding:"required,uuid4"`
	ReferralCode         string  `json:"referral_code" binding:"required"`
	Type                 string  `json:"type"`
	CommissionPercentage float64 `json:"commission_percentage"`
	Currency             string  `json:"currency"`
}

// ReferralResponse wraps a single referral with its ledger records
type ReferralResponse struct {
	Referral models.Referral `json:"referral"`
}

// ListReferralsResponse represents a paginated referral listing
type ListReferralsResponse struct {
	Referrals []models.Referral `json:"referrals"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// EarningRequest represents a request to record a commission earning
type EarningRequest struct {
	Amount      float64 `json:"amount" binding:"required"`
	Currency    string  `json:"currency"`
	Description string  `json:"description"`
	SourceKind  string  `json:"source_kind"`
}

// EarningResponse wraps a recorded earning together with the refreshed
// analytics of its referral
type EarningResponse struct {
	Earning   models.Earning   `json:"earning"`
	Analytics models.Analytics `json:"analytics"`
}

// EarningStatusRequest represents a request to transition an earning's status
type EarningStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// WithdrawalRequest represents a referrer's cash-out request
type WithdrawalRequest struct {
	Amount         float64      `json:"amount" binding:"required"`
	Method         string       `json:"method" binding:"required"`
	PaymentDetails models.JSONB `json:"payment_details,omitempty"`
}

// WithdrawalResponse wraps a withdrawal together with the remaining
// available balance
type WithdrawalResponse struct {
	Withdrawal       models.Withdrawal `json:"withdrawal"`
	AvailableBalance float64           `json:"available_balance"`
}

// SettleWithdrawalRequest represents a request to advance a withdrawal's
// status, optionally attaching the external transaction reference
type SettleWithdrawalRequest struct {
	Status        string `json:"status" binding:"required"`
	TransactionID string `json:"transaction_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// MilestoneResponse represents the outcome of a milestone achievement
type MilestoneResponse struct {
	Milestone       models.Milestone `json:"milestone"`
	AlreadyAchieved bool             `json:"already_achieved"`
}

// ClickResponse reports the refreshed click analytics after tracking a click
type ClickResponse struct {
	ClickCount     int64   `json:"click_count"`
	ConversionRate float64 `json:"conversion_rate"`
}

// SignupResponse reports the refreshed analytics after attributing a signup
type SignupResponse struct {
	SignupCount    int64   `json:"signup_count"`
	ConversionRate float64 `json:"conversion_rate"`
}

// StatsResponse represents tenant-wide aggregate referral statistics
type StatsResponse struct {
	Stats  models.ReferralStats `json:"stats"`
	Cached bool                 `json:"cached"`
}

// TopReferrersResponse represents the lifetime-earnings leaderboard
type TopReferrersResponse struct {
	Referrers []models.TopReferrer `json:"referrers"`
	Limit     int                  `json:"limit"`
}

// PendingWithdrawalsResponse lists withdrawals awaiting settlement across
// all tenants, for the payout operator
type PendingWithdrawalsResponse struct {
	Withdrawals []models.Withdrawal `json:"withdrawals"`
	Count       int                 `json:"count"`
}
