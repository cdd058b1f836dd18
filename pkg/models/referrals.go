package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Referral statuses
const (
	ReferralPending   = "pending"
	ReferralCompleted = "completed"
	ReferralExpired   = "expired"
	ReferralCancelled = "cancelled"
)

// Referral types
const (
	ReferralTypeUser     = "user"
	ReferralTypeAgency   = "agency"
	ReferralTypeReseller = "reseller"
)

// Earning statuses
const (
	EarningPending  = "pending"
	EarningApproved = "approved"
	EarningPaid     = "paid"
	EarningRejected = "rejected"
)

// Earning source kinds
const (
	SourceSubscription = "subscription"
	SourcePurchase     = "purchase"
	SourceUpgrade      = "upgrade"
)

// Withdrawal statuses
const (
	WithdrawalPending    = "pending"
	WithdrawalProcessing = "processing"
	WithdrawalCompleted  = "completed"
	WithdrawalFailed     = "failed"
)

// Withdrawal methods
const (
	MethodPaypal       = "paypal"
	MethodBankTransfer = "bank_transfer"
	MethodCrypto       = "crypto"
	MethodStripe       = "stripe"
)

// Milestone types
const (
	MilestoneFirstPayment     = "first_payment"
	MilestoneRecurringPayment = "recurring_payment"
	MilestoneUpgrade          = "upgrade"
	MilestoneRetention        = "retention"
)

// MilestoneTypes lists every milestone seeded for a new referral.
var MilestoneTypes = []string{
	MilestoneFirstPayment,
	MilestoneRecurringPayment,
	MilestoneUpgrade,
	MilestoneRetention,
}

// Referral represents one tracked (referrer, referred) relationship within a
// tenant, together with its commission ledger.
type Referral struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenant_id" db:"tenant_id"`
	ReferrerID   string `json:"referrer_id" db:"referrer_id"`
	ReferredID   string `json:"referred_id" db:"referred_id"`
	ReferralCode string `json:"referral_code" db:"referral_code"`
	Status       string `json:"status" db:"status"`
	Type         string `json:"type" db:"referral_type"`

	Commission Commission `json:"commission"`
	Analytics  Analytics  `json:"analytics"`
	Tracking   Tracking   `json:"tracking"`

	Earnings    []Earning    `json:"earnings,omitempty"`
	Withdrawals []Withdrawal `json:"withdrawals,omitempty"`
	Milestones  []Milestone  `json:"milestones,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Commission summarizes the commission arrangement. The summary is not
// authoritative; lifetime totals are folded from earnings.
type Commission struct {
	Percentage float64    `json:"percentage" db:"commission_percentage"`
	Currency   string     `json:"currency" db:"commission_currency"`
	Paid       bool       `json:"paid" db:"commission_paid"`
	PaidAt     *time.Time `json:"paid_at,omitempty" db:"commission_paid_at"`
}

// Earning is an immutable record of commission accrued from a referred
// user's billing event. Only its status ever changes after creation.
type Earning struct {
	ID          string    `json:"id" db:"id"`
	ReferralID  string    `json:"referral_id" db:"referral_id"`
	Amount      float64   `json:"amount" db:"amount"`
	Currency    string    `json:"currency" db:"currency"`
	Description string    `json:"description" db:"description"`
	SourceKind  string    `json:"source_kind" db:"source_kind"`
	Status      string    `json:"status" db:"status"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Withdrawal is a referrer's request to cash out accrued earnings.
type Withdrawal struct {
	ID             string     `json:"id" db:"id"`
	ReferralID     string     `json:"referral_id" db:"referral_id"`
	Amount         float64    `json:"amount" db:"amount"`
	Currency       string     `json:"currency" db:"currency"`
	Method         string     `json:"method" db:"method"`
	Status         string     `json:"status" db:"status"`
	PaymentDetails JSONB      `json:"payment_details,omitempty" db:"payment_details"`
	RequestedAt    time.Time  `json:"requested_at" db:"requested_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	TransactionID  *string    `json:"transaction_id,omitempty" db:"transaction_id"`
	Notes          *string    `json:"notes,omitempty" db:"notes"`
}

// Milestone is a one-time achievement eligible for a bonus. Achieving it does
// not accrue the bonus; that arrives as a separate explicit earning.
type Milestone struct {
	ID            string     `json:"id" db:"id"`
	ReferralID    string     `json:"referral_id" db:"referral_id"`
	Type          string     `json:"type" db:"milestone_type"`
	Achieved      bool       `json:"achieved" db:"achieved"`
	AchievedAt    *time.Time `json:"achieved_at,omitempty" db:"achieved_at"`
	BonusAmount   float64    `json:"bonus_amount" db:"bonus_amount"`
	BonusCurrency string     `json:"bonus_currency" db:"bonus_currency"`
	BonusPaid     bool       `json:"bonus_paid" db:"bonus_paid"`
}

// Analytics is the cached fold over the referral's ledger records. The
// source of truth is always the earnings/withdrawals rows.
type Analytics struct {
	ClickCount      int64   `json:"click_count" db:"click_count"`
	SignupCount     int64   `json:"signup_count" db:"signup_count"`
	ConversionRate  float64 `json:"conversion_rate"`
	TotalEarnings   float64 `json:"total_earnings" db:"total_earnings"`
	PendingPayments float64 `json:"pending_payments" db:"pending_payments"`
}

// Tracking holds informational attribution timestamps.
type Tracking struct {
	FirstClickAt   *time.Time `json:"first_click_at,omitempty" db:"first_click_at"`
	SignupAt       *time.Time `json:"signup_at,omitempty" db:"signup_at"`
	QualifiedAt    *time.Time `json:"qualified_at,omitempty" db:"qualified_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
}

// ReferralStats is the tenant-wide aggregate served to admin dashboards.
type ReferralStats struct {
	TenantID        string           `json:"tenant_id"`
	TotalReferrals  int64            `json:"total_referrals"`
	TotalEarnings   float64          `json:"total_earnings"`
	PendingPayments float64          `json:"pending_payments"`
	ByStatus        map[string]int64 `json:"by_status"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// TopReferrer is one row of the lifetime-earnings leaderboard.
type TopReferrer struct {
	ReferrerID     string  `json:"referrer_id"`
	ReferralCount  int64   `json:"referral_count"`
	TotalEarnings  float64 `json:"total_earnings"`
	CompletedCount int64   `json:"completed_count"`
}
