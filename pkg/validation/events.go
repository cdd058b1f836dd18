// Package validation validates commission events consumed from Kafka before
// they reach the ledger.
package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"leadworks/api_referrals/pkg/models"
)

// CommissionEvent is the envelope published by the billing service whenever a
// referred user's payment settles. Bursar consumes it and records a pending
// earning against the referral.
type CommissionEvent struct {
	EventID     string    `json:"event_id" validate:"required,uuid4"`
	TenantID    string    `json:"tenant_id" validate:"required,uuid4"`
	ReferralID  string    `json:"referral_id" validate:"required,uuid4"`
	Amount      float64   `json:"amount" validate:"required,gt=0"`
	Currency    string    `json:"currency" validate:"required,len=3"`
	SourceKind  string    `json:"source_kind" validate:"required,oneof=subscription purchase upgrade"`
	Description string    `json:"description,omitempty" validate:"max=500"`
	Milestone   string    `json:"milestone,omitempty"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
}

// EventValidator performs structural and semantic validation for commission
// events before they are accepted into the ledger.
type EventValidator struct {
	validator *validator.Validate
}

// NewEventValidator constructs an EventValidator with standard struct validation.
func NewEventValidator() *EventValidator {
	return &EventValidator{
		validator: validator.New(),
	}
}

// ParseCommissionEvent decodes and validates a raw Kafka message payload.
func (v *EventValidator) ParseCommissionEvent(data []byte) (*CommissionEvent, error) {
	var event CommissionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("malformed commission event: %w", err)
	}

	if err := v.ValidateCommissionEvent(&event); err != nil {
		return nil, err
	}

	return &event, nil
}

// ValidateCommissionEvent checks the event envelope and the milestone field,
// which the struct tags cannot express (empty is allowed, unknown is not).
func (v *EventValidator) ValidateCommissionEvent(event *CommissionEvent) error {
	if err := v.validator.Struct(event); err != nil {
		return fmt.Errorf("commission event validation failed: %w", err)
	}

	if event.Milestone != "" && !validMilestone(event.Milestone) {
		return fmt.Errorf("commission event validation failed: unknown milestone %q", event.Milestone)
	}

	return nil
}

func validMilestone(milestone string) bool {
	for _, mt := range models.MilestoneTypes {
		if milestone == mt {
			return true
		}
	}
	return false
}
