package validation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEvent() CommissionEvent {
	return CommissionEvent{
		EventID:     "7f9c40a1-52c4-4c9e-8f9e-3a1b2c3d4e5f",
		TenantID:    "11111111-2222-4333-8444-555555555555",
		ReferralID:  "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee",
		Amount:      12.50,
		Currency:    "USD",
		SourceKind:  "subscription",
		Description: "Monthly subscription commission",
		Timestamp:   time.Now(),
	}
}

func TestValidateCommissionEvent(t *testing.T) {
	v := NewEventValidator()

	tests := []struct {
		name    string
		mutate  func(*CommissionEvent)
		wantErr string
	}{
		{
			name:   "valid event",
			mutate: func(e *CommissionEvent) {},
		},
		{
			name:   "valid event with milestone",
			mutate: func(e *CommissionEvent) { e.Milestone = "first_payment" },
		},
		{
			name:    "missing event id",
			mutate:  func(e *CommissionEvent) { e.EventID = "" },
			wantErr: "EventID",
		},
		{
			name:    "non-uuid referral id",
			mutate:  func(e *CommissionEvent) { e.ReferralID = "not-a-uuid" },
			wantErr: "ReferralID",
		},
		{
			name:    "zero amount",
			mutate:  func(e *CommissionEvent) { e.Amount = 0 },
			wantErr: "Amount",
		},
		{
			name:    "negative amount",
			mutate:  func(e *CommissionEvent) { e.Amount = -5 },
			wantErr: "Amount",
		},
		{
			name:    "bad currency code",
			mutate:  func(e *CommissionEvent) { e.Currency = "DOLLARS" },
			wantErr: "Currency",
		},
		{
			name:    "unknown source kind",
			mutate:  func(e *CommissionEvent) { e.SourceKind = "refund" },
			wantErr: "SourceKind",
		},
		{
			name:    "unknown milestone",
			mutate:  func(e *CommissionEvent) { e.Milestone = "hundredth_payment" },
			wantErr: "unknown milestone",
		},
		{
			name:    "zero timestamp",
			mutate:  func(e *CommissionEvent) { e.Timestamp = time.Time{} },
			wantErr: "Timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(&event)

			err := v.ValidateCommissionEvent(&event)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid event, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseCommissionEvent(t *testing.T) {
	v := NewEventValidator()

	event := validEvent()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := v.ParseCommissionEvent(data)
	if err != nil {
		t.Fatalf("expected event to parse, got %v", err)
	}
	if parsed.ReferralID != event.ReferralID {
		t.Errorf("expected referral id %s, got %s", event.ReferralID, parsed.ReferralID)
	}
	if parsed.Amount != event.Amount {
		t.Errorf("expected amount %v, got %v", event.Amount, parsed.Amount)
	}

	if _, err := v.ParseCommissionEvent([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}

	if _, err := v.ParseCommissionEvent([]byte("{}")); err == nil {
		t.Error("expected validation error for empty event")
	}
}
