package ledger

import (
	"testing"

	"leadworks/api_referrals/pkg/models"
)

func earning(amount float64, status string) models.Earning {
	return models.Earning{Amount: amount, Status: status}
}

func withdrawal(amount float64, status string) models.Withdrawal {
	return models.Withdrawal{Amount: amount, Status: status}
}

func TestRecompute_TotalsCoverAllStatuses(t *testing.T) {
	earnings := []models.Earning{
		earning(50, models.EarningPending),
		earning(30, models.EarningApproved),
		earning(20, models.EarningPaid),
		earning(10, models.EarningRejected),
	}

	a := Recompute(earnings, 0, 0)

	if a.TotalEarnings != 110 {
		t.Errorf("expected total earnings 110 (lifetime accrual over every status), got %v", a.TotalEarnings)
	}
	if a.PendingPayments != 50 {
		t.Errorf("expected pending payments 50, got %v", a.PendingPayments)
	}
}

func TestRecompute_EmptyLedger(t *testing.T) {
	a := Recompute(nil, 0, 0)
	if a.TotalEarnings != 0 || a.PendingPayments != 0 || a.ConversionRate != 0 {
		t.Errorf("expected zero analytics for empty ledger, got %+v", a)
	}
}

func TestConversionRate(t *testing.T) {
	tests := []struct {
		name    string
		clicks  int64
		signups int64
		want    float64
	}{
		{"no clicks", 0, 0, 0},
		{"no clicks with signups", 0, 2, 0},
		{"ten clicks two signups", 10, 2, 20},
		{"full conversion", 5, 5, 100},
		{"over-attribution", 4, 8, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConversionRate(tt.clicks, tt.signups); got != tt.want {
				t.Errorf("ConversionRate(%d, %d) = %v, want %v", tt.clicks, tt.signups, got, tt.want)
			}
		})
	}
}

func TestAvailableBalance_ReservesNonFailedWithdrawals(t *testing.T) {
	earnings := []models.Earning{earning(50, models.EarningPending)}

	// Scenario: request 30 out of 50, then the remaining headroom is 20.
	withdrawals := []models.Withdrawal{withdrawal(30, models.WithdrawalPending)}
	if got := AvailableBalance(earnings, withdrawals); got != 20 {
		t.Errorf("expected available 20 after reserving 30, got %v", got)
	}

	// Processing and completed withdrawals stay reserved.
	withdrawals = []models.Withdrawal{
		withdrawal(30, models.WithdrawalProcessing),
		withdrawal(20, models.WithdrawalCompleted),
	}
	if got := AvailableBalance(earnings, withdrawals); got != 0 {
		t.Errorf("expected available 0 with everything reserved or settled, got %v", got)
	}

	// A failed withdrawal releases its reservation.
	withdrawals = []models.Withdrawal{withdrawal(30, models.WithdrawalFailed)}
	if got := AvailableBalance(earnings, withdrawals); got != 50 {
		t.Errorf("expected failed withdrawal to release funds, got available %v", got)
	}
}

func TestAvailableBalance_CompletedWithdrawalKeepsLifetimeTotal(t *testing.T) {
	// Earnings [100 pending], withdrawal 100 settled completed: lifetime
	// total stays 100, available drops to 0.
	earnings := []models.Earning{earning(100, models.EarningPending)}
	withdrawals := []models.Withdrawal{withdrawal(100, models.WithdrawalCompleted)}

	a := Recompute(earnings, 0, 0)
	if a.TotalEarnings != 100 {
		t.Errorf("expected lifetime total to stay 100, got %v", a.TotalEarnings)
	}
	if got := AvailableBalance(earnings, withdrawals); got != 0 {
		t.Errorf("expected available 0, got %v", got)
	}
}

func TestWithdrawalTransitions(t *testing.T) {
	tests := []struct {
		from  string
		to    string
		allow bool
	}{
		{models.WithdrawalPending, models.WithdrawalProcessing, true},
		{models.WithdrawalPending, models.WithdrawalCompleted, true},
		{models.WithdrawalPending, models.WithdrawalFailed, true},
		{models.WithdrawalProcessing, models.WithdrawalCompleted, true},
		{models.WithdrawalProcessing, models.WithdrawalFailed, true},
		{models.WithdrawalProcessing, models.WithdrawalPending, false},
		{models.WithdrawalCompleted, models.WithdrawalProcessing, false},
		{models.WithdrawalCompleted, models.WithdrawalFailed, false},
		{models.WithdrawalFailed, models.WithdrawalCompleted, false},
		{models.WithdrawalFailed, models.WithdrawalPending, false},
	}

	for _, tt := range tests {
		if got := transitionAllowed(withdrawalTransitions, tt.from, tt.to); got != tt.allow {
			t.Errorf("withdrawal %s -> %s: allowed=%v, want %v", tt.from, tt.to, got, tt.allow)
		}
	}
}

func TestEarningTransitions(t *testing.T) {
	tests := []struct {
		from  string
		to    string
		allow bool
	}{
		{models.EarningPending, models.EarningApproved, true},
		{models.EarningPending, models.EarningRejected, true},
		{models.EarningApproved, models.EarningPaid, true},
		{models.EarningPending, models.EarningPaid, false},
		{models.EarningPaid, models.EarningRejected, false},
		{models.EarningPaid, models.EarningApproved, false},
		{models.EarningRejected, models.EarningApproved, false},
	}

	for _, tt := range tests {
		if got := transitionAllowed(earningTransitions, tt.from, tt.to); got != tt.allow {
			t.Errorf("earning %s -> %s: allowed=%v, want %v", tt.from, tt.to, got, tt.allow)
		}
	}
}
