package ledger

import "leadworks/api_referrals/pkg/models"

// Recompute folds the source records into the derived analytics figures.
// This function is the single source of truth: the cached columns on the
// referral row are an optimization and are repaired from this fold whenever
// they drift.
func Recompute(earnings []models.Earning, clickCount, signupCount int64) models.Analytics {
	var total, pending float64
	for _, e := range earnings {
		total += e.Amount
		if e.Status == models.EarningPending {
			pending += e.Amount
		}
	}

	return models.Analytics{
		ClickCount:      clickCount,
		SignupCount:     signupCount,
		ConversionRate:  ConversionRate(clickCount, signupCount),
		TotalEarnings:   total,
		PendingPayments: pending,
	}
}

// ConversionRate returns signups as a percentage of clicks, or 0 when there
// are no clicks yet.
func ConversionRate(clickCount, signupCount int64) float64 {
	if clickCount == 0 {
		return 0
	}
	return float64(signupCount) / float64(clickCount) * 100
}

// ReservedOrSettled sums the withdrawal amounts that count against the
// available balance: everything not terminally failed.
func ReservedOrSettled(withdrawals []models.Withdrawal) float64 {
	var sum float64
	for _, w := range withdrawals {
		switch w.Status {
		case models.WithdrawalPending, models.WithdrawalProcessing, models.WithdrawalCompleted:
			sum += w.Amount
		}
	}
	return sum
}

// AvailableBalance is lifetime earnings minus funds already reserved or paid
// out. Rejected withdrawals release their reservation.
func AvailableBalance(earnings []models.Earning, withdrawals []models.Withdrawal) float64 {
	var total float64
	for _, e := range earnings {
		total += e.Amount
	}
	return total - ReservedOrSettled(withdrawals)
}
