package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors of the ledger. Handlers map these onto HTTP statuses:
// validation failures → 400, unknown entities → 404, illegal state
// transitions → 409.
var (
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrUnknownReferral    = errors.New("referral not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrEarningNotFound    = errors.New("earning not found")
	ErrUnknownMilestone   = errors.New("unknown milestone type")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// InsufficientBalanceError reports a withdrawal request that exceeds the
// available balance. It carries both figures so the caller can show
// "balance too low" with numbers.
type InsufficientBalanceError struct {
	Requested float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %.2f, available %.2f", e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// InvalidTransitionError reports an attempt to move a withdrawal, earning or
// referral out of a state that does not permit it.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
