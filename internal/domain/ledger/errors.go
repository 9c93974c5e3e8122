package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Rejections returned by the ledger. Match them with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrTaskNotFound     = fmt.Errorf("task %w", ErrNotFound)
	ErrReferrerNotFound = fmt.Errorf("referrer %w", ErrNotFound)

	ErrAlreadyClaimed      = errors.New("task already claimed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSelfReferral        = errors.New("self referral")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrAlreadyReferred     = errors.New("account already referred by another account")
	ErrTooSoon             = errors.New("daily claim too soon")
	ErrInvalidTask         = errors.New("task has an invalid point value")
	ErrInvalidInput        = errors.New("invalid input")
	ErrBalanceOverflow     = errors.New("credit would overflow the balance")
	ErrTransientConflict   = errors.New("transient store conflict")
)

// errNoChange aborts a transaction that has nothing to write.
var errNoChange = errors.New("no change")

// TooSoonError is returned by ClaimDaily inside the cooldown window.
type TooSoonError struct {
	Remaining time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrTooSoon, e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrTooSoon) hold.
func (e *TooSoonError) Is(target error) bool {
	return target == ErrTooSoon
}

// Code returns the machine code for err, or "ok" for nil.
// Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, ErrReferrerNotFound), errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrSelfReferral):
		return "self_referral"
	case errors.Is(err, ErrInvalidReferralCode):
		return "invalid_referral_code"
	case errors.Is(err, ErrAlreadyReferred):
		return "already_referred"
	case errors.Is(err, ErrTooSoon):
		return "too_soon"
	case errors.Is(err, ErrInvalidTask):
		return "invalid_task"
	case errors.Is(err, ErrBalanceOverflow):
		return "balance_overflow"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, ErrTransientConflict):
		return "transient_conflict"
	default:
		return "internal"
	}
}
