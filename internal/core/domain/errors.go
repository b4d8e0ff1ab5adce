package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrReasonRequired = errors.New("reason is required")
	ErrOrderNotFound  = errors.New("order not found")
	ErrItemNotFound   = errors.New("order item not found")
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrStockConflict is returned when a stock counter changed between read
	// and write. The whole operation may be retried.
	ErrStockConflict = errors.New("stock modified concurrently")
	// ErrOrderConflict is returned when the order document changed between
	// read and write.
	ErrOrderConflict = errors.New("order modified concurrently")
	// ErrWalletConflict is returned when the wallet document changed between
	// read and write.
	ErrWalletConflict = errors.New("wallet modified concurrently")
	// ErrOrderBusy is returned when another operation holds the order lock.
	ErrOrderBusy = errors.New("order is being updated by another request")

	ErrNotEligible    = errors.New("not eligible")
	ErrRefundFailed   = errors.New("refund could not be applied")
	ErrInconsistent   = errors.New("order state partially applied")
	ErrTransitionDeny = errors.New("transition denied")
	ErrWindowExpired  = errors.New("return window expired")
)

// TransitionDeniedError names the current and requested status of a rejected
// transition.
type TransitionDeniedError struct {
	Subject string
	From    string
	To      string
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("%s: cannot move %s from %q to %q", ErrTransitionDeny, e.Subject, e.From, e.To)
}

func (e *TransitionDeniedError) Unwrap() error { return ErrTransitionDeny }

func DenyItem(itemID string, from, to ItemStatus) error {
	return &TransitionDeniedError{Subject: "item " + itemID, From: string(from), To: string(to)}
}

func DenyOrder(orderID string, from, to OrderStatus) error {
	return &TransitionDeniedError{Subject: "order " + orderID, From: string(from), To: string(to)}
}

// ReturnWindowExpiredError reports how long ago the order was delivered.
type ReturnWindowExpiredError struct {
	DaysElapsed int
	WindowDays  int
}

func (e *ReturnWindowExpiredError) Error() string {
	return fmt.Sprintf("%s: delivered %d days ago, returns are accepted within %d days",
		ErrWindowExpired, e.DaysElapsed, e.WindowDays)
}

func (e *ReturnWindowExpiredError) Unwrap() error { return ErrWindowExpired }

// Outcome discriminates the result of a caller-facing operation.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeDeniedTransition Outcome = "denied_transition"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeWindowExpired    Outcome = "window_expired"
	OutcomeConflict         Outcome = "conflict"
	OutcomeServerError      Outcome = "server_error"
)

// Classify maps an error returned by the order service to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTransitionDeny), errors.Is(err, ErrNotEligible):
		return OutcomeDeniedTransition
	case errors.Is(err, ErrWindowExpired):
		return OutcomeWindowExpired
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrItemNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrReasonRequired):
		return OutcomeInvalid
	case errors.Is(err, ErrStockConflict), errors.Is(err, ErrOrderConflict),
		errors.Is(err, ErrWalletConflict), errors.Is(err, ErrOrderBusy):
		return OutcomeConflict
	}
	return OutcomeServerError
}
