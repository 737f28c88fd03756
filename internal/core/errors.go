package core

import (
	"errors"
	"fmt"
)

// Brokerage rejection kinds. These are terminal for the intent and are
// never retried.
var (
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrSymbolHalted            = errors.New("symbol halted")
)

// ErrAmbiguousOrderState marks a submission whose outcome is unknown after
// retries are exhausted. The record stays pending and must be resolved by
// a poll by idempotency key, never by resubmission.
var ErrAmbiguousOrderState = errors.New("order state ambiguous")

// TransientError wraps a network-level failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectionError is a brokerage-side rejection with its reason.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("brokerage rejected order: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a terminal brokerage rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, ErrInsufficientBuyingPower) || errors.Is(err, ErrSymbolHalted)
}

// RiskError is an intent dropped by the risk governor before reaching the
// brokerage. It never counts as a cycle failure.
type RiskError struct {
	Limit  string
	Detail string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk limit %s: %s", e.Limit, e.Detail)
}
