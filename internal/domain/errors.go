package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrNoPosition    = errors.New("no open position")
	ErrFinalized     = errors.New("trade record already finalized")

	// ErrOutcomeUnknown marks an exchange call that timed out after
	// submission: the order may or may not exist. Callers must re-query
	// exchange truth before acting; retrying the placement blindly risks a
	// duplicate order.
	ErrOutcomeUnknown = errors.New("order outcome unknown")

	// ErrBreakerOpen is returned while the circuit breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// ValidationError is a pre-flight rejection raised before any network
// call. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExchangeRejection is a venue refusal (margin, min-notional, rate limit).
// It carries the venue's reason and is not retried blindly.
type ExchangeRejection struct {
	Code   int
	Reason string
}

func (e *ExchangeRejection) Error() string {
	return fmt.Sprintf("exchange rejected (code %d): %s", e.Code, e.Reason)
}

// NetworkError wraps a timeout or connection failure on an exchange call,
// surfaced only after the retry policy is exhausted.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// CriticalRiskCondition reports a breached risk limit (daily loss, margin
// ratio, stop breach). It triggers an automatic emergency close attempt.
type CriticalRiskCondition struct {
	Kind    string // "daily_loss" | "margin_ratio" | "stop_breach"
	TradeID string
	Symbol  string
	Detail  string
}

func (e *CriticalRiskCondition) Error() string {
	return fmt.Sprintf("critical risk (%s) %s %s: %s", e.Kind, e.Symbol, e.TradeID, e.Detail)
}

// IsRetryable reports whether err should go through the backoff policy.
// Validation errors and venue rejections are final; only transport-level
// failures are retried.
func IsRetryable(err error) bool {
	var ve *ValidationError
	var re *ExchangeRejection
	if errors.As(err, &ve) || errors.As(err, &re) {
		return false
	}
	if errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	return true
}
