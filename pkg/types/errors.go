package types

import (
	"errors"
	"fmt"
)

// ValidationError marks client misuse or a failed pre-trade gate. It is
// surfaced to the caller verbatim and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RiskError marks a risk-manager rejection: a tripped breaker or an exceeded
// limit. It is surfaced like a validation failure but persists across
// attempts until the underlying condition is cleared.
type RiskError struct {
	Rule   string
	Reason string
}

func (e *RiskError) Error() string { return e.Reason }

// NewRiskError builds a RiskError for the named rule.
func NewRiskError(rule, format string, args ...interface{}) *RiskError {
	return &RiskError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// BrokerError marks a transport or vendor-side failure. The runner recovers
// via reconnect and reconciliation; submissions fail and mark the order
// rejected.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker %s failed", e.Op)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError wraps err as a broker failure for the named operation.
func NewBrokerError(op string, err error) *BrokerError {
	return &BrokerError{Op: op, Err: err}
}

// IntegrityError marks a storage or invariant failure. Fatal for the current
// call; never swallowed.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("integrity: %s", e.Op)
	}
	return fmt.Sprintf("integrity: %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// NewIntegrityError wraps err as an integrity failure.
func NewIntegrityError(op string, err error) *IntegrityError {
	return &IntegrityError{Op: op, Err: err}
}

// CancelledError marks a cooperative abort observed between units of work.
type CancelledError struct {
	Stage string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled during %s", e.Stage)
}

// NewCancelledError reports cancellation at the named stage.
func NewCancelledError(stage string) *CancelledError {
	return &CancelledError{Stage: stage}
}

// IsValidation reports whether err is a validation or risk rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	var re *RiskError
	return errors.As(err, &ve) || errors.As(err, &re)
}

// IsRisk reports whether err is a risk rejection specifically.
func IsRisk(err error) bool {
	var re *RiskError
	return errors.As(err, &re)
}

// IsBroker reports whether err originated at the broker boundary.
func IsBroker(err error) bool {
	var be *BrokerError
	return errors.As(err, &be)
}

// IsIntegrity reports whether err is a storage or invariant failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
