package dca

import (
	"errors"
	"fmt"

	"recurswap/native/venue"
)

var (
	// ErrConfiguration marks plan parameters rejected at creation.
	ErrConfiguration = errors.New("dca: invalid plan configuration")
	// ErrAuthorization marks a missing, revoked, or mismatched vault
	// capability.
	ErrAuthorization = errors.New("dca: vault authorization invalid")
	// ErrInsufficientFunds marks a source vault that cannot cover the
	// per-interval amount.
	ErrInsufficientFunds = errors.New("dca: insufficient funds")
	// ErrSwapFailure marks a swap that failed on both venues.
	ErrSwapFailure = venue.ErrSwapFailed
	// ErrLedgerExhausted marks a fee prepayment ledger that cannot pay the
	// next registration.
	ErrLedgerExhausted = errors.New("dca: fee ledger exhausted")
	// ErrUnknownToken marks an asset missing from the token registry.
	ErrUnknownToken = venue.ErrUnknownToken
	// ErrSwapUnsettled marks a submitted swap whose output is unconfirmed.
	// The source amount is not refunded.
	ErrSwapUnsettled = venue.ErrSwapUnsettled

	ErrPlanNotFound      = errors.New("dca: plan not found")
	ErrInvalidTransition = errors.New("dca: invalid status transition")
	ErrStaleTrigger      = errors.New("dca: stale trigger")
	ErrStrandedOutput    = errors.New("dca: swap output stranded outside owner vault")
	ErrRegistration      = errors.New("dca: scheduler registration failed")
)

// ConfigurationError names the offending plan parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dca: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError names the capability that failed its check.
type AuthorizationError struct {
	Kind   CapabilityKind
	Asset  string
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Asset == "" {
		return fmt.Sprintf("dca: %s authorization %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("dca: %s authorization for %s %s", e.Kind, e.Asset, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }

// failureReason maps a run error onto a short metrics and event label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, ErrSwapFailure):
		return "swap_failure"
	case errors.Is(err, ErrLedgerExhausted):
		return "ledger_exhausted"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrStrandedOutput):
		return "stranded_output"
	case errors.Is(err, ErrRegistration):
		return "registration"
	default:
		return "internal"
	}
}
