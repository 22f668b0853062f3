package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidConfig          = errors.New("invalid_config")
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrUnsupportedProvider    = errors.New("unsupported_provider")
	ErrUnsupportedScope       = errors.New("unsupported_scope")
	ErrUncorrelatedEvent      = errors.New("uncorrelated_event")
	ErrBillableEntityNotFound = errors.New("billable_entity_not_found")
	ErrWebhookEventNotFound   = errors.New("webhook_event_not_found")
	ErrMultiplePlans          = errors.New("multiple_plans_not_supported")
	ErrLeaseFenced            = errors.New("reconciliation_lease_fenced")
	ErrSubscriptionOwnership  = errors.New("subscription_owned_by_other_entity")
	ErrProviderNotFound       = errors.New("provider_resource_not_found")
	ErrProviderThrottled      = errors.New("provider_throttled")

	ErrCheckoutCorrelationMismatch = errors.New("checkout_session_correlation_mismatch")
)

const CorrelationMismatchCode = "CHECKOUT_SESSION_CORRELATION_MISMATCH"

// CorrelationError reports a checkout event that disagrees with an already stored row.
type CorrelationError struct {
	Field    string
	Stored   string
	Incoming string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%s: %s stored=%q incoming=%q", CorrelationMismatchCode, e.Field, e.Stored, e.Incoming)
}

func (e *CorrelationError) Code() string { return CorrelationMismatchCode }

func (e *CorrelationError) Is(target error) bool {
	return target == ErrCheckoutCorrelationMismatch
}

// IsConflict reports errors the HTTP surface maps to 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrMultiplePlans) ||
		errors.Is(err, ErrLeaseFenced) ||
		errors.Is(err, ErrSubscriptionOwnership) ||
		errors.Is(err, ErrCheckoutCorrelationMismatch)
}

// IsValidation reports errors caused by a bad request or configuration.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrUnsupportedProvider) ||
		errors.Is(err, ErrUnsupportedScope)
}

// MaxLastErrorBytes bounds the last_error columns of webhook events and reconciliation runs.
const MaxLastErrorBytes = 2000

// LastErrorMessage returns the message stored in a last_error column. Messages longer than
// MaxLastErrorBytes are cut on a rune boundary.
func LastErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return TruncateUTF8(err.Error(), MaxLastErrorBytes)
}

// TruncateUTF8 cuts s to at most n bytes without splitting a multi-byte sequence.
func TruncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
