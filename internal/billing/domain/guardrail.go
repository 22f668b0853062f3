package domain

import "context"

const (
	GuardrailDuplicateActiveSubscriptions = "BILLING_DUPLICATE_ACTIVE_SUBSCRIPTIONS_DETECTED"
	GuardrailCanonicalFallback            = "BILLING_CANONICAL_SUBSCRIPTION_FALLBACK"
	GuardrailLeaseFenced                  = "BILLING_RECONCILIATION_LEASE_FENCED"
	GuardrailCheckoutCorrelationMismatch  = "BILLING_CHECKOUT_CORRELATION_MISMATCH"
	GuardrailSubscriptionEntityMismatch   = "BILLING_SUBSCRIPTION_ENTITY_MISMATCH"
	GuardrailWebhookReplayFailed          = "BILLING_WEBHOOK_REPLAY_FAILED"
	GuardrailRecoveryHoldMaterialized     = "BILLING_CHECKOUT_RECOVERY_HOLD_MATERIALIZED"
)

// Guardrail is a named operational signal with structured context.
type Guardrail struct {
	Code    string
	Measure string
	Value   float64
	Fields  map[string]any
}

type GuardrailRecorder interface {
	RecordBillingGuardrail(ctx context.Context, g Guardrail)
}
