package domain

const ProviderStripe = "stripe"

const (
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusPaused            = "paused"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
)

// IsTerminalSubscriptionStatus reports statuses that can never become current again.
func IsTerminalSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionStatusCanceled, SubscriptionStatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// NormalizeSubscriptionStatus maps unknown provider statuses to incomplete.
func NormalizeSubscriptionStatus(status string) string {
	switch status {
	case SubscriptionStatusIncomplete,
		SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusPaused,
		SubscriptionStatusUnpaid,
		SubscriptionStatusCanceled,
		SubscriptionStatusIncompleteExpired:
		return status
	default:
		return SubscriptionStatusIncomplete
	}
}

const (
	CheckoutStatusOpen                         = "open"
	CheckoutStatusCompletedPendingSubscription = "completed_pending_subscription"
	CheckoutStatusCompletedReconciled          = "completed_reconciled"
	CheckoutStatusExpired                      = "expired"
	CheckoutStatusRecoveryVerificationPending  = "recovery_verification_pending"
	CheckoutStatusAbandoned                    = "abandoned"
)

const (
	CheckoutFlowSubscription = "subscription"
	CheckoutFlowOneOff       = "one_off"
)

const (
	IdempotencyActionCheckout = "checkout"

	IdempotencyStatusPending   = "pending"
	IdempotencyStatusSucceeded = "succeeded"
	IdempotencyStatusFailed    = "failed"
	IdempotencyStatusExpired   = "expired"
)

const (
	FailureCodeCheckoutSessionExpired         = "CHECKOUT_SESSION_EXPIRED"
	FailureCodeCheckoutReplayDeadlineExceeded = "CHECKOUT_REPLAY_DEADLINE_EXCEEDED"
	FailureCodeCheckoutRecoveryAbandoned      = "CHECKOUT_RECOVERY_ABANDONED"
)

const (
	RemediationAlgorithmDupCanonicalV1 = "dup_canonical_v1"
	RemediationStatusPending           = "pending"
)

const (
	PaymentStatusSucceeded     = "succeeded"
	PaymentStatusFailed        = "failed"
	PaymentStatusUncollectible = "uncollectible"
	PaymentStatusVoid          = "void"
)

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusVoid          = "void"
)

const (
	PurchaseKindSubscriptionInvoice = "subscription_invoice"
	PurchaseKindOneOff              = "one_off"
)

const (
	WebhookStatusReceived   = "received"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
)

const (
	ReconciliationStatusRunning   = "running"
	ReconciliationStatusSucceeded = "succeeded"
	ReconciliationStatusFailed    = "failed"
	ReconciliationStatusSkipped   = "skipped"

	SkipReasonActiveRunExists = "active_run_exists"
)

// Metadata keys embedded in provider objects at checkout time.
const (
	MetadataBillableEntityID = "billable_entity_id"
	MetadataOperationKey     = "operation_key"
	MetadataCheckoutFlow     = "checkout_flow"
)
