package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListOptions pages a listing by ascending id.
type ListOptions struct {
	AfterID snowflake.ID
	Limit   int
}

// CheckoutSessionFilter selects checkout sessions for a reconciliation scope.
// Time bounds are exclusive upper bounds; nil bounds are not applied.
type CheckoutSessionFilter struct {
	Provider           string
	Statuses           []string
	ExpiresBefore      *time.Time
	CompletedBefore    *time.Time
	RecoveryHoldBefore *time.Time
	ListOptions
}

type PendingIdempotencyFilter struct {
	Action               string
	ReplayDeadlineBefore time.Time
	ListOptions
}

type AcquireRunParams struct {
	NewID         snowflake.ID
	Provider      string
	Scope         string
	RunnerID      string
	Now           time.Time
	LeaseDuration time.Duration
}

// Repository is the storage contract for the billing aggregate.
// Every method accepts an optional transaction handle; nil uses the default connection.
// Find methods return (nil, nil) when no row matches.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error

	FindBillableEntityByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*BillableEntity, error)

	LockSubscriptionsForEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]Subscription, error)
	ListSubscriptionsForEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]Subscription, error)
	FindSubscriptionByProviderSubscriptionID(ctx context.Context, db *gorm.DB, provider, subscriptionID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	ClearCurrentSubscriptionFlagsForEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID, exceptID snowflake.ID, now time.Time) error
	UpsertSubscriptionRemediation(ctx context.Context, db *gorm.DB, item *SubscriptionRemediation) (bool, error)
	ListCurrentSubscriptions(ctx context.Context, db *gorm.DB, provider string, opts ListOptions) ([]Subscription, error)

	LockCheckoutSessionsForEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) ([]CheckoutSession, error)
	FindCheckoutSessionByProviderSessionID(ctx context.Context, db *gorm.DB, provider, sessionID string) (*CheckoutSession, error)
	FindCheckoutSessionByOperationKey(ctx context.Context, db *gorm.DB, provider, operationKey string) (*CheckoutSession, error)
	FindCheckoutSessionByProviderSubscriptionID(ctx context.Context, db *gorm.DB, provider, subscriptionID string) (*CheckoutSession, error)
	UpsertCheckoutSessionByOperationKey(ctx context.Context, db *gorm.DB, session *CheckoutSession) error
	UpdateCheckoutSessionByID(ctx context.Context, db *gorm.DB, id snowflake.ID, updates map[string]any) error
	ListReconciliationCheckoutSessions(ctx context.Context, db *gorm.DB, filter CheckoutSessionFilter) ([]CheckoutSession, error)

	FindCustomerByProviderCustomerID(ctx context.Context, db *gorm.DB, provider, customerID string) (*Customer, error)
	FindCustomerByEntityProvider(ctx context.Context, db *gorm.DB, entityID snowflake.ID, provider string) (*Customer, error)
	UpsertCustomer(ctx context.Context, db *gorm.DB, customer *Customer) error

	FindPlanByProviderPriceID(ctx context.Context, db *gorm.DB, provider, priceID string) (*Plan, error)

	FindInvoiceByProviderInvoiceID(ctx context.Context, db *gorm.DB, provider, invoiceID string, forUpdate bool) (*Invoice, error)
	UpsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	ListRecentInvoices(ctx context.Context, db *gorm.DB, provider string, since time.Time, opts ListOptions) ([]Invoice, error)

	FindPaymentByProviderPaymentID(ctx context.Context, db *gorm.DB, provider, paymentID string) (*Payment, error)
	FindPaymentByProviderInvoiceID(ctx context.Context, db *gorm.DB, provider, invoiceID string) (*Payment, error)
	UpsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error

	UpsertBillingPurchase(ctx context.Context, db *gorm.DB, purchase *BillingPurchase) (bool, error)

	FindWebhookEventByProviderEventID(ctx context.Context, db *gorm.DB, provider, eventID string, forUpdate bool) (*WebhookEvent, error)
	FindWebhookEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	UpdateWebhookEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID, updates map[string]any) error
	ListFailedWebhookEvents(ctx context.Context, db *gorm.DB, provider string, maxAttempts int, opts ListOptions) ([]WebhookEvent, error)

	FindIdempotencyByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*IdempotencyRow, error)
	FindIdempotencyByOperationKey(ctx context.Context, db *gorm.DB, action, operationKey string, forUpdate bool) (*IdempotencyRow, error)
	UpdateIdempotencyByID(ctx context.Context, db *gorm.DB, id snowflake.ID, updates map[string]any) error
	ListPendingIdempotencyRows(ctx context.Context, db *gorm.DB, filter PendingIdempotencyFilter) ([]IdempotencyRow, error)

	// AcquireReconciliationRun takes the (provider, scope) lease. It returns the run and false
	// when an unexpired running lease is held by anyone.
	AcquireReconciliationRun(ctx context.Context, db *gorm.DB, params AcquireRunParams) (*ReconciliationRun, bool, error)
	// UpdateReconciliationRunByLease applies updates only while lease_version still matches.
	UpdateReconciliationRunByLease(ctx context.Context, db *gorm.DB, id snowflake.ID, leaseVersion int64, updates map[string]any) (bool, error)
	FindReconciliationRun(ctx context.Context, db *gorm.DB, provider, scope string) (*ReconciliationRun, error)
}
