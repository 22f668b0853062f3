package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillableEntity is the tenant that owns billing state. Rows are created by the platform.
type BillableEntity struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Name      string       `json:"name" gorm:"type:text"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (BillableEntity) TableName() string { return "billable_entities" }

type Customer struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	BillableEntityID   snowflake.ID `json:"billable_entity_id" gorm:"not null;uniqueIndex:ux_billing_customers_entity_provider,priority:1"`
	Provider           string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_customers_provider_customer,priority:1;uniqueIndex:ux_billing_customers_entity_provider,priority:2"`
	ProviderCustomerID string       `json:"provider_customer_id" gorm:"type:text;not null;uniqueIndex:ux_billing_customers_provider_customer,priority:2"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null"`
}

func (Customer) TableName() string { return "billing_customers" }

// Plan maps a provider price to a local plan. Maintained by the platform catalog.
type Plan struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	Code            string       `json:"code" gorm:"type:text;not null"`
	Name            string       `json:"name" gorm:"type:text"`
	Provider        string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_plans_provider_price,priority:1"`
	ProviderPriceID string       `json:"provider_price_id" gorm:"type:text;not null;uniqueIndex:ux_billing_plans_provider_price,priority:2"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Plan) TableName() string { return "billing_plans" }

type Subscription struct {
	ID                            snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillableEntityID              snowflake.ID      `json:"billable_entity_id" gorm:"not null;index"`
	Provider                      string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_subscriptions_provider_sub,priority:1"`
	ProviderSubscriptionID        string            `json:"provider_subscription_id" gorm:"type:text;not null;uniqueIndex:ux_billing_subscriptions_provider_sub,priority:2"`
	ProviderCustomerID            string            `json:"provider_customer_id" gorm:"type:text"`
	PlanID                        *snowflake.ID     `json:"plan_id,omitempty"`
	Status                        string            `json:"status" gorm:"type:text;not null"`
	IsCurrent                     bool              `json:"is_current" gorm:"not null;default:false"`
	CurrentPeriodStart            *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd              *time.Time        `json:"current_period_end,omitempty"`
	TrialStart                    *time.Time        `json:"trial_start,omitempty"`
	TrialEnd                      *time.Time        `json:"trial_end,omitempty"`
	CancelAt                      *time.Time        `json:"cancel_at,omitempty"`
	CancelAtPeriodEnd             bool              `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt                    *time.Time        `json:"canceled_at,omitempty"`
	EndedAt                       *time.Time        `json:"ended_at,omitempty"`
	ProviderSubscriptionCreatedAt *time.Time        `json:"provider_subscription_created_at,omitempty"`
	Metadata                      datatypes.JSONMap `json:"metadata,omitempty"`
	LastProviderEventCreatedAt    *time.Time        `json:"last_provider_event_created_at,omitempty"`
	LastProviderEventID           string            `json:"last_provider_event_id,omitempty" gorm:"type:text"`
	CreatedAt                     time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt                     time.Time         `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "billing_subscriptions" }

func (s Subscription) Cursor() Cursor {
	return Cursor{CreatedAt: s.LastProviderEventCreatedAt, EventID: s.LastProviderEventID}
}

// SubscriptionRemediation proposes cancelling a demoted duplicate. Nothing here acts on the provider.
type SubscriptionRemediation struct {
	ID                              snowflake.ID `json:"id" gorm:"primaryKey"`
	BillableEntityID                snowflake.ID `json:"billable_entity_id" gorm:"not null;index"`
	Provider                        string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_sub_remediations_key,priority:1"`
	ProviderSubscriptionID          string       `json:"provider_subscription_id" gorm:"type:text;not null;uniqueIndex:ux_billing_sub_remediations_key,priority:2"`
	Algorithm                       string       `json:"algorithm" gorm:"type:text;not null;uniqueIndex:ux_billing_sub_remediations_key,priority:3"`
	CanonicalProviderSubscriptionID string       `json:"canonical_provider_subscription_id" gorm:"type:text;not null"`
	Status                          string       `json:"status" gorm:"type:text;not null"`
	Reason                          string       `json:"reason" gorm:"type:text"`
	CreatedAt                       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt                       time.Time    `json:"updated_at" gorm:"not null"`
}

func (SubscriptionRemediation) TableName() string { return "billing_subscription_remediations" }

type CheckoutSession struct {
	ID                         snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillableEntityID           snowflake.ID      `json:"billable_entity_id" gorm:"not null;index"`
	Provider                   string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_checkout_op_key,priority:1,where:operation_key <> '';uniqueIndex:ux_billing_checkout_provider_session,priority:1,where:provider_checkout_session_id <> ''"`
	OperationKey               string            `json:"operation_key" gorm:"type:text;not null;default:'';uniqueIndex:ux_billing_checkout_op_key,priority:2,where:operation_key <> ''"`
	ProviderCheckoutSessionID  string            `json:"provider_checkout_session_id" gorm:"type:text;not null;default:'';uniqueIndex:ux_billing_checkout_provider_session,priority:2,where:provider_checkout_session_id <> ''"`
	Mode                       string            `json:"mode" gorm:"type:text"`
	Flow                       string            `json:"flow" gorm:"type:text;not null"`
	Status                     string            `json:"status" gorm:"type:text;not null"`
	ProviderCustomerID         string            `json:"provider_customer_id" gorm:"type:text"`
	ProviderSubscriptionID     string            `json:"provider_subscription_id" gorm:"type:text;index"`
	IdempotencyID              *snowflake.ID     `json:"idempotency_id,omitempty"`
	ExpiresAt                  *time.Time        `json:"expires_at,omitempty"`
	CompletedAt                *time.Time        `json:"completed_at,omitempty"`
	RecoveryHoldUntil          *time.Time        `json:"recovery_hold_until,omitempty"`
	Metadata                   datatypes.JSONMap `json:"metadata,omitempty"`
	LastProviderEventCreatedAt *time.Time        `json:"last_provider_event_created_at,omitempty"`
	LastProviderEventID        string            `json:"last_provider_event_id,omitempty" gorm:"type:text"`
	CreatedAt                  time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt                  time.Time         `json:"updated_at" gorm:"not null"`
}

func (CheckoutSession) TableName() string { return "billing_checkout_sessions" }

func (c CheckoutSession) Cursor() Cursor {
	return Cursor{CreatedAt: c.LastProviderEventCreatedAt, EventID: c.LastProviderEventID}
}

// IdempotencyRow records one client-initiated checkout attempt.
type IdempotencyRow struct {
	ID                     snowflake.ID   `json:"id" gorm:"primaryKey"`
	BillableEntityID       snowflake.ID   `json:"billable_entity_id" gorm:"not null;index"`
	Action                 string         `json:"action" gorm:"type:text;not null;uniqueIndex:ux_billing_idempotency_action_key,priority:1"`
	OperationKey           string         `json:"operation_key" gorm:"type:text;not null;uniqueIndex:ux_billing_idempotency_action_key,priority:2"`
	Status                 string         `json:"status" gorm:"type:text;not null;index"`
	ResponsePayload        datatypes.JSON `json:"response_payload,omitempty"`
	FailureCode            string         `json:"failure_code,omitempty" gorm:"type:text"`
	FailureReason          string         `json:"failure_reason,omitempty" gorm:"type:text"`
	ProviderReplayDeadline *time.Time     `json:"provider_replay_deadline,omitempty"`
	LeaseOwner             string         `json:"lease_owner,omitempty" gorm:"type:text"`
	LeaseHeartbeatAt       *time.Time     `json:"lease_heartbeat_at,omitempty"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	CreatedAt              time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time      `json:"updated_at" gorm:"not null"`
}

func (IdempotencyRow) TableName() string { return "billing_idempotency_keys" }

type Invoice struct {
	ID                         snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillableEntityID           snowflake.ID      `json:"billable_entity_id" gorm:"not null;index"`
	Provider                   string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_invoices_provider_invoice,priority:1"`
	ProviderInvoiceID          string            `json:"provider_invoice_id" gorm:"type:text;not null;uniqueIndex:ux_billing_invoices_provider_invoice,priority:2"`
	ProviderCustomerID         string            `json:"provider_customer_id" gorm:"type:text"`
	ProviderSubscriptionID     string            `json:"provider_subscription_id" gorm:"type:text;index"`
	SubscriptionID             *snowflake.ID     `json:"subscription_id,omitempty"`
	Status                     string            `json:"status" gorm:"type:text;not null"`
	Currency                   string            `json:"currency" gorm:"type:text"`
	AmountDue                  int64             `json:"amount_due" gorm:"not null;default:0"`
	AmountPaid                 int64             `json:"amount_paid" gorm:"not null;default:0"`
	AmountRemaining            int64             `json:"amount_remaining" gorm:"not null;default:0"`
	BillingReason              string            `json:"billing_reason,omitempty" gorm:"type:text"`
	PeriodStart                *time.Time        `json:"period_start,omitempty"`
	PeriodEnd                  *time.Time        `json:"period_end,omitempty"`
	PaidAt                     *time.Time        `json:"paid_at,omitempty"`
	ProviderInvoiceCreatedAt   *time.Time        `json:"provider_invoice_created_at,omitempty" gorm:"index"`
	Metadata                   datatypes.JSONMap `json:"metadata,omitempty"`
	LastProviderEventCreatedAt *time.Time        `json:"last_provider_event_created_at,omitempty"`
	LastProviderEventID        string            `json:"last_provider_event_id,omitempty" gorm:"type:text"`
	CreatedAt                  time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt                  time.Time         `json:"updated_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "billing_invoices" }

func (i Invoice) Cursor() Cursor {
	return Cursor{CreatedAt: i.LastProviderEventCreatedAt, EventID: i.LastProviderEventID}
}

type Payment struct {
	ID                         snowflake.ID  `json:"id" gorm:"primaryKey"`
	BillableEntityID           snowflake.ID  `json:"billable_entity_id" gorm:"not null;index"`
	Provider                   string        `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_payments_provider_payment,priority:1"`
	ProviderPaymentID          string        `json:"provider_payment_id" gorm:"type:text;not null;uniqueIndex:ux_billing_payments_provider_payment,priority:2"`
	ProviderInvoiceID          string        `json:"provider_invoice_id" gorm:"type:text;index"`
	InvoiceID                  *snowflake.ID `json:"invoice_id,omitempty"`
	Status                     string        `json:"status" gorm:"type:text;not null"`
	Amount                     int64         `json:"amount" gorm:"not null;default:0"`
	Currency                   string        `json:"currency" gorm:"type:text"`
	LastProviderEventCreatedAt *time.Time    `json:"last_provider_event_created_at,omitempty"`
	LastProviderEventID        string        `json:"last_provider_event_id,omitempty" gorm:"type:text"`
	CreatedAt                  time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt                  time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "billing_payments" }

func (p Payment) Cursor() Cursor {
	return Cursor{CreatedAt: p.LastProviderEventCreatedAt, EventID: p.LastProviderEventID}
}

// BillingPurchase is a confirmed charge in the purchase ledger.
type BillingPurchase struct {
	ID                     snowflake.ID `json:"id" gorm:"primaryKey"`
	BillableEntityID       snowflake.ID `json:"billable_entity_id" gorm:"not null;index"`
	Provider               string       `json:"provider" gorm:"type:text;not null"`
	DedupeKey              string       `json:"dedupe_key" gorm:"type:text;not null;uniqueIndex"`
	Kind                   string       `json:"kind" gorm:"type:text;not null"`
	Amount                 int64        `json:"amount" gorm:"not null"`
	Currency               string       `json:"currency" gorm:"type:text"`
	ProviderPaymentID      string       `json:"provider_payment_id,omitempty" gorm:"type:text"`
	ProviderInvoiceID      string       `json:"provider_invoice_id,omitempty" gorm:"type:text"`
	ProviderSubscriptionID string       `json:"provider_subscription_id,omitempty" gorm:"type:text"`
	ProviderCheckoutID     string       `json:"provider_checkout_session_id,omitempty" gorm:"column:provider_checkout_session_id;type:text"`
	ProviderEventID        string       `json:"provider_event_id,omitempty" gorm:"type:text"`
	PurchasedAt            time.Time    `json:"purchased_at" gorm:"not null"`
	CreatedAt              time.Time    `json:"created_at" gorm:"not null"`
}

func (BillingPurchase) TableName() string { return "billing_purchases" }

// WebhookEvent is the durable record of a verified inbound provider event.
type WebhookEvent struct {
	ID                        snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider                  string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_webhook_events_provider_event,priority:1"`
	ProviderEventID           string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_billing_webhook_events_provider_event,priority:2"`
	EventType                 string         `json:"event_type" gorm:"type:text;not null"`
	Status                    string         `json:"status" gorm:"type:text;not null;index"`
	Attempts                  int            `json:"attempts" gorm:"not null;default:0"`
	LastError                 string         `json:"last_error,omitempty" gorm:"type:text"`
	Payload                   datatypes.JSON `json:"payload" gorm:"not null"`
	BillableEntityID          *snowflake.ID  `json:"billable_entity_id,omitempty"`
	ProviderCustomerID        string         `json:"provider_customer_id,omitempty" gorm:"type:text"`
	ProviderSubscriptionID    string         `json:"provider_subscription_id,omitempty" gorm:"type:text"`
	ProviderCheckoutSessionID string         `json:"provider_checkout_session_id,omitempty" gorm:"type:text"`
	OperationKey              string         `json:"operation_key,omitempty" gorm:"type:text"`
	ProviderCreatedAt         time.Time      `json:"provider_created_at" gorm:"not null"`
	ReceivedAt                time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt               *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt                 time.Time      `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "billing_webhook_events" }

// ReconciliationRun is the lease row for one (provider, scope).
type ReconciliationRun struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider       string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_billing_reconciliation_runs_scope,priority:1"`
	Scope          string         `json:"scope" gorm:"type:text;not null;uniqueIndex:ux_billing_reconciliation_runs_scope,priority:2"`
	Status         string         `json:"status" gorm:"type:text;not null"`
	RunnerID       string         `json:"runner_id" gorm:"type:text;not null"`
	LeaseVersion   int64          `json:"lease_version" gorm:"not null"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at" gorm:"not null"`
	StartedAt      time.Time      `json:"started_at" gorm:"not null"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	LastError      string         `json:"last_error,omitempty" gorm:"type:text"`
	Stats          datatypes.JSON `json:"stats,omitempty"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null"`
}

func (ReconciliationRun) TableName() string { return "billing_reconciliation_runs" }

// Models lists every table for gorm AutoMigrate on non-postgres dialects and in tests.
func Models() []any {
	return []any{
		&BillableEntity{},
		&Customer{},
		&Plan{},
		&Subscription{},
		&SubscriptionRemediation{},
		&CheckoutSession{},
		&IdempotencyRow{},
		&Invoice{},
		&Payment{},
		&BillingPurchase{},
		&WebhookEvent{},
		&ReconciliationRun{},
	}
}
