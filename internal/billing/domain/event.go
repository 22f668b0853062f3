package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind is the closed set of provider events the router understands.
type EventKind int

const (
	EventKindIgnored EventKind = iota
	EventKindCheckoutSessionCompleted
	EventKindCheckoutSessionExpired
	EventKindSubscriptionCreated
	EventKindSubscriptionUpdated
	EventKindSubscriptionDeleted
	EventKindInvoicePaid
	EventKindInvoicePaymentFailed
)

const (
	EventTypeCheckoutSessionCompleted = "checkout.session.completed"
	EventTypeCheckoutSessionExpired   = "checkout.session.expired"
	EventTypeSubscriptionCreated      = "customer.subscription.created"
	EventTypeSubscriptionUpdated      = "customer.subscription.updated"
	EventTypeSubscriptionDeleted      = "customer.subscription.deleted"
	EventTypeInvoicePaid              = "invoice.paid"
	EventTypeInvoicePaymentFailed     = "invoice.payment_failed"

	// Synthetic types used for payments back-filled by reconciliation.
	EventTypeInvoiceMarkedUncollectible = "invoice.marked_uncollectible"
	EventTypeInvoiceVoided              = "invoice.voided"
)

func ParseEventKind(eventType string) EventKind {
	switch strings.TrimSpace(eventType) {
	case EventTypeCheckoutSessionCompleted:
		return EventKindCheckoutSessionCompleted
	case EventTypeCheckoutSessionExpired:
		return EventKindCheckoutSessionExpired
	case EventTypeSubscriptionCreated:
		return EventKindSubscriptionCreated
	case EventTypeSubscriptionUpdated:
		return EventKindSubscriptionUpdated
	case EventTypeSubscriptionDeleted:
		return EventKindSubscriptionDeleted
	case EventTypeInvoicePaid:
		return EventKindInvoicePaid
	case EventTypeInvoicePaymentFailed:
		return EventKindInvoicePaymentFailed
	default:
		return EventKindIgnored
	}
}

func (k EventKind) String() string {
	switch k {
	case EventKindCheckoutSessionCompleted:
		return EventTypeCheckoutSessionCompleted
	case EventKindCheckoutSessionExpired:
		return EventTypeCheckoutSessionExpired
	case EventKindSubscriptionCreated:
		return EventTypeSubscriptionCreated
	case EventKindSubscriptionUpdated:
		return EventTypeSubscriptionUpdated
	case EventKindSubscriptionDeleted:
		return EventTypeSubscriptionDeleted
	case EventKindInvoicePaid:
		return EventTypeInvoicePaid
	case EventKindInvoicePaymentFailed:
		return EventTypeInvoicePaymentFailed
	default:
		return "ignored"
	}
}

// ProviderEvent is a verified provider event with its data object left undecoded.
type ProviderEvent struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

// Cursor is the per-row ordering position of the last applied provider event.
type Cursor struct {
	CreatedAt *time.Time
	EventID   string
}

// EventCursor builds a cursor for an incoming event.
func EventCursor(created time.Time, eventID string) Cursor {
	if created.IsZero() {
		return Cursor{EventID: eventID}
	}
	ts := created.UTC()
	return Cursor{CreatedAt: &ts, EventID: eventID}
}

func (c Cursor) IsZero() bool {
	return c.CreatedAt == nil && c.EventID == ""
}

// CheckoutSessionSnapshot is the provider's view of a checkout session.
type CheckoutSessionSnapshot struct {
	ID                string
	Mode              string
	Status            string
	PaymentStatus     string
	CustomerID        string
	SubscriptionID    string
	InvoiceID         string
	PaymentIntentID   string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
	ExpiresAt         *time.Time
	Created           *time.Time
}

// SubscriptionSnapshot is the provider's view of a subscription.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	Metadata           map[string]string
	PriceIDs           []string
	Created            *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	EndedAt            *time.Time
	CancelAtPeriodEnd  bool
}

// InvoiceSnapshot is the provider's view of an invoice.
type InvoiceSnapshot struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	Status          string
	BillingReason   string
	Currency        string
	AmountDue       int64
	AmountPaid      int64
	AmountRemaining int64
	PaymentIntentID string
	ChargeID        string
	Metadata        map[string]string
	Created         *time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	PaidAt          *time.Time
}
