package domain

import (
	"context"
	"encoding/json"
)

type RetrieveCheckoutSessionParams struct {
	SessionID string
	Expand    []string
}

type ListCheckoutSessionsParams struct {
	OperationKey string
	Limit        int
}

type VerifyWebhookParams struct {
	RawBody         []byte
	SignatureHeader string
	EndpointSecret  string
}

// ProviderAdapter is the single entry point to the payment provider API.
// Retrieval methods return ErrProviderNotFound when the provider answers 404.
type ProviderAdapter interface {
	Name() string
	RetrieveCheckoutSession(ctx context.Context, params RetrieveCheckoutSessionParams) (*CheckoutSessionSnapshot, error)
	ListCheckoutSessionsByOperationKey(ctx context.Context, params ListCheckoutSessionsParams) ([]CheckoutSessionSnapshot, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	RetrieveInvoice(ctx context.Context, invoiceID string) (*InvoiceSnapshot, error)
	VerifyWebhookEvent(ctx context.Context, params VerifyWebhookParams) (*ProviderEvent, error)

	// ParseEvent decodes an already verified, stored payload.
	ParseEvent(payload []byte) (*ProviderEvent, error)
	DecodeCheckoutSession(raw json.RawMessage) (*CheckoutSessionSnapshot, error)
	DecodeSubscription(raw json.RawMessage) (*SubscriptionSnapshot, error)
	DecodeInvoice(raw json.RawMessage) (*InvoiceSnapshot, error)
}
