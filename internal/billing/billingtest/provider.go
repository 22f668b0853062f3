package billingtest

import (
	"context"
	"sync"

	"github.com/smallbiznis/billsync/internal/billing/adapters/stripe"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"go.uber.org/zap"
)

const WebhookSecret = "whsec_test"

// Provider serves provider lookups from in-memory snapshots and uses the real
// stripe decoding and signature verification.
type Provider struct {
	*stripe.Adapter

	mu            sync.Mutex
	Sessions      map[string]domain.CheckoutSessionSnapshot
	Subscriptions map[string]domain.SubscriptionSnapshot
	Invoices      map[string]domain.InvoiceSnapshot
	ByOperation   map[string][]domain.CheckoutSessionSnapshot
	// Err, when set, fails every lookup.
	Err   error
	calls map[string]int
}

func NewProvider() *Provider {
	return &Provider{
		Adapter:       stripe.NewWithBackend(nil, "sk_test", WebhookSecret, zap.NewNop()),
		Sessions:      map[string]domain.CheckoutSessionSnapshot{},
		Subscriptions: map[string]domain.SubscriptionSnapshot{},
		Invoices:      map[string]domain.InvoiceSnapshot{},
		ByOperation:   map[string][]domain.CheckoutSessionSnapshot{},
		calls:         map[string]int{},
	}
}

func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.Err
}

func (p *Provider) RetrieveCheckoutSession(_ context.Context, params domain.RetrieveCheckoutSessionParams) (*domain.CheckoutSessionSnapshot, error) {
	if err := p.record("retrieve_checkout_session"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.Sessions[params.SessionID]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return &snap, nil
}

func (p *Provider) ListCheckoutSessionsByOperationKey(_ context.Context, params domain.ListCheckoutSessionsParams) ([]domain.CheckoutSessionSnapshot, error) {
	if err := p.record("list_checkout_sessions"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CheckoutSessionSnapshot(nil), p.ByOperation[params.OperationKey]...), nil
}

func (p *Provider) RetrieveSubscription(_ context.Context, subscriptionID string) (*domain.SubscriptionSnapshot, error) {
	if err := p.record("retrieve_subscription"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return &snap, nil
}

func (p *Provider) RetrieveInvoice(_ context.Context, invoiceID string) (*domain.InvoiceSnapshot, error) {
	if err := p.record("retrieve_invoice"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.Invoices[invoiceID]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return &snap, nil
}
