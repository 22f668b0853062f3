package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/config"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	listPageSize = 100
	maxListPages = 5
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Adapter struct {
	sessions      session.Client
	subscriptions subscription.Client
	invoices      invoice.Client
	webhookSecret string
	log           *zap.Logger
}

// NewAdapter builds the single Stripe adapter instance for the process.
func NewAdapter(p Params) *Adapter {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing.stripe")

	backendCfg := &stripego.BackendConfig{
		MaxNetworkRetries: stripego.Int64(p.Cfg.Stripe.MaxRetries),
		LeveledLogger:     log.Sugar(),
	}
	if apiURL := strings.TrimSpace(p.Cfg.Stripe.APIURL); apiURL != "" {
		backendCfg.URL = stripego.String(apiURL)
	}
	if strings.TrimSpace(p.Cfg.Stripe.SecretKey) == "" {
		log.Warn("stripe secret key not configured, provider lookups will fail")
	}
	if strings.TrimSpace(p.Cfg.Stripe.WebhookSecret) == "" {
		log.Warn("stripe webhook secret not configured, webhook deliveries will be rejected")
	}

	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)
	return NewWithBackend(backend, p.Cfg.Stripe.SecretKey, p.Cfg.Stripe.WebhookSecret, log)
}

func NewWithBackend(backend stripego.Backend, secretKey, webhookSecret string, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	key := strings.TrimSpace(secretKey)
	return &Adapter{
		sessions:      session.Client{B: backend, Key: key},
		subscriptions: subscription.Client{B: backend, Key: key},
		invoices:      invoice.Client{B: backend, Key: key},
		webhookSecret: strings.TrimSpace(webhookSecret),
		log:           log,
	}
}

func (a *Adapter) Name() string { return domain.ProviderStripe }

func (a *Adapter) RetrieveCheckoutSession(ctx context.Context, params domain.RetrieveCheckoutSessionParams) (*domain.CheckoutSessionSnapshot, error) {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &stripego.CheckoutSessionParams{}
	p.Context = ctx
	for _, field := range params.Expand {
		p.AddExpand(field)
	}
	cs, err := a.sessions.Get(sessionID, p)
	if err != nil {
		return nil, mapError(err)
	}
	return checkoutSessionSnapshot(cs)
}

// ListCheckoutSessionsByOperationKey walks recent sessions, newest first, and keeps those tagged
// with the key. The list endpoint has no metadata filter, so at most maxListPages pages are read.
func (a *Adapter) ListCheckoutSessionsByOperationKey(ctx context.Context, params domain.ListCheckoutSessionsParams) ([]domain.CheckoutSessionSnapshot, error) {
	key := strings.TrimSpace(params.OperationKey)
	if key == "" {
		return nil, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &stripego.CheckoutSessionListParams{}
	p.Context = ctx
	p.Limit = stripego.Int64(listPageSize)

	var out []domain.CheckoutSessionSnapshot
	scanned := 0
	it := a.sessions.List(p)
	for it.Next() {
		scanned++
		cs := it.CheckoutSession()
		if cs.Metadata[domain.MetadataOperationKey] == key || strings.TrimSpace(cs.ClientReferenceID) == key {
			snap, err := checkoutSessionSnapshot(cs)
			if err == nil {
				out = append(out, *snap)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
		if scanned >= listPageSize*maxListPages {
			a.log.Debug("checkout session scan stopped at page cap", zap.String("operation_key", key), zap.Int("scanned", scanned))
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (a *Adapter) RetrieveSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionSnapshot, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &stripego.SubscriptionParams{}
	p.Context = ctx
	sub, err := a.subscriptions.Get(subscriptionID, p)
	if err != nil {
		return nil, mapError(err)
	}
	return subscriptionSnapshot(sub, legacyFields{})
}

func (a *Adapter) RetrieveInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceSnapshot, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &stripego.InvoiceParams{}
	p.Context = ctx
	p.AddExpand("payments")
	inv, err := a.invoices.Get(invoiceID, p)
	if err != nil {
		return nil, mapError(err)
	}
	return invoiceSnapshot(inv, legacyFields{})
}

func (a *Adapter) VerifyWebhookEvent(ctx context.Context, params domain.VerifyWebhookParams) (*domain.ProviderEvent, error) {
	secret := strings.TrimSpace(params.EndpointSecret)
	if secret == "" {
		secret = a.webhookSecret
	}
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	if strings.TrimSpace(params.SignatureHeader) == "" {
		return nil, domain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(params.RawBody, params.SignatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		a.log.Debug("stripe webhook verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return toProviderEvent(event)
}

func (a *Adapter) ParseEvent(payload []byte) (*domain.ProviderEvent, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return toProviderEvent(event)
}

func (a *Adapter) DecodeCheckoutSession(raw json.RawMessage) (*domain.CheckoutSessionSnapshot, error) {
	return DecodeCheckoutSession(raw)
}

func (a *Adapter) DecodeSubscription(raw json.RawMessage) (*domain.SubscriptionSnapshot, error) {
	return DecodeSubscription(raw)
}

func (a *Adapter) DecodeInvoice(raw json.RawMessage) (*domain.InvoiceSnapshot, error) {
	return DecodeInvoice(raw)
}

func mapError(err error) error {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return err
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound, stripeErr.Code == stripego.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", domain.ErrProviderNotFound, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrProviderThrottled, stripeErr.Msg)
	default:
		return err
	}
}

func toProviderEvent(event stripego.Event) (*domain.ProviderEvent, error) {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(string(event.Type)) == "" {
		return nil, domain.ErrInvalidEvent
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, domain.ErrInvalidEvent
	}
	var created time.Time
	if event.Created > 0 {
		created = time.Unix(event.Created, 0).UTC()
	}
	return &domain.ProviderEvent{
		ID:       event.ID,
		Type:     string(event.Type),
		Created:  created,
		Livemode: event.Livemode,
		Object:   event.Data.Raw,
	}, nil
}
