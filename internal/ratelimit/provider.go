package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/zap"
)

// ProviderLimits bounds outbound provider API calls shared by every process.
type ProviderLimits struct {
	Rate    float64
	Burst   int
	MaxWait time.Duration
}

// ThrottledProvider paces provider API lookups through a shared token bucket.
// Webhook verification and decoding are local and pass through untouched.
type ThrottledProvider struct {
	domain.ProviderAdapter

	bucket  *TokenBucket
	limits  ProviderLimits
	metrics *metrics.Metrics
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewThrottledProvider(inner domain.ProviderAdapter, bucket *TokenBucket, limits ProviderLimits, m *metrics.Metrics, log *zap.Logger) *ThrottledProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &ThrottledProvider{
		ProviderAdapter: inner,
		bucket:          bucket,
		limits:          limits,
		metrics:         m,
		log:             log.Named("ratelimit.provider"),
		sleep:           sleepContext,
	}
}

func (p *ThrottledProvider) RetrieveCheckoutSession(ctx context.Context, params domain.RetrieveCheckoutSessionParams) (*domain.CheckoutSessionSnapshot, error) {
	if err := p.wait(ctx, "retrieve_checkout_session"); err != nil {
		return nil, err
	}
	return p.ProviderAdapter.RetrieveCheckoutSession(ctx, params)
}

func (p *ThrottledProvider) ListCheckoutSessionsByOperationKey(ctx context.Context, params domain.ListCheckoutSessionsParams) ([]domain.CheckoutSessionSnapshot, error) {
	if err := p.wait(ctx, "list_checkout_sessions"); err != nil {
		return nil, err
	}
	return p.ProviderAdapter.ListCheckoutSessionsByOperationKey(ctx, params)
}

func (p *ThrottledProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionSnapshot, error) {
	if err := p.wait(ctx, "retrieve_subscription"); err != nil {
		return nil, err
	}
	return p.ProviderAdapter.RetrieveSubscription(ctx, subscriptionID)
}

func (p *ThrottledProvider) RetrieveInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceSnapshot, error) {
	if err := p.wait(ctx, "retrieve_invoice"); err != nil {
		return nil, err
	}
	return p.ProviderAdapter.RetrieveInvoice(ctx, invoiceID)
}

func (p *ThrottledProvider) wait(ctx context.Context, operation string) error {
	if p.bucket == nil {
		return nil
	}
	key := fmt.Sprintf("billsync:provider:%s", p.Name())
	waited := time.Duration(0)
	for {
		res, err := p.bucket.Allow(ctx, key, p.limits.Rate, p.limits.Burst)
		if err != nil {
			// Redis trouble must not stall reconciliation; the provider enforces its own limits.
			p.log.Warn("provider throttle unavailable", zap.String("operation", operation), zap.Error(err))
			return nil
		}
		if res.Allowed {
			return nil
		}

		p.metrics.RecordProviderThrottled(ctx, p.Name(), operation)
		delay := res.RetryAfter
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		if waited+delay > p.limits.MaxWait {
			return fmt.Errorf("%w: %s", domain.ErrProviderThrottled, operation)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
