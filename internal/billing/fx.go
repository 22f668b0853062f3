// Package billing wires the billing ledger: provider adapter, repository, projection, webhook
// ingestion and reconciliation.
package billing

import (
	"time"

	"github.com/smallbiznis/billsync/internal/billing/adapters/stripe"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/guardrail"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
	"github.com/smallbiznis/billsync/internal/billing/repository"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing",
	fx.Provide(
		stripe.NewAdapter,
		provideProvider,
		repository.Provide,
	),
	guardrail.Module,
	projection.Module,
	webhook.Module,
	reconciliation.Module,
)

type providerParams struct {
	fx.In

	Cfg     config.Config
	Stripe  *stripe.Adapter
	Bucket  *ratelimit.TokenBucket `optional:"true"`
	Metrics *metrics.Metrics       `optional:"true"`
	Log     *zap.Logger
}

// provideProvider exposes the Stripe adapter, paced through the shared token bucket when redis is configured.
func provideProvider(p providerParams) domain.ProviderAdapter {
	if p.Bucket == nil || !p.Cfg.Redis.Enabled() {
		return p.Stripe
	}
	return ratelimit.NewThrottledProvider(p.Stripe, p.Bucket, ratelimit.ProviderLimits{
		Rate:    p.Cfg.Redis.ProviderRate,
		Burst:   p.Cfg.Redis.ProviderBurst,
		MaxWait: time.Duration(p.Cfg.Redis.ThrottleWaitMs) * time.Millisecond,
	}, p.Metrics, p.Log)
}
