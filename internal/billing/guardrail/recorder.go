package guardrail

import (
	"context"
	"sort"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.guardrail",
	fx.Provide(
		fx.Annotate(NewRecorder, fx.As(new(domain.GuardrailRecorder))),
	),
)

// Recorder emits guardrails as a warn log line and a prometheus counter.
type Recorder struct {
	log     *zap.Logger
	billing *metrics.BillingMetrics
}

func NewRecorder(log *zap.Logger, billing *metrics.BillingMetrics) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		log:     log.Named("billing.guardrail"),
		billing: billing,
	}
}

func (r *Recorder) RecordBillingGuardrail(ctx context.Context, g domain.Guardrail) {
	if g.Code == "" {
		return
	}
	measure := g.Measure
	if measure == "" {
		measure = "count"
	}
	value := g.Value
	if value <= 0 {
		value = 1
	}

	fields := []zap.Field{
		zap.String("guardrail", g.Code),
		zap.String("measure", measure),
		zap.Float64("value", value),
	}
	keys := make([]string, 0, len(g.Fields))
	for key := range g.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fields = append(fields, zap.Any(key, g.Fields[key]))
	}

	logger.WithContext(ctx, r.log).Warn("billing guardrail", fields...)
	r.billing.AddGuardrail(g.Code, measure, value)
}
