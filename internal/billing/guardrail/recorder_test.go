package guardrail

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecordBillingGuardrailLogsAndCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	billing := metrics.NewBillingMetrics(registry, metrics.Config{ServiceName: "billsync-test", Environment: "test"})
	core, logs := observer.New(zap.WarnLevel)
	recorder := NewRecorder(zap.New(core), billing)

	ctx := context.Background()
	recorder.RecordBillingGuardrail(ctx, domain.Guardrail{
		Code:    domain.GuardrailDuplicateActiveSubscriptions,
		Measure: "duplicates",
		Value:   2,
		Fields:  map[string]any{"billable_entity_id": "77"},
	})
	recorder.RecordBillingGuardrail(ctx, domain.Guardrail{Code: domain.GuardrailLeaseFenced})
	recorder.RecordBillingGuardrail(ctx, domain.Guardrail{})

	if logs.Len() != 2 {
		t.Fatalf("expected 2 guardrail logs, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["guardrail"] != domain.GuardrailDuplicateActiveSubscriptions {
		t.Fatalf("unexpected guardrail field: %v", fields)
	}
	if fields["billable_entity_id"] != "77" {
		t.Fatalf("expected context fields to be logged, got %v", fields)
	}

	expected := `
# HELP billsync_billing_guardrail_total Billing guardrail signals by code and measure.
# TYPE billsync_billing_guardrail_total counter
billsync_billing_guardrail_total{code="BILLING_DUPLICATE_ACTIVE_SUBSCRIPTIONS_DETECTED",env="test",measure="duplicates",service="billsync-test"} 2
billsync_billing_guardrail_total{code="BILLING_RECONCILIATION_LEASE_FENCED",env="test",measure="count",service="billsync-test"} 1
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "billsync_billing_guardrail_total"); err != nil {
		t.Fatalf("unexpected guardrail metrics: %v", err)
	}
}

func TestNilBillingMetricsIsSafe(t *testing.T) {
	recorder := NewRecorder(nil, nil)
	recorder.RecordBillingGuardrail(context.Background(), domain.Guardrail{Code: domain.GuardrailCanonicalFallback})
}
