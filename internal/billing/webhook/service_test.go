package webhook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/billingtest"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/billing/repository"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"github.com/smallbiznis/billsync/internal/cache"
	"github.com/smallbiznis/billsync/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db  *gorm.DB
	svc *webhook.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := billingtest.NewDB(t)
	repo := repository.Provide(db)
	provider := billingtest.NewProvider()
	node := billingtest.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	proj := projection.NewService(projection.Params{
		Repo:       repo,
		Provider:   provider,
		Guardrails: &billingtest.Guardrails{},
		Plans:      projection.NewPlanResolver(repo, cache.NewPlanCache()),
		GenID:      node,
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	svc := webhook.NewService(webhook.Params{
		Repo:       repo,
		Provider:   provider,
		Projection: proj,
		GenID:      node,
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	return &fixture{db: db, svc: svc}
}

func signed(payload []byte) webhook.IngestRequest {
	return webhook.IngestRequest{
		Provider:        "stripe",
		Payload:         payload,
		SignatureHeader: billingtest.SignatureHeader(billingtest.WebhookSecret, payload, time.Now().Unix()),
	}
}

func oneOffCheckout(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"object":         "checkout.session",
		"mode":           "payment",
		"status":         "complete",
		"payment_status": "paid",
		"customer":       "cus_1",
		"payment_intent": "pi_1",
		"amount_total":   2500,
		"currency":       "usd",
		"metadata": map[string]string{
			"billable_entity_id": "77",
			"operation_key":      "op1",
		},
	}
}

func (f *fixture) webhookRow(t *testing.T, eventID string) domain.WebhookEvent {
	t.Helper()
	var row domain.WebhookEvent
	if err := f.db.Where("provider_event_id = ?", eventID).Take(&row).Error; err != nil {
		t.Fatalf("load webhook event %s: %v", eventID, err)
	}
	return row
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestIngestWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	ctx := context.Background()

	payload := billingtest.EventPayload(t, "evt_1", domain.EventTypeCheckoutSessionCompleted, time.Unix(1700000000, 0), oneOffCheckout("cs_1"))

	first, err := f.svc.IngestWebhook(ctx, signed(payload))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Status != webhook.StatusProcessed || first.Duplicate {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := f.svc.IngestWebhook(ctx, signed(payload))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate || second.Status != webhook.StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}

	if n := f.count(t, &domain.WebhookEvent{}); n != 1 {
		t.Fatalf("expected 1 webhook row, got %d", n)
	}
	if n := f.count(t, &domain.BillingPurchase{}); n != 1 {
		t.Fatalf("expected 1 purchase, got %d", n)
	}

	row := f.webhookRow(t, "evt_1")
	if row.Status != domain.WebhookStatusProcessed || row.ProcessedAt == nil {
		t.Fatalf("unexpected webhook row: status=%s processed_at=%v", row.Status, row.ProcessedAt)
	}
	if row.BillableEntityID == nil || *row.BillableEntityID != 77 {
		t.Fatalf("expected billable entity 77, got %v", row.BillableEntityID)
	}
	if row.OperationKey != "op1" || row.ProviderCheckoutSessionID != "cs_1" {
		t.Fatalf("unexpected correlation: op=%s session=%s", row.OperationKey, row.ProviderCheckoutSessionID)
	}
}

func TestIngestWebhookIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t)
	payload := billingtest.EventPayload(t, "evt_2", "customer.created", time.Unix(1700000000, 0), map[string]any{
		"id":     "cus_9",
		"object": "customer",
	})

	result, err := f.svc.IngestWebhook(context.Background(), signed(payload))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != webhook.StatusIgnored {
		t.Fatalf("expected ignored, got %s", result.Status)
	}
	if n := f.count(t, &domain.WebhookEvent{}); n != 0 {
		t.Fatalf("ignored events are not stored, found %d", n)
	}
}

func TestIngestWebhookRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	payload := billingtest.EventPayload(t, "evt_3", domain.EventTypeInvoicePaid, time.Unix(1700000000, 0), map[string]any{"id": "in_1"})

	req := signed(payload)
	req.SignatureHeader = billingtest.SignatureHeader("whsec_other", payload, time.Now().Unix())
	_, err := f.svc.IngestWebhook(context.Background(), req)
	if !errors.Is(err, domain.ErrInvalidSignature) || !domain.IsValidation(err) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	req = signed(payload)
	req.Provider = "adyen"
	_, err = f.svc.IngestWebhook(context.Background(), req)
	if !errors.Is(err, domain.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}

	if n := f.count(t, &domain.WebhookEvent{}); n != 0 {
		t.Fatalf("rejected deliveries are not stored, found %d", n)
	}
}

func TestFailedEventIsRecordedAndReplayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := billingtest.EventPayload(t, "evt_4", domain.EventTypeSubscriptionCreated, time.Unix(1700000000, 0), map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_late",
		"status":   "active",
		"created":  1699999000,
	})

	_, err := f.svc.IngestWebhook(ctx, signed(payload))
	if !errors.Is(err, domain.ErrUncorrelatedEvent) {
		t.Fatalf("expected uncorrelated error, got %v", err)
	}
	row := f.webhookRow(t, "evt_4")
	if row.Status != domain.WebhookStatusFailed || row.Attempts != 1 || row.LastError == "" {
		t.Fatalf("unexpected failed row: %+v", row)
	}
	if row.ProviderCustomerID != "cus_late" || row.ProviderSubscriptionID != "sub_1" {
		t.Fatalf("correlation hint not stored: %+v", row)
	}
	if n := f.count(t, &domain.Subscription{}); n != 0 {
		t.Fatalf("failed processing must roll back, found %d subscriptions", n)
	}

	_, err = f.svc.IngestWebhook(ctx, signed(payload))
	if err == nil {
		t.Fatalf("expected redelivery to fail while uncorrelated")
	}
	if row = f.webhookRow(t, "evt_4"); row.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", row.Attempts)
	}

	billingtest.SeedEntity(t, f.db, 88)
	now := time.Now().UTC()
	if err := f.db.Create(&domain.Customer{
		ID: 5, BillableEntityID: 88, Provider: domain.ProviderStripe, ProviderCustomerID: "cus_late", CreatedAt: now, UpdatedAt: now,
	}).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	result, err := f.svc.ReprocessStoredEvent(ctx, row.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if result.Status != webhook.StatusProcessed || result.EventID != "evt_4" {
		t.Fatalf("unexpected reprocess result: %+v", result)
	}
	row = f.webhookRow(t, "evt_4")
	if row.Status != domain.WebhookStatusProcessed || row.LastError != "" {
		t.Fatalf("unexpected row after replay: %+v", row)
	}
	if row.BillableEntityID == nil || *row.BillableEntityID != 88 {
		t.Fatalf("expected fresh entity correlation, got %v", row.BillableEntityID)
	}
	if n := f.count(t, &domain.Subscription{}); n != 1 {
		t.Fatalf("expected 1 subscription, got %d", n)
	}

	again, err := f.svc.ReprocessStoredEvent(ctx, row.ID)
	if err != nil {
		t.Fatalf("second reprocess: %v", err)
	}
	if !again.Duplicate {
		t.Fatalf("expected duplicate after processing, got %+v", again)
	}
}

func TestReprocessUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReprocessStoredEvent(context.Background(), 12345)
	if !errors.Is(err, domain.ErrWebhookEventNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
