package reconciliation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billsync/internal/billing/billingtest"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
	"github.com/smallbiznis/billsync/internal/billing/repository"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"github.com/smallbiznis/billsync/internal/cache"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db         *gorm.DB
	provider   *billingtest.Provider
	guardrails *billingtest.Guardrails
	clock      *clock.FakeClock
	webhooks   *webhook.Service
	svc        *reconciliation.Service
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	wrap func(*billingtest.Provider, *gorm.DB) domain.ProviderAdapter
	cfg  func(*config.ReconciliationConfig)
}

func withProvider(wrap func(*billingtest.Provider, *gorm.DB) domain.ProviderAdapter) fixtureOption {
	return func(o *fixtureOptions) { o.wrap = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	var o fixtureOptions
	for _, opt := range opts {
		opt(&o)
	}

	db := billingtest.NewDB(t)
	repo := repository.Provide(db)
	fake := billingtest.NewProvider()
	var provider domain.ProviderAdapter = fake
	if o.wrap != nil {
		provider = o.wrap(fake, db)
	}
	node := billingtest.NewNode(t)
	clk := clock.NewFakeClock(start)
	guardrails := &billingtest.Guardrails{}

	cfg := config.DefaultReconciliationConfig()
	cfg.BatchSize = 2
	if o.cfg != nil {
		o.cfg(&cfg)
	}

	proj := projection.NewService(projection.Params{
		Repo:       repo,
		Provider:   provider,
		Guardrails: guardrails,
		Plans:      projection.NewPlanResolver(repo, cache.NewPlanCache()),
		GenID:      node,
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	hooks := webhook.NewService(webhook.Params{
		Repo:       repo,
		Provider:   provider,
		Projection: proj,
		GenID:      node,
		Clock:      clk,
		Log:        zap.NewNop(),
	})
	svc := reconciliation.NewService(reconciliation.Params{
		Repo:           repo,
		Provider:       provider,
		Projection:     proj,
		Replayer:       hooks,
		Guardrails:     guardrails,
		Config:         config.NewStaticReconciliationConfigHolder(cfg),
		GenID:          node,
		Clock:          clk,
		Log:            zap.NewNop(),
		BillingMetrics: metrics.NewBillingMetrics(prometheus.NewRegistry(), metrics.Config{}),
	})
	return &fixture{
		db:         db,
		provider:   fake,
		guardrails: guardrails,
		clock:      clk,
		webhooks:   hooks,
		svc:        svc,
	}
}

func (f *fixture) run(t *testing.T, scope domain.Scope) reconciliation.RunScopeResult {
	t.Helper()
	result, err := f.svc.RunScope(context.Background(), reconciliation.RunScopeRequest{
		Provider: domain.ProviderStripe,
		Scope:    string(scope),
		RunnerID: "runner-a",
	})
	if err != nil {
		t.Fatalf("run %s: %v", scope, err)
	}
	return result
}

func (f *fixture) seedSession(t *testing.T, session domain.CheckoutSession) {
	t.Helper()
	if session.Provider == "" {
		session.Provider = domain.ProviderStripe
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = start.Add(-2 * time.Hour)
	}
	session.UpdatedAt = session.CreatedAt
	if err := f.db.Create(&session).Error; err != nil {
		t.Fatalf("seed checkout session: %v", err)
	}
}

func (f *fixture) session(t *testing.T, opKey string) domain.CheckoutSession {
	t.Helper()
	var row domain.CheckoutSession
	if err := f.db.Where("operation_key = ?", opKey).Take(&row).Error; err != nil {
		t.Fatalf("load checkout session %s: %v", opKey, err)
	}
	return row
}

func (f *fixture) idempotency(t *testing.T, id snowflake.ID) domain.IdempotencyRow {
	t.Helper()
	var row domain.IdempotencyRow
	if err := f.db.Where("id = ?", id).Take(&row).Error; err != nil {
		t.Fatalf("load idempotency %s: %v", id, err)
	}
	return row
}

func (f *fixture) runRow(t *testing.T, scope domain.Scope) domain.ReconciliationRun {
	t.Helper()
	var row domain.ReconciliationRun
	if err := f.db.Where("scope = ?", string(scope)).Take(&row).Error; err != nil {
		t.Fatalf("load run %s: %v", scope, err)
	}
	return row
}

func at(ts time.Time) *time.Time { return &ts }

func TestRunScopeLeaseLifecycle(t *testing.T) {
	f := newFixture(t)

	first := f.run(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, domain.ReconciliationStatusSucceeded, first.Status)
	assert.EqualValues(t, 1, first.LeaseVersion)

	row := f.runRow(t, domain.ScopeCheckoutOpen)
	require.Equal(t, domain.ReconciliationStatusSucceeded, row.Status)
	var stats reconciliation.Stats
	require.NoError(t, json.Unmarshal(row.Stats, &stats))
	assert.Equal(t, reconciliation.Stats{}, stats)

	require.NoError(t, f.db.Model(&domain.ReconciliationRun{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":           domain.ReconciliationStatusRunning,
		"runner_id":        "runner-b",
		"lease_expires_at": start.Add(5 * time.Minute),
	}).Error)

	skipped := f.run(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, domain.ReconciliationStatusSkipped, skipped.Status)
	assert.Equal(t, domain.SkipReasonActiveRunExists, skipped.SkipReason)

	f.clock.Advance(10 * time.Minute)
	stolen := f.run(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, domain.ReconciliationStatusSucceeded, stolen.Status)
	assert.EqualValues(t, 2, stolen.LeaseVersion)
}

func TestRunScopeRejectsUnknownScopeAndProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunScope(context.Background(), reconciliation.RunScopeRequest{Provider: "stripe", Scope: "everything"})
	if !errors.Is(err, domain.ErrUnsupportedScope) || !domain.IsValidation(err) {
		t.Fatalf("expected unsupported scope, got %v", err)
	}
	_, err = f.svc.RunScope(context.Background(), reconciliation.RunScopeRequest{Provider: "adyen", Scope: "checkout_open"})
	if !errors.Is(err, domain.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

// stealingProvider bumps the lease version mid-run, as a second runner taking over would.
type stealingProvider struct {
	*billingtest.Provider
	db *gorm.DB
}

func (p *stealingProvider) RetrieveCheckoutSession(ctx context.Context, params domain.RetrieveCheckoutSessionParams) (*domain.CheckoutSessionSnapshot, error) {
	err := p.db.Model(&domain.ReconciliationRun{}).
		Where("scope = ?", string(domain.ScopeCheckoutOpen)).
		Updates(map[string]any{"lease_version": gorm.Expr("lease_version + 1"), "runner_id": "runner-b"}).Error
	if err != nil {
		return nil, err
	}
	return p.Provider.RetrieveCheckoutSession(ctx, params)
}

func TestRunScopeFencedFinalize(t *testing.T) {
	f := newFixture(t, withProvider(func(p *billingtest.Provider, db *gorm.DB) domain.ProviderAdapter {
		return &stealingProvider{Provider: p, db: db}
	}))
	billingtest.SeedEntity(t, f.db, 77)
	f.seedSession(t, domain.CheckoutSession{
		ID: 1, BillableEntityID: 77, OperationKey: "op1", ProviderCheckoutSessionID: "cs_1",
		Flow: domain.CheckoutFlowSubscription, Status: domain.CheckoutStatusOpen, ExpiresAt: at(start.Add(-time.Hour)),
	})

	result, err := f.svc.RunScope(context.Background(), reconciliation.RunScopeRequest{
		Provider: "stripe", Scope: string(domain.ScopeCheckoutOpen), RunnerID: "runner-a",
	})
	if !errors.Is(err, domain.ErrLeaseFenced) || !domain.IsConflict(err) {
		t.Fatalf("expected fenced error, got %v", err)
	}
	assert.Equal(t, 1, f.guardrails.Count(domain.GuardrailLeaseFenced))
	assert.EqualValues(t, 1, result.LeaseVersion)

	row := f.runRow(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, domain.ReconciliationStatusRunning, row.Status, "fenced runner must not finalize")
	assert.Equal(t, "runner-b", row.RunnerID)
	assert.EqualValues(t, 2, row.LeaseVersion)
}

// cancellingProvider cancels the run's context on the first retrieval, as a shutdown would.
type cancellingProvider struct {
	*billingtest.Provider
	cancel context.CancelFunc
}

func (p *cancellingProvider) RetrieveCheckoutSession(ctx context.Context, params domain.RetrieveCheckoutSessionParams) (*domain.CheckoutSessionSnapshot, error) {
	p.cancel()
	return nil, ctx.Err()
}

func TestRunScopeFinalizesAfterCancellation(t *testing.T) {
	var wrapped *cancellingProvider
	f := newFixture(t, withProvider(func(p *billingtest.Provider, _ *gorm.DB) domain.ProviderAdapter {
		wrapped = &cancellingProvider{Provider: p}
		return wrapped
	}))
	billingtest.SeedEntity(t, f.db, 77)
	f.seedSession(t, domain.CheckoutSession{
		ID: 1, BillableEntityID: 77, OperationKey: "op1", ProviderCheckoutSessionID: "cs_1",
		Flow: domain.CheckoutFlowSubscription, Status: domain.CheckoutStatusOpen, ExpiresAt: at(start.Add(-time.Hour)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped.cancel = cancel

	result, err := f.svc.RunScope(ctx, reconciliation.RunScopeRequest{
		Provider: "stripe", Scope: string(domain.ScopeCheckoutOpen), RunnerID: "runner-a",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	assert.Equal(t, domain.ReconciliationStatusFailed, result.Status)

	row := f.runRow(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, domain.ReconciliationStatusFailed, row.Status)
	assert.NotNil(t, row.FinishedAt)
	assert.Contains(t, row.LastError, context.Canceled.Error())
	assert.Zero(t, f.guardrails.Count(domain.GuardrailLeaseFenced))
}

func TestCheckoutOpenScope(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	expired := at(start.Add(-time.Hour))
	f.seedSession(t, domain.CheckoutSession{
		ID: 1, BillableEntityID: 77, OperationKey: "op1", ProviderCheckoutSessionID: "cs_gone",
		Flow: domain.CheckoutFlowSubscription, Status: domain.CheckoutStatusOpen, ExpiresAt: expired,
	})
	f.seedSession(t, domain.CheckoutSession{
		ID: 2, BillableEntityID: 77, OperationKey: "op2", ProviderCheckoutSessionID: "cs_paid",
		Mode: "subscription", Flow: domain.CheckoutFlowSubscription, Status: domain.CheckoutStatusOpen, ExpiresAt: expired,
	})
	f.seedSession(t, domain.CheckoutSession{
		ID: 3, BillableEntityID: 77, OperationKey: "op3", ProviderCheckoutSessionID: "cs_fresh",
		Flow: domain.CheckoutFlowSubscription, Status: domain.CheckoutStatusOpen, ExpiresAt: at(start.Add(-5 * time.Minute)),
	})
	f.provider.Sessions["cs_paid"] = domain.CheckoutSessionSnapshot{
		ID: "cs_paid", Mode: "subscription", Status: "complete", CustomerID: "cus_1",
		Metadata: map[string]string{"billable_entity_id": "77", "operation_key": "op2"},
	}

	result := f.run(t, domain.ScopeCheckoutOpen)
	assert.Equal(t, reconciliation.Stats{Scanned: 2, Repaired: 2, Drift: 2}, result.Stats)
	assert.Equal(t, domain.CheckoutStatusExpired, f.session(t, "op1").Status)
	assert.Equal(t, domain.CheckoutStatusCompletedPendingSubscription, f.session(t, "op2").Status)
	assert.Equal(t, domain.CheckoutStatusOpen, f.session(t, "op3").Status, "inside the grace window")
}

func TestCheckoutCompletedPendingScope(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	f.seedSession(t, domain.CheckoutSession{
		ID: 1, BillableEntityID: 77, OperationKey: "op1", ProviderCheckoutSessionID: "cs_1", ProviderSubscriptionID: "sub_1",
		ProviderCustomerID: "cus_1", Mode: "subscription", Flow: domain.CheckoutFlowSubscription,
		Status: domain.CheckoutStatusCompletedPendingSubscription, CompletedAt: at(start.Add(-time.Hour)),
	})
	f.provider.Subscriptions["sub_1"] = domain.SubscriptionSnapshot{
		ID: "sub_1", CustomerID: "cus_1", Status: "active", Created: at(start.Add(-time.Hour)),
	}

	result := f.run(t, domain.ScopeCheckoutCompletedPending)
	assert.Equal(t, 1, result.Stats.Scanned)
	assert.Equal(t, 1, result.Stats.Repaired)
	assert.Equal(t, domain.CheckoutStatusCompletedReconciled, f.session(t, "op1").Status)

	var sub domain.Subscription
	require.NoError(t, f.db.Where("provider_subscription_id = ?", "sub_1").Take(&sub).Error)
	assert.True(t, sub.IsCurrent)
	assert.EqualValues(t, 77, sub.BillableEntityID)
}

func TestCheckoutRecoveryScopeAbandonsUnknownOperations(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	idem := billingtest.SeedIdempotency(t, f.db, domain.IdempotencyRow{ID: 9, BillableEntityID: 77, OperationKey: "op9"})
	f.seedSession(t, domain.CheckoutSession{
		ID: 1, BillableEntityID: 77, OperationKey: "op9", Flow: domain.CheckoutFlowSubscription,
		Status: domain.CheckoutStatusRecoveryVerificationPending, IdempotencyID: &idem.ID,
		RecoveryHoldUntil: at(start.Add(-time.Minute)),
	})

	result := f.run(t, domain.ScopeCheckoutRecoveryVerification)
	assert.Equal(t, reconciliation.Stats{Scanned: 1, Repaired: 1}, result.Stats)
	assert.Equal(t, domain.CheckoutStatusAbandoned, f.session(t, "op9").Status)
	row := f.idempotency(t, 9)
	assert.Equal(t, domain.IdempotencyStatusExpired, row.Status)
	assert.Equal(t, domain.FailureCodeCheckoutRecoveryAbandoned, row.FailureCode)
	assert.Equal(t, 1, f.provider.Calls("list_checkout_sessions"))
}

func TestPendingRecentHoldsOrExpiresOverdueAttempts(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	deadline := at(start.Add(-time.Minute))
	billingtest.SeedIdempotency(t, f.db, domain.IdempotencyRow{
		ID: 1, BillableEntityID: 77, OperationKey: "op_recent", ProviderReplayDeadline: deadline,
		CreatedAt: start.Add(-time.Hour),
	})
	billingtest.SeedIdempotency(t, f.db, domain.IdempotencyRow{
		ID: 2, BillableEntityID: 77, OperationKey: "op_old", ProviderReplayDeadline: deadline,
		CreatedAt: start.Add(-48 * time.Hour),
	})
	billingtest.SeedIdempotency(t, f.db, domain.IdempotencyRow{
		ID: 3, BillableEntityID: 77, OperationKey: "op_leased", ProviderReplayDeadline: deadline,
		CreatedAt: start.Add(-time.Hour), LeaseOwner: "api-1", LeaseHeartbeatAt: at(start.Add(-30 * time.Second)),
	})

	result := f.run(t, domain.ScopePendingRecent)
	assert.Equal(t, reconciliation.Stats{Scanned: 3, Repaired: 2, Skipped: 1}, result.Stats)

	hold := f.session(t, "op_recent")
	assert.Equal(t, domain.CheckoutStatusRecoveryVerificationPending, hold.Status)
	require.NotNil(t, hold.RecoveryHoldUntil)
	assert.True(t, hold.RecoveryHoldUntil.Equal(start.Add(23*time.Hour)))
	assert.Equal(t, domain.IdempotencyStatusPending, f.idempotency(t, 1).Status)
	assert.Equal(t, 1, f.guardrails.Count(domain.GuardrailRecoveryHoldMaterialized))

	old := f.idempotency(t, 2)
	assert.Equal(t, domain.IdempotencyStatusExpired, old.Status)
	assert.Equal(t, domain.FailureCodeCheckoutReplayDeadlineExceeded, old.FailureCode)
	assert.Equal(t, domain.IdempotencyStatusPending, f.idempotency(t, 3).Status)

	second := f.run(t, domain.ScopePendingRecent)
	assert.Equal(t, 0, second.Stats.Repaired, "a held attempt is not parked twice")
}

func TestPendingRecentWithoutHoldsExpires(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) {
		o.cfg = func(cfg *config.ReconciliationConfig) { cfg.RecoveryHoldEnabled = false }
	})
	billingtest.SeedEntity(t, f.db, 77)
	billingtest.SeedIdempotency(t, f.db, domain.IdempotencyRow{
		ID: 1, BillableEntityID: 77, OperationKey: "op_recent", ProviderReplayDeadline: at(start.Add(-time.Minute)),
		CreatedAt: start.Add(-time.Hour),
	})

	f.run(t, domain.ScopePendingRecent)
	assert.Equal(t, domain.IdempotencyStatusExpired, f.idempotency(t, 1).Status)
}

func (f *fixture) failedSubscriptionEvent(t *testing.T, eventID, customerID string) {
	t.Helper()
	payload := billingtest.EventPayload(t, eventID, domain.EventTypeSubscriptionCreated, time.Unix(1700000000, 0), map[string]any{
		"id":       "sub_" + customerID,
		"object":   "subscription",
		"customer": customerID,
		"status":   "active",
		"created":  1699999000,
	})
	_, err := f.webhooks.IngestWebhook(context.Background(), webhook.IngestRequest{
		Provider:        "stripe",
		Payload:         payload,
		SignatureHeader: billingtest.SignatureHeader(billingtest.WebhookSecret, payload, time.Now().Unix()),
	})
	if !errors.Is(err, domain.ErrUncorrelatedEvent) {
		t.Fatalf("expected uncorrelated failure for %s, got %v", eventID, err)
	}
}

func TestPendingRecentReplaysFailedWebhooks(t *testing.T) {
	f := newFixture(t)
	f.failedSubscriptionEvent(t, "evt_fixed", "cus_late")
	f.failedSubscriptionEvent(t, "evt_broken", "cus_never")
	f.failedSubscriptionEvent(t, "evt_exhausted", "cus_gone")
	require.NoError(t, f.db.Model(&domain.WebhookEvent{}).Where("provider_event_id = ?", "evt_exhausted").
		Update("attempts", 5).Error)

	billingtest.SeedEntity(t, f.db, 88)
	require.NoError(t, f.db.Create(&domain.Customer{
		ID: 5, BillableEntityID: 88, Provider: domain.ProviderStripe, ProviderCustomerID: "cus_late",
		CreatedAt: start, UpdatedAt: start,
	}).Error)

	result := f.run(t, domain.ScopePendingRecent)
	assert.Equal(t, reconciliation.Stats{Scanned: 2, Repaired: 1, Errors: 1}, result.Stats)

	status := func(id string) domain.WebhookEvent {
		var row domain.WebhookEvent
		require.NoError(t, f.db.Where("provider_event_id = ?", id).Take(&row).Error)
		return row
	}
	assert.Equal(t, domain.WebhookStatusProcessed, status("evt_fixed").Status)
	broken := status("evt_broken")
	assert.Equal(t, domain.WebhookStatusFailed, broken.Status)
	assert.Equal(t, 2, broken.Attempts)
	assert.Equal(t, 5, status("evt_exhausted").Attempts)
	assert.Equal(t, 1, f.guardrails.Count(domain.GuardrailWebhookReplayFailed))
}

func TestSubscriptionsActiveScope(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	billingtest.SeedEntity(t, f.db, 78)
	billingtest.SeedEntity(t, f.db, 79)
	end := start.Add(20 * 24 * time.Hour)
	for _, sub := range []domain.Subscription{
		{ID: 1, BillableEntityID: 77, ProviderSubscriptionID: "sub_gone", ProviderCustomerID: "cus_77"},
		{ID: 2, BillableEntityID: 78, ProviderSubscriptionID: "sub_drift", ProviderCustomerID: "cus_78"},
		{ID: 3, BillableEntityID: 79, ProviderSubscriptionID: "sub_same", ProviderCustomerID: "cus_79"},
	} {
		sub.Provider = domain.ProviderStripe
		sub.Status = domain.SubscriptionStatusActive
		sub.IsCurrent = true
		sub.CurrentPeriodEnd = &end
		sub.ProviderSubscriptionCreatedAt = at(start.Add(-time.Duration(sub.ID) * time.Hour))
		sub.CreatedAt = start
		sub.UpdatedAt = start
		require.NoError(t, f.db.Create(&sub).Error)
	}
	f.provider.Subscriptions["sub_drift"] = domain.SubscriptionSnapshot{
		ID: "sub_drift", CustomerID: "cus_78", Status: "past_due", CurrentPeriodEnd: &end,
		Created: at(start.Add(-2 * time.Hour)),
	}
	f.provider.Subscriptions["sub_same"] = domain.SubscriptionSnapshot{
		ID: "sub_same", CustomerID: "cus_79", Status: "active", CurrentPeriodEnd: &end,
		Created: at(start.Add(-3 * time.Hour)),
	}

	result := f.run(t, domain.ScopeSubscriptionsActive)
	assert.Equal(t, 3, result.Stats.Scanned)
	assert.Equal(t, 2, result.Stats.Drift)
	assert.Equal(t, 2, result.Stats.Repaired)

	var gone, drifted domain.Subscription
	require.NoError(t, f.db.Where("provider_subscription_id = ?", "sub_gone").Take(&gone).Error)
	assert.Equal(t, domain.SubscriptionStatusCanceled, gone.Status)
	assert.False(t, gone.IsCurrent)
	require.NoError(t, f.db.Where("provider_subscription_id = ?", "sub_drift").Take(&drifted).Error)
	assert.Equal(t, domain.SubscriptionStatusPastDue, drifted.Status)
}

func TestInvoicesRecentBackfillsPayment(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedEntity(t, f.db, 77)
	subID := snowflake.ID(1)
	require.NoError(t, f.db.Create(&domain.Subscription{
		ID: subID, BillableEntityID: 77, Provider: domain.ProviderStripe, ProviderSubscriptionID: "sub_1",
		Status: domain.SubscriptionStatusActive, IsCurrent: true, CreatedAt: start, UpdatedAt: start,
	}).Error)
	for _, inv := range []domain.Invoice{
		{ID: 10, ProviderInvoiceID: "in_recent", ProviderInvoiceCreatedAt: at(start.Add(-24 * time.Hour))},
		{ID: 11, ProviderInvoiceID: "in_old", ProviderInvoiceCreatedAt: at(start.Add(-60 * 24 * time.Hour))},
	} {
		inv.BillableEntityID = 77
		inv.Provider = domain.ProviderStripe
		inv.ProviderCustomerID = "cus_1"
		inv.ProviderSubscriptionID = "sub_1"
		inv.SubscriptionID = &subID
		inv.Status = domain.InvoiceStatusOpen
		inv.AmountDue = 500
		inv.AmountRemaining = 500
		inv.CreatedAt = start
		inv.UpdatedAt = start
		require.NoError(t, f.db.Create(&inv).Error)
	}
	f.provider.Invoices["in_recent"] = domain.InvoiceSnapshot{
		ID: "in_recent", CustomerID: "cus_1", SubscriptionID: "sub_1", Status: "paid", Currency: "usd",
		AmountDue: 500, AmountPaid: 500, PaymentIntentID: "pi_9", Created: at(start.Add(-24 * time.Hour)),
	}

	result := f.run(t, domain.ScopeInvoicesRecent)
	assert.Equal(t, reconciliation.Stats{Scanned: 1, Repaired: 1, Drift: 1}, result.Stats)

	var invoice domain.Invoice
	require.NoError(t, f.db.Where("provider_invoice_id = ?", "in_recent").Take(&invoice).Error)
	assert.Equal(t, domain.InvoiceStatusPaid, invoice.Status)

	var payments int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Where("provider_invoice_id = ?", "in_recent").Count(&payments).Error)
	assert.EqualValues(t, 1, payments)

	again := f.run(t, domain.ScopeInvoicesRecent)
	assert.Equal(t, 0, again.Stats.Repaired, "settled invoice with a payment needs no repair")
}
