package reconciliation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/config"
	obsctx "github.com/smallbiznis/billsync/internal/observability/context"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	recoveryListLimit   = 10
	replayDeadlineCause = "provider replay deadline passed without a checkout session"
)

// scopeRun carries the state of one scope execution.
type scopeRun struct {
	svc      *Service
	scope    domain.Scope
	provider string
	cfg      config.ReconciliationConfig
	stats    *Stats
	now      time.Time
}

func (r *scopeRun) log(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, r.svc.log).With(zap.String("scope", string(r.scope)))
}

func (r *scopeRun) batch() int {
	if r.cfg.BatchSize > 0 {
		return r.cfg.BatchSize
	}
	return 100
}

// repair runs fn in its own transaction. Item errors are counted and logged, never returned.
func (r *scopeRun) repair(ctx context.Context, item string, fn func(tx *gorm.DB) (bool, error)) {
	var repaired bool
	err := r.svc.repo.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		repaired, err = fn(tx)
		return err
	})
	if err != nil {
		r.itemError(ctx, item, err)
		return
	}
	if repaired {
		r.stats.Repaired++
	}
}

func (r *scopeRun) itemError(ctx context.Context, item string, err error) {
	r.stats.Errors++
	r.log(ctx).Warn("reconciliation item failed", zap.String("item", item), zap.Error(err))
}

// fetchFailed counts a provider error for an item. Cancellation is returned to stop the scan.
func (r *scopeRun) fetchFailed(ctx context.Context, item string, err error) error {
	if isContextDone(err) || ctx.Err() != nil {
		return ctx.Err()
	}
	r.itemError(ctx, item, err)
	return nil
}

// forEachCheckoutSession pages through sessions matching filter in id order.
func (r *scopeRun) forEachCheckoutSession(ctx context.Context, filter domain.CheckoutSessionFilter, fn func(domain.CheckoutSession) error) error {
	filter.Provider = r.provider
	filter.Limit = r.batch()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := r.svc.repo.ListReconciliationCheckoutSessions(ctx, nil, filter)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stats.Scanned++
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(items) < filter.Limit {
			return nil
		}
		filter.AfterID = items[len(items)-1].ID
	}
}

// checkoutOpen re-fetches open sessions past expiry plus grace.
func (r *scopeRun) checkoutOpen(ctx context.Context) error {
	before := r.now.Add(-r.cfg.CheckoutOpenGrace)
	filter := domain.CheckoutSessionFilter{
		Statuses:      []string{domain.CheckoutStatusOpen},
		ExpiresBefore: &before,
	}
	return r.forEachCheckoutSession(ctx, filter, func(session domain.CheckoutSession) error {
		if session.ProviderCheckoutSessionID == "" {
			r.stats.Skipped++
			return nil
		}
		snap, err := r.svc.provider.RetrieveCheckoutSession(ctx, domain.RetrieveCheckoutSessionParams{
			SessionID: session.ProviderCheckoutSessionID,
		})
		switch {
		case errors.Is(err, domain.ErrProviderNotFound):
			// The provider purges sessions after expiry.
			snap = &domain.CheckoutSessionSnapshot{
				ID:         session.ProviderCheckoutSessionID,
				Mode:       session.Mode,
				Status:     "expired",
				CustomerID: session.ProviderCustomerID,
			}
		case err != nil:
			return r.fetchFailed(ctx, session.ProviderCheckoutSessionID, err)
		}
		resolved := withSessionCorrelation(*snap, session)
		if projection.MapCheckoutStatus(resolved.Status, session.Flow, false) == session.Status {
			return nil
		}
		r.stats.Drift++
		r.repair(ctx, session.ProviderCheckoutSessionID, func(tx *gorm.DB) (bool, error) {
			result, err := r.svc.projection.ApplyCheckoutSnapshot(ctx, tx, resolved)
			return result.Applied(), err
		})
		return nil
	})
}

// checkoutCompletedPending closes sessions stuck waiting for their subscription.
func (r *scopeRun) checkoutCompletedPending(ctx context.Context) error {
	before := r.now.Add(-r.cfg.CompletedPendingSLA)
	filter := domain.CheckoutSessionFilter{
		Statuses:        []string{domain.CheckoutStatusCompletedPendingSubscription},
		CompletedBefore: &before,
	}
	return r.forEachCheckoutSession(ctx, filter, func(session domain.CheckoutSession) error {
		item := firstNonEmpty(session.ProviderCheckoutSessionID, session.OperationKey)

		var joined bool
		err := r.svc.repo.Transaction(ctx, func(tx *gorm.DB) error {
			var err error
			joined, err = r.svc.projection.ReconcileCheckoutWithSubscription(ctx, tx, session)
			return err
		})
		if err != nil {
			r.itemError(ctx, item, err)
			return nil
		}
		if joined {
			r.stats.Repaired++
			return nil
		}

		subscriptionID := session.ProviderSubscriptionID
		if subscriptionID == "" && session.ProviderCheckoutSessionID != "" {
			snap, err := r.svc.provider.RetrieveCheckoutSession(ctx, domain.RetrieveCheckoutSessionParams{
				SessionID: session.ProviderCheckoutSessionID,
				Expand:    []string{"subscription"},
			})
			if err != nil && !errors.Is(err, domain.ErrProviderNotFound) {
				return r.fetchFailed(ctx, item, err)
			}
			if snap != nil {
				subscriptionID = snap.SubscriptionID
			}
		}
		if subscriptionID == "" {
			r.stats.Skipped++
			return nil
		}

		sub, err := r.svc.provider.RetrieveSubscription(ctx, subscriptionID)
		if errors.Is(err, domain.ErrProviderNotFound) {
			r.stats.Skipped++
			return nil
		}
		if err != nil {
			return r.fetchFailed(ctx, item, err)
		}
		snap := withSubscriptionCorrelation(*sub, session)
		r.stats.Drift++
		r.repair(ctx, item, func(tx *gorm.DB) (bool, error) {
			if _, err := r.svc.projection.ApplySubscriptionEvent(ctx, tx, projection.SubscriptionInput{
				EventType:     domain.EventTypeSubscriptionUpdated,
				Subscription:  snap,
				Authoritative: true,
			}); err != nil {
				return false, err
			}
			session.ProviderSubscriptionID = subscriptionID
			if _, err := r.svc.projection.ReconcileCheckoutWithSubscription(ctx, tx, session); err != nil {
				return false, err
			}
			return r.checkoutReconciled(ctx, tx, session.ID)
		})
		return nil
	})
}

func (r *scopeRun) checkoutReconciled(ctx context.Context, tx *gorm.DB, id snowflake.ID) (bool, error) {
	var status string
	err := tx.WithContext(ctx).Model(&domain.CheckoutSession{}).Where("id = ?", id).Pluck("status", &status).Error
	if err != nil {
		return false, err
	}
	return status == domain.CheckoutStatusCompletedReconciled, nil
}

// checkoutRecovery settles recovery holds whose window has passed.
func (r *scopeRun) checkoutRecovery(ctx context.Context) error {
	filter := domain.CheckoutSessionFilter{
		Statuses:           []string{domain.CheckoutStatusRecoveryVerificationPending},
		RecoveryHoldBefore: &r.now,
	}
	return r.forEachCheckoutSession(ctx, filter, func(hold domain.CheckoutSession) error {
		if hold.OperationKey == "" {
			r.stats.Skipped++
			return nil
		}
		found, err := r.svc.provider.ListCheckoutSessionsByOperationKey(ctx, domain.ListCheckoutSessionsParams{
			OperationKey: hold.OperationKey,
			Limit:        recoveryListLimit,
		})
		if err != nil {
			return r.fetchFailed(ctx, hold.OperationKey, err)
		}
		r.repair(ctx, hold.OperationKey, func(tx *gorm.DB) (bool, error) {
			result, err := r.svc.projection.ResolveRecoveryHold(ctx, tx, hold, found)
			return result.Applied(), err
		})
		return nil
	})
}

// pendingRecent expires or parks overdue checkout attempts, then replays failed webhook deliveries.
func (r *scopeRun) pendingRecent(ctx context.Context) error {
	if err := r.overdueIdempotency(ctx); err != nil {
		return err
	}
	return r.replayFailedWebhooks(ctx)
}

func (r *scopeRun) overdueIdempotency(ctx context.Context) error {
	filter := domain.PendingIdempotencyFilter{
		Action:               domain.IdempotencyActionCheckout,
		ReplayDeadlineBefore: r.now,
	}
	filter.Limit = r.batch()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.svc.repo.ListPendingIdempotencyRows(ctx, nil, filter)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stats.Scanned++
			if err := r.overdueRow(ctx, row); err != nil {
				return err
			}
		}
		if len(rows) < filter.Limit {
			return nil
		}
		filter.AfterID = rows[len(rows)-1].ID
	}
}

func (r *scopeRun) overdueRow(ctx context.Context, row domain.IdempotencyRow) error {
	if row.LeaseHeartbeatAt != nil && r.now.Sub(*row.LeaseHeartbeatAt) < r.cfg.IdempotencyLeaseStaleAfter {
		r.stats.Skipped++
		return nil
	}
	session, err := r.svc.repo.FindCheckoutSessionByOperationKey(ctx, nil, r.provider, row.OperationKey)
	if err != nil {
		return err
	}
	if session != nil {
		// Either a provider session is known or a hold already waits on the provider window.
		r.stats.Skipped++
		return nil
	}

	windowEnd := row.CreatedAt.Add(r.cfg.ProviderIdempotencyWindow)
	if r.cfg.RecoveryHoldEnabled && r.now.Before(windowEnd) {
		r.repair(ctx, row.OperationKey, func(tx *gorm.DB) (bool, error) {
			return r.svc.projection.MaterializeRecoveryHold(ctx, tx, row, windowEnd)
		})
		return nil
	}
	r.repair(ctx, row.OperationKey, func(tx *gorm.DB) (bool, error) {
		return r.svc.projection.ExpirePendingIdempotency(ctx, tx, row, domain.FailureCodeCheckoutReplayDeadlineExceeded, replayDeadlineCause)
	})
	return nil
}

func (r *scopeRun) replayFailedWebhooks(ctx context.Context) error {
	if r.svc.replayer == nil {
		return nil
	}
	opts := domain.ListOptions{Limit: r.batch()}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := r.svc.repo.ListFailedWebhookEvents(ctx, nil, r.provider, r.cfg.MaxReplayAttempts, opts)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stats.Scanned++
			replayCtx := obsctx.WithProviderEventID(ctx, event.ProviderEventID)
			if _, err := r.svc.replayer.ReprocessStoredEvent(replayCtx, event.ID); err != nil {
				if isContextDone(err) {
					return err
				}
				r.itemError(replayCtx, event.ProviderEventID, err)
				r.svc.recordGuardrail(replayCtx, domain.Guardrail{
					Code:    domain.GuardrailWebhookReplayFailed,
					Measure: "count",
					Value:   1,
					Fields: map[string]any{
						"provider":          event.Provider,
						"provider_event_id": event.ProviderEventID,
						"event_type":        event.EventType,
						"attempts":          event.Attempts + 1,
					},
				})
				continue
			}
			r.stats.Repaired++
		}
		if len(events) < opts.Limit {
			return nil
		}
		opts.AfterID = events[len(events)-1].ID
	}
}

// subscriptionsActive re-fetches every current subscription and repairs drift.
func (r *scopeRun) subscriptionsActive(ctx context.Context) error {
	opts := domain.ListOptions{Limit: r.batch()}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		subs, err := r.svc.repo.ListCurrentSubscriptions(ctx, nil, r.provider, opts)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stats.Scanned++
			if err := r.subscription(ctx, sub); err != nil {
				return err
			}
		}
		if len(subs) < opts.Limit {
			return nil
		}
		opts.AfterID = subs[len(subs)-1].ID
	}
}

func (r *scopeRun) subscription(ctx context.Context, sub domain.Subscription) error {
	snap, err := r.svc.provider.RetrieveSubscription(ctx, sub.ProviderSubscriptionID)
	if errors.Is(err, domain.ErrProviderNotFound) {
		r.stats.Drift++
		r.repair(ctx, sub.ProviderSubscriptionID, func(tx *gorm.DB) (bool, error) {
			return r.svc.projection.MarkSubscriptionMissing(ctx, tx, sub)
		})
		return nil
	}
	if err != nil {
		return r.fetchFailed(ctx, sub.ProviderSubscriptionID, err)
	}
	if !projection.SubscriptionDrift(sub, *snap) {
		return nil
	}
	r.stats.Drift++
	r.repair(ctx, sub.ProviderSubscriptionID, func(tx *gorm.DB) (bool, error) {
		result, err := r.svc.projection.ApplySubscriptionEvent(ctx, tx, projection.SubscriptionInput{
			EventType:     domain.EventTypeSubscriptionUpdated,
			Subscription:  *snap,
			Authoritative: true,
		})
		return result.Applied(), err
	})
	return nil
}

// invoicesRecent re-fetches recent subscription invoices, repairing drift and missing payments.
func (r *scopeRun) invoicesRecent(ctx context.Context) error {
	since := r.now.Add(-r.cfg.InvoiceLookback)
	opts := domain.ListOptions{Limit: r.batch()}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		invoices, err := r.svc.repo.ListRecentInvoices(ctx, nil, r.provider, since, opts)
		if err != nil {
			return err
		}
		for _, invoice := range invoices {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.stats.Scanned++
			if err := r.invoice(ctx, invoice); err != nil {
				return err
			}
		}
		if len(invoices) < opts.Limit {
			return nil
		}
		opts.AfterID = invoices[len(invoices)-1].ID
	}
}

func (r *scopeRun) invoice(ctx context.Context, invoice domain.Invoice) error {
	snap, err := r.svc.provider.RetrieveInvoice(ctx, invoice.ProviderInvoiceID)
	if errors.Is(err, domain.ErrProviderNotFound) {
		r.stats.Skipped++
		return nil
	}
	if err != nil {
		return r.fetchFailed(ctx, invoice.ProviderInvoiceID, err)
	}

	drift := projection.InvoiceDrift(invoice, *snap)
	missingPayment := false
	if settledInvoiceStatus(snap.Status) {
		payment, err := r.svc.repo.FindPaymentByProviderInvoiceID(ctx, nil, r.provider, invoice.ProviderInvoiceID)
		if err != nil {
			r.itemError(ctx, invoice.ProviderInvoiceID, err)
			return nil
		}
		missingPayment = payment == nil
	}
	if !drift && !missingPayment {
		return nil
	}
	if drift {
		r.stats.Drift++
	}
	r.repair(ctx, invoice.ProviderInvoiceID, func(tx *gorm.DB) (bool, error) {
		result, err := r.svc.projection.ApplyInvoiceEvent(ctx, tx, projection.InvoiceInput{
			Invoice:       *snap,
			Authoritative: true,
		})
		return result.Applied(), err
	})
	return nil
}

func settledInvoiceStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case domain.InvoiceStatusPaid, domain.InvoiceStatusUncollectible, domain.InvoiceStatusVoid:
		return true
	default:
		return false
	}
}

// withSessionCorrelation fills correlation metadata the provider snapshot lacks from the local row.
func withSessionCorrelation(snap domain.CheckoutSessionSnapshot, session domain.CheckoutSession) domain.CheckoutSessionSnapshot {
	snap.Metadata = copyMetadata(snap.Metadata)
	if snap.Metadata[domain.MetadataOperationKey] == "" && snap.ClientReferenceID == "" && session.OperationKey != "" {
		snap.Metadata[domain.MetadataOperationKey] = session.OperationKey
	}
	if projection.ParseBillableEntityID(snap.Metadata) == 0 {
		snap.Metadata[domain.MetadataBillableEntityID] = session.BillableEntityID.String()
	}
	if snap.Mode == "" {
		snap.Mode = session.Mode
	}
	if snap.Metadata[domain.MetadataCheckoutFlow] == "" && session.Flow != "" {
		snap.Metadata[domain.MetadataCheckoutFlow] = session.Flow
	}
	return snap
}

// withSubscriptionCorrelation injects the locally known operation key and entity id.
func withSubscriptionCorrelation(snap domain.SubscriptionSnapshot, session domain.CheckoutSession) domain.SubscriptionSnapshot {
	snap.Metadata = copyMetadata(snap.Metadata)
	if snap.Metadata[domain.MetadataOperationKey] == "" && session.OperationKey != "" {
		snap.Metadata[domain.MetadataOperationKey] = session.OperationKey
	}
	if projection.ParseBillableEntityID(snap.Metadata) == 0 {
		snap.Metadata[domain.MetadataBillableEntityID] = session.BillableEntityID.String()
	}
	return snap
}

func copyMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src)+2)
	for k, v := range src {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
