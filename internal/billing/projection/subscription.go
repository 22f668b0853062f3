package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const remediationReasonDuplicate = "duplicate_non_terminal_subscription"

// SubscriptionInput carries a subscription snapshot and the event that delivered it.
type SubscriptionInput struct {
	EventID      string
	EventType    string
	EventCreated time.Time
	Subscription domain.SubscriptionSnapshot
	// Authoritative marks a snapshot fetched from the provider.
	Authoritative bool
}

// ApplySubscriptionEvent projects created, updated and deleted events and authoritative snapshots,
// re-selects the canonical subscription and joins waiting checkout sessions.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, tx *gorm.DB, in SubscriptionInput) (Result, error) {
	snap := in.Subscription
	if strings.TrimSpace(snap.ID) == "" {
		return Result{}, fmt.Errorf("%w: subscription id missing", domain.ErrInvalidEvent)
	}
	provider := s.provider.Name()

	stored, err := s.repo.FindSubscriptionByProviderSubscriptionID(ctx, tx, provider, snap.ID)
	if err != nil {
		return Result{}, err
	}
	entityID, err := s.resolveEntity(ctx, tx, snap.Metadata, snap.CustomerID)
	if err != nil {
		return Result{}, err
	}
	if entityID == 0 && stored != nil {
		entityID = stored.BillableEntityID
	}
	if entityID == 0 {
		return Result{}, fmt.Errorf("%w: subscription %s", domain.ErrUncorrelatedEvent, snap.ID)
	}

	planID, err := s.plans.Resolve(ctx, tx, provider, snap.PriceIDs)
	if err != nil {
		return Result{}, err
	}

	opKey := strings.TrimSpace(snap.Metadata[domain.MetadataOperationKey])
	if opKey == "" {
		session, err := s.repo.FindCheckoutSessionByProviderSubscriptionID(ctx, tx, provider, snap.ID)
		if err != nil {
			return Result{}, err
		}
		if session != nil && session.BillableEntityID == entityID {
			opKey = session.OperationKey
		}
	}
	idemID, err := s.pendingIdempotencyID(ctx, tx, opKey)
	if err != nil {
		return Result{}, err
	}

	agg, err := s.LockEntityAggregate(ctx, tx, entityID, idemID)
	if err != nil {
		return Result{}, err
	}
	existing := agg.subscriptionByProviderID(snap.ID)
	if existing == nil {
		// Not under this entity's lock: re-read, it may have been written since the first lookup.
		stored, err = s.repo.FindSubscriptionByProviderSubscriptionID(ctx, tx, provider, snap.ID)
		if err != nil {
			return Result{}, err
		}
		if stored != nil && stored.BillableEntityID != entityID {
			s.recordGuardrail(ctx, domain.Guardrail{
				Code:    domain.GuardrailSubscriptionEntityMismatch,
				Measure: "count",
				Value:   1,
				Fields: map[string]any{
					"provider_subscription_id":  snap.ID,
					"stored_billable_entity_id": stored.BillableEntityID.String(),
					"billable_entity_id":        entityID.String(),
					"provider_event_id":         in.EventID,
				},
			})
			s.observe(ctx, aggregateSubscription, Result{Outcome: OutcomeRejected, BillableEntityID: entityID})
			return Result{}, fmt.Errorf("%w: %s stored=%s incoming=%s",
				domain.ErrSubscriptionOwnership, snap.ID, stored.BillableEntityID, entityID)
		}
		existing = stored
	}

	result := Result{
		BillableEntityID:       entityID,
		ProviderCustomerID:     snap.CustomerID,
		ProviderSubscriptionID: snap.ID,
		OperationKey:           opKey,
	}

	cursor := domain.EventCursor(in.EventCreated, in.EventID)
	if in.Authoritative {
		cursor = domain.Cursor{}
	}
	if existing != nil {
		switch {
		case in.Authoritative:
			cursor = existing.Cursor()
		case HasSameTimestampOrderingConflict(existing.Cursor(), cursor):
			fresh, err := s.provider.RetrieveSubscription(ctx, snap.ID)
			if err != nil {
				return Result{}, fmt.Errorf("refetch subscription %s: %w", snap.ID, err)
			}
			snap = *fresh
			cursor = existing.Cursor()
		case IsIncomingEventOlder(existing.Cursor(), cursor):
			result.Outcome = OutcomeStale
			s.observe(ctx, aggregateSubscription, result)
			return result, nil
		}
	}

	now := s.clock.Now()
	row := domain.Subscription{ID: s.genID.Generate(), CreatedAt: now}
	if existing != nil {
		row = *existing
	}
	row.BillableEntityID = entityID
	row.Provider = provider
	row.ProviderSubscriptionID = snap.ID
	if snap.CustomerID != "" {
		row.ProviderCustomerID = snap.CustomerID
	}
	if planID != nil {
		row.PlanID = planID
	}
	row.Status = domain.NormalizeSubscriptionStatus(snap.Status)
	row.CurrentPeriodStart = snap.CurrentPeriodStart
	row.CurrentPeriodEnd = snap.CurrentPeriodEnd
	row.TrialStart = snap.TrialStart
	row.TrialEnd = snap.TrialEnd
	row.CancelAt = snap.CancelAt
	row.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	row.CanceledAt = snap.CanceledAt
	row.EndedAt = snap.EndedAt
	if snap.Created != nil {
		row.ProviderSubscriptionCreatedAt = snap.Created
	}
	if md := metadataJSON(snap.Metadata); md != nil {
		row.Metadata = md
	}
	if !cursor.IsZero() {
		row.LastProviderEventCreatedAt = cursor.CreatedAt
		row.LastProviderEventID = cursor.EventID
	}
	switch {
	case domain.IsTerminalSubscriptionStatus(row.Status):
		row.IsCurrent = false
	case existing == nil:
		row.IsCurrent = !hasCurrentSubscription(agg.Subscriptions, row.ProviderSubscriptionID)
	}
	row.UpdatedAt = now

	if err := s.repo.UpsertSubscription(ctx, tx, &row); err != nil {
		return Result{}, err
	}
	if err := s.linkCustomer(ctx, tx, entityID, snap.CustomerID); err != nil {
		return Result{}, err
	}

	agg.Subscriptions = replaceSubscription(agg.Subscriptions, row)
	if _, err := s.enforceCanonical(ctx, tx, entityID, agg.Subscriptions); err != nil {
		return Result{}, err
	}
	if _, err := s.joinCheckoutSessions(ctx, tx, agg, row, opKey); err != nil {
		return Result{}, err
	}

	result.Outcome = OutcomeApplied
	result.ProviderCustomerID = row.ProviderCustomerID
	logger.WithContext(ctx, s.log).Info("subscription projected",
		zap.String("provider_subscription_id", row.ProviderSubscriptionID),
		zap.String("status", row.Status),
		zap.String("event_type", in.EventType),
		zap.String("billable_entity_id", entityID.String()),
	)
	s.observe(ctx, aggregateSubscription, result)
	return result, nil
}

// MarkSubscriptionMissing cancels a subscription the provider no longer knows about.
func (s *Service) MarkSubscriptionMissing(ctx context.Context, tx *gorm.DB, sub domain.Subscription) (bool, error) {
	agg, err := s.LockEntityAggregate(ctx, tx, sub.BillableEntityID, nil)
	if err != nil {
		return false, err
	}
	current := agg.subscriptionByProviderID(sub.ProviderSubscriptionID)
	if current == nil {
		return false, nil
	}
	if current.Status == domain.SubscriptionStatusCanceled && !current.IsCurrent {
		return false, nil
	}

	now := s.clock.Now()
	row := *current
	row.Status = domain.SubscriptionStatusCanceled
	row.IsCurrent = false
	if row.EndedAt == nil {
		row.EndedAt = &now
	}
	row.UpdatedAt = now
	if err := s.repo.UpsertSubscription(ctx, tx, &row); err != nil {
		return false, err
	}
	agg.Subscriptions = replaceSubscription(agg.Subscriptions, row)
	if _, err := s.enforceCanonical(ctx, tx, row.BillableEntityID, agg.Subscriptions); err != nil {
		return false, err
	}
	return true, nil
}

// enforceCanonical keeps at most one current non-terminal subscription per entity. Demoted
// duplicates get a remediation proposal; nothing is cancelled at the provider.
func (s *Service) enforceCanonical(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, subs []domain.Subscription) (*domain.Subscription, error) {
	var (
		nonTerminal     []domain.Subscription
		flagged         int
		terminalFlagged bool
	)
	for _, sub := range subs {
		if domain.IsTerminalSubscriptionStatus(sub.Status) {
			if sub.IsCurrent {
				terminalFlagged = true
			}
			continue
		}
		nonTerminal = append(nonTerminal, sub)
		if sub.IsCurrent {
			flagged++
		}
	}

	if len(nonTerminal) == 0 {
		if terminalFlagged {
			return nil, s.repo.ClearCurrentSubscriptionFlagsForEntity(ctx, tx, entityID, 0, s.clock.Now())
		}
		return nil, nil
	}
	if len(nonTerminal) == 1 && flagged == 1 {
		if terminalFlagged {
			if err := s.repo.ClearCurrentSubscriptionFlagsForEntity(ctx, tx, entityID, nonTerminal[0].ID, s.clock.Now()); err != nil {
				return nil, err
			}
		}
		return &nonTerminal[0], nil
	}

	canonical := SelectCanonicalSubscription(nonTerminal)
	if err := s.repo.ClearCurrentSubscriptionFlagsForEntity(ctx, tx, entityID, canonical.ID, s.clock.Now()); err != nil {
		return nil, err
	}
	if !canonical.IsCurrent {
		canonical.IsCurrent = true
		canonical.UpdatedAt = s.clock.Now()
		if err := s.repo.UpsertSubscription(ctx, tx, &canonical); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	duplicates := make([]string, 0, len(nonTerminal)-1)
	for _, sub := range nonTerminal {
		if sub.ID == canonical.ID {
			continue
		}
		duplicates = append(duplicates, sub.ProviderSubscriptionID)
		_, err := s.repo.UpsertSubscriptionRemediation(ctx, tx, &domain.SubscriptionRemediation{
			ID:                              s.genID.Generate(),
			BillableEntityID:                entityID,
			Provider:                        sub.Provider,
			ProviderSubscriptionID:          sub.ProviderSubscriptionID,
			Algorithm:                       domain.RemediationAlgorithmDupCanonicalV1,
			CanonicalProviderSubscriptionID: canonical.ProviderSubscriptionID,
			Status:                          domain.RemediationStatusPending,
			Reason:                          remediationReasonDuplicate,
			CreatedAt:                       now,
			UpdatedAt:                       now,
		})
		if err != nil {
			return nil, err
		}
	}

	fields := map[string]any{
		"billable_entity_id":                 entityID.String(),
		"canonical_provider_subscription_id": canonical.ProviderSubscriptionID,
		"algorithm":                          domain.RemediationAlgorithmDupCanonicalV1,
	}
	if len(duplicates) > 0 {
		dupFields := map[string]any{"duplicate_provider_subscription_ids": duplicates}
		for k, v := range fields {
			dupFields[k] = v
		}
		s.recordGuardrail(ctx, domain.Guardrail{
			Code:    domain.GuardrailDuplicateActiveSubscriptions,
			Measure: "duplicates",
			Value:   float64(len(duplicates)),
			Fields:  dupFields,
		})
	}
	if flagged != 1 {
		fallbackFields := map[string]any{"flagged_current": flagged}
		for k, v := range fields {
			fallbackFields[k] = v
		}
		s.recordGuardrail(ctx, domain.Guardrail{
			Code:    domain.GuardrailCanonicalFallback,
			Measure: "count",
			Value:   1,
			Fields:  fallbackFields,
		})
	}
	return &canonical, nil
}

func joinableCheckoutStatus(status string) bool {
	switch status {
	case domain.CheckoutStatusOpen,
		domain.CheckoutStatusCompletedPendingSubscription,
		domain.CheckoutStatusRecoveryVerificationPending:
		return true
	default:
		return false
	}
}

// joinCheckoutSessions advances waiting checkout sessions that correlate with sub by operation key
// or subscription id, and finalises their idempotency row.
func (s *Service) joinCheckoutSessions(ctx context.Context, tx *gorm.DB, agg *Aggregate, sub domain.Subscription, opKey string) (int, error) {
	if domain.IsTerminalSubscriptionStatus(sub.Status) {
		return 0, nil
	}
	joined := 0
	for i := range agg.CheckoutSessions {
		session := &agg.CheckoutSessions[i]
		if !joinableCheckoutStatus(session.Status) || session.Flow == domain.CheckoutFlowOneOff {
			continue
		}
		byOperation := opKey != "" && session.OperationKey == opKey
		bySubscription := session.ProviderSubscriptionID != "" && session.ProviderSubscriptionID == sub.ProviderSubscriptionID
		if !byOperation && !bySubscription {
			continue
		}

		now := s.clock.Now()
		completedAt := now
		if session.CompletedAt != nil {
			completedAt = *session.CompletedAt
		}
		err := s.repo.UpdateCheckoutSessionByID(ctx, tx, session.ID, map[string]any{
			"status":                   domain.CheckoutStatusCompletedReconciled,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"completed_at":             completedAt,
			"recovery_hold_until":      nil,
			"updated_at":               now,
		})
		if err != nil {
			return joined, err
		}
		session.Status = domain.CheckoutStatusCompletedReconciled
		session.ProviderSubscriptionID = sub.ProviderSubscriptionID
		session.CompletedAt = &completedAt
		session.RecoveryHoldUntil = nil

		if _, err := s.finalizeIdempotency(ctx, tx, agg.Idempotency, *session); err != nil {
			return joined, err
		}
		joined++
		logger.WithContext(ctx, s.log).Info("checkout session joined subscription",
			zap.String("operation_key", session.OperationKey),
			zap.String("provider_subscription_id", sub.ProviderSubscriptionID),
		)
	}
	return joined, nil
}

// ReconcileCheckoutWithSubscription completes a waiting checkout session once its subscription is
// known locally. It reports whether the session was advanced.
func (s *Service) ReconcileCheckoutWithSubscription(ctx context.Context, tx *gorm.DB, session domain.CheckoutSession) (bool, error) {
	agg, err := s.LockEntityAggregate(ctx, tx, session.BillableEntityID, session.IdempotencyID)
	if err != nil {
		return false, err
	}
	current := agg.checkoutSessionByID(session.ID)
	if current == nil || !joinableCheckoutStatus(current.Status) {
		return false, nil
	}
	sub := agg.subscriptionByProviderID(current.ProviderSubscriptionID)
	if sub == nil {
		return false, nil
	}
	joined, err := s.joinCheckoutSessions(ctx, tx, agg, *sub, current.OperationKey)
	if err != nil {
		return false, err
	}
	return joined > 0, nil
}

func hasCurrentSubscription(subs []domain.Subscription, exceptProviderID string) bool {
	for _, sub := range subs {
		if sub.ProviderSubscriptionID == exceptProviderID {
			continue
		}
		if sub.IsCurrent && !domain.IsTerminalSubscriptionStatus(sub.Status) {
			return true
		}
	}
	return false
}

func replaceSubscription(subs []domain.Subscription, row domain.Subscription) []domain.Subscription {
	out := make([]domain.Subscription, 0, len(subs)+1)
	replaced := false
	for _, sub := range subs {
		if sub.ID == row.ID || sub.ProviderSubscriptionID == row.ProviderSubscriptionID {
			if !replaced {
				out = append(out, row)
				replaced = true
			}
			continue
		}
		out = append(out, sub)
	}
	if !replaced {
		out = append(out, row)
	}
	return out
}
