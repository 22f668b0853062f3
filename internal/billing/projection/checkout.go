package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CheckoutInput carries a checkout session snapshot and the event that delivered it.
type CheckoutInput struct {
	EventID      string
	EventCreated time.Time
	Session      domain.CheckoutSessionSnapshot
	// Authoritative marks a snapshot fetched from the provider. Ordering guards are skipped and the
	// stored cursor is kept.
	Authoritative bool
}

type checkoutTransition int

const (
	transitionOpen checkoutTransition = iota
	transitionComplete
	transitionExpire
)

func transitionForStatus(providerStatus string) checkoutTransition {
	switch strings.TrimSpace(providerStatus) {
	case "complete":
		return transitionComplete
	case "expired":
		return transitionExpire
	default:
		return transitionOpen
	}
}

func (s *Service) ApplyCheckoutSessionCompleted(ctx context.Context, tx *gorm.DB, in CheckoutInput) (Result, error) {
	return s.projectCheckout(ctx, tx, in, transitionComplete)
}

func (s *Service) ApplyCheckoutSessionExpired(ctx context.Context, tx *gorm.DB, in CheckoutInput) (Result, error) {
	return s.projectCheckout(ctx, tx, in, transitionExpire)
}

// ApplyCheckoutSnapshot projects a provider-fetched session according to its current status.
func (s *Service) ApplyCheckoutSnapshot(ctx context.Context, tx *gorm.DB, session domain.CheckoutSessionSnapshot) (Result, error) {
	in := CheckoutInput{Session: session, Authoritative: true}
	return s.projectCheckout(ctx, tx, in, transitionForStatus(session.Status))
}

func checkoutOperationKey(snap domain.CheckoutSessionSnapshot) string {
	return firstNonEmpty(snap.Metadata[domain.MetadataOperationKey], snap.ClientReferenceID)
}

func checkoutFlow(snap domain.CheckoutSessionSnapshot) string {
	if strings.TrimSpace(snap.Mode) == "payment" ||
		strings.TrimSpace(snap.Metadata[domain.MetadataCheckoutFlow]) == domain.CheckoutFlowOneOff {
		return domain.CheckoutFlowOneOff
	}
	return domain.CheckoutFlowSubscription
}

func isCheckoutCompleted(status string) bool {
	return status == domain.CheckoutStatusCompletedPendingSubscription ||
		status == domain.CheckoutStatusCompletedReconciled
}

// canTransitionCheckout guards against regressions; completed sessions never go back.
func canTransitionCheckout(from, to string) bool {
	switch from {
	case domain.CheckoutStatusCompletedReconciled:
		return to == domain.CheckoutStatusCompletedReconciled
	case domain.CheckoutStatusCompletedPendingSubscription:
		return isCheckoutCompleted(to)
	case domain.CheckoutStatusExpired, domain.CheckoutStatusAbandoned:
		return to != domain.CheckoutStatusOpen
	default:
		return true
	}
}

func (s *Service) projectCheckout(ctx context.Context, tx *gorm.DB, in CheckoutInput, transition checkoutTransition) (Result, error) {
	snap := in.Session
	if strings.TrimSpace(snap.ID) == "" {
		return Result{}, fmt.Errorf("%w: checkout session id missing", domain.ErrInvalidEvent)
	}
	provider := s.provider.Name()
	opKey := checkoutOperationKey(snap)

	entityID, err := s.resolveCheckoutEntity(ctx, tx, snap, opKey)
	if err != nil {
		return Result{}, err
	}
	if entityID == 0 {
		return Result{}, fmt.Errorf("%w: checkout session %s", domain.ErrUncorrelatedEvent, snap.ID)
	}

	idemID, err := s.pendingIdempotencyID(ctx, tx, opKey)
	if err != nil {
		return Result{}, err
	}
	agg, err := s.LockEntityAggregate(ctx, tx, entityID, idemID)
	if err != nil {
		return Result{}, err
	}

	stored, err := s.correlatedCheckoutRows(ctx, tx, agg, provider, snap.ID, opKey)
	if err != nil {
		return Result{}, err
	}
	if err := AssertCheckoutCorrelation(stored, CheckoutCorrelation{
		OperationKey:              opKey,
		ProviderCheckoutSessionID: snap.ID,
		BillableEntityID:          entityID,
		ProviderCustomerID:        snap.CustomerID,
	}); err != nil {
		var corrErr *domain.CorrelationError
		fields := map[string]any{
			"provider_checkout_session_id": snap.ID,
			"operation_key":                opKey,
			"billable_entity_id":           entityID.String(),
			"provider_event_id":            in.EventID,
		}
		if errors.As(err, &corrErr) {
			fields["field"] = corrErr.Field
		}
		s.recordGuardrail(ctx, domain.Guardrail{
			Code:    domain.GuardrailCheckoutCorrelationMismatch,
			Measure: "count",
			Value:   1,
			Fields:  fields,
		})
		s.observe(ctx, aggregateCheckout, Result{Outcome: OutcomeRejected, BillableEntityID: entityID})
		return Result{}, err
	}
	existing := pickCheckoutRow(stored, opKey, snap.ID)

	result := Result{
		BillableEntityID:          entityID,
		ProviderCustomerID:        snap.CustomerID,
		ProviderSubscriptionID:    snap.SubscriptionID,
		ProviderCheckoutSessionID: snap.ID,
		OperationKey:              opKey,
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
			fresh, err := s.provider.RetrieveCheckoutSession(ctx, domain.RetrieveCheckoutSessionParams{SessionID: snap.ID})
			if err != nil {
				return Result{}, fmt.Errorf("refetch checkout session %s: %w", snap.ID, err)
			}
			snap = *fresh
			cursor = existing.Cursor()
			transition = transitionForStatus(snap.Status)
		case IsIncomingEventOlder(existing.Cursor(), cursor):
			result.Outcome = OutcomeStale
			s.observe(ctx, aggregateCheckout, result)
			return result, nil
		}
	}

	flow := checkoutFlow(snap)
	hasLocalSubscription := agg.subscriptionByProviderID(snap.SubscriptionID) != nil
	var status string
	switch transition {
	case transitionComplete:
		status = MapCheckoutStatus("complete", flow, hasLocalSubscription)
	case transitionExpire:
		status = domain.CheckoutStatusExpired
	default:
		status = domain.CheckoutStatusOpen
	}
	if existing != nil && existing.Status == domain.CheckoutStatusCompletedReconciled && isCheckoutCompleted(status) {
		status = domain.CheckoutStatusCompletedReconciled
	}
	if existing != nil && !canTransitionCheckout(existing.Status, status) {
		result.Outcome = OutcomeNoop
		s.observe(ctx, aggregateCheckout, result)
		return result, nil
	}

	now := s.clock.Now()
	row := domain.CheckoutSession{ID: s.genID.Generate(), CreatedAt: now}
	if existing != nil {
		row = *existing
	}
	row.BillableEntityID = entityID
	row.Provider = provider
	if opKey != "" {
		row.OperationKey = opKey
	}
	row.ProviderCheckoutSessionID = snap.ID
	if snap.Mode != "" {
		row.Mode = snap.Mode
	}
	row.Flow = flow
	row.Status = status
	if snap.CustomerID != "" {
		row.ProviderCustomerID = snap.CustomerID
	}
	if snap.SubscriptionID != "" {
		row.ProviderSubscriptionID = snap.SubscriptionID
	}
	if snap.ExpiresAt != nil {
		row.ExpiresAt = snap.ExpiresAt
	}
	if isCheckoutCompleted(status) && row.CompletedAt == nil {
		row.CompletedAt = &now
	}
	row.RecoveryHoldUntil = nil
	if md := metadataJSON(snap.Metadata); md != nil {
		row.Metadata = md
	}
	if !cursor.IsZero() {
		row.LastProviderEventCreatedAt = cursor.CreatedAt
		row.LastProviderEventID = cursor.EventID
	}
	if agg.Idempotency != nil && agg.Idempotency.OperationKey == row.OperationKey {
		id := agg.Idempotency.ID
		row.IdempotencyID = &id
	}
	row.UpdatedAt = now

	if err := s.repo.UpsertCheckoutSessionByOperationKey(ctx, tx, &row); err != nil {
		return Result{}, err
	}
	if err := s.linkCustomer(ctx, tx, entityID, snap.CustomerID); err != nil {
		return Result{}, err
	}

	switch {
	case isCheckoutCompleted(status):
		if _, err := s.finalizeIdempotency(ctx, tx, agg.Idempotency, row); err != nil {
			return Result{}, err
		}
	case status == domain.CheckoutStatusExpired:
		if _, err := s.failIdempotency(ctx, tx, agg.Idempotency, domain.FailureCodeCheckoutSessionExpired, "checkout session expired before completion"); err != nil {
			return Result{}, err
		}
	}

	if flow == domain.CheckoutFlowOneOff && status == domain.CheckoutStatusCompletedReconciled &&
		snap.PaymentStatus == "paid" && snap.AmountTotal > 0 {
		if err := s.recordOneOffCheckoutPurchase(ctx, tx, entityID, snap, in.EventID, now); err != nil {
			return Result{}, err
		}
	}

	result.Outcome = OutcomeApplied
	result.ProviderCustomerID = row.ProviderCustomerID
	result.ProviderSubscriptionID = row.ProviderSubscriptionID
	result.OperationKey = row.OperationKey
	logger.WithContext(ctx, s.log).Info("checkout session projected",
		zap.String("provider_checkout_session_id", snap.ID),
		zap.String("operation_key", row.OperationKey),
		zap.String("status", status),
		zap.String("billable_entity_id", entityID.String()),
	)
	s.observe(ctx, aggregateCheckout, result)
	return result, nil
}

// resolveCheckoutEntity uses metadata, then any stored row for the session, then the customer mapping.
func (s *Service) resolveCheckoutEntity(ctx context.Context, tx *gorm.DB, snap domain.CheckoutSessionSnapshot, opKey string) (snowflake.ID, error) {
	if id := ParseBillableEntityID(snap.Metadata); id != 0 {
		return id, nil
	}
	provider := s.provider.Name()
	row, err := s.repo.FindCheckoutSessionByProviderSessionID(ctx, tx, provider, snap.ID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		row, err = s.repo.FindCheckoutSessionByOperationKey(ctx, tx, provider, opKey)
		if err != nil {
			return 0, err
		}
	}
	if row != nil {
		return row.BillableEntityID, nil
	}
	return s.resolveEntity(ctx, tx, nil, snap.CustomerID)
}

// correlatedCheckoutRows collects stored rows sharing the operation key or session id, including rows
// that belong to other entities.
func (s *Service) correlatedCheckoutRows(ctx context.Context, tx *gorm.DB, agg *Aggregate, provider, sessionID, opKey string) ([]domain.CheckoutSession, error) {
	seen := map[snowflake.ID]bool{}
	var rows []domain.CheckoutSession
	add := func(row domain.CheckoutSession) {
		if seen[row.ID] {
			return
		}
		seen[row.ID] = true
		rows = append(rows, row)
	}
	for _, row := range agg.CheckoutSessions {
		if (opKey != "" && row.OperationKey == opKey) || (sessionID != "" && row.ProviderCheckoutSessionID == sessionID) {
			add(row)
		}
	}
	byOperation, err := s.repo.FindCheckoutSessionByOperationKey(ctx, tx, provider, opKey)
	if err != nil {
		return nil, err
	}
	if byOperation != nil {
		add(*byOperation)
	}
	bySession, err := s.repo.FindCheckoutSessionByProviderSessionID(ctx, tx, provider, sessionID)
	if err != nil {
		return nil, err
	}
	if bySession != nil {
		add(*bySession)
	}
	return rows, nil
}

func pickCheckoutRow(rows []domain.CheckoutSession, opKey, sessionID string) *domain.CheckoutSession {
	for i := range rows {
		if opKey != "" && rows[i].OperationKey == opKey {
			return &rows[i]
		}
	}
	for i := range rows {
		if sessionID != "" && rows[i].ProviderCheckoutSessionID == sessionID {
			return &rows[i]
		}
	}
	return nil
}

func (s *Service) recordOneOffCheckoutPurchase(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, snap domain.CheckoutSessionSnapshot, eventID string, now time.Time) error {
	provider := s.provider.Name()
	key := PurchaseDedupeKey(provider, snap.PaymentIntentID, snap.InvoiceID, firstNonEmpty(eventID, snap.ID))
	if key == "" {
		return nil
	}
	created, err := s.repo.UpsertBillingPurchase(ctx, tx, &domain.BillingPurchase{
		ID:                 s.genID.Generate(),
		BillableEntityID:   entityID,
		Provider:           provider,
		DedupeKey:          key,
		Kind:               domain.PurchaseKindOneOff,
		Amount:             snap.AmountTotal,
		Currency:           snap.Currency,
		ProviderPaymentID:  snap.PaymentIntentID,
		ProviderInvoiceID:  snap.InvoiceID,
		ProviderCheckoutID: snap.ID,
		ProviderEventID:    eventID,
		PurchasedAt:        now,
		CreatedAt:          now,
	})
	if err != nil {
		return err
	}
	if created {
		logger.WithContext(ctx, s.log).Info("one-off purchase recorded",
			zap.String("dedupe_key", key),
			zap.Int64("amount", snap.AmountTotal),
		)
	}
	return nil
}
