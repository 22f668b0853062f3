package projection

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExpirePendingIdempotency expires a checkout attempt that is still pending under lock.
func (s *Service) ExpirePendingIdempotency(ctx context.Context, tx *gorm.DB, row domain.IdempotencyRow, code, reason string) (bool, error) {
	id := row.ID
	agg, err := s.LockEntityAggregate(ctx, tx, row.BillableEntityID, &id)
	if err != nil {
		return false, err
	}
	expired, err := s.failIdempotency(ctx, tx, agg.Idempotency, code, reason)
	if err != nil || !expired {
		return false, err
	}
	logger.WithContext(ctx, s.log).Info("checkout idempotency expired",
		zap.String("operation_key", row.OperationKey),
		zap.String("failure_code", code),
		zap.String("billable_entity_id", row.BillableEntityID.String()),
	)
	return true, nil
}

// MaterializeRecoveryHold parks a pending checkout attempt in a recovery_verification_pending session
// until holdUntil. Nothing is written when a session for the operation key already exists.
func (s *Service) MaterializeRecoveryHold(ctx context.Context, tx *gorm.DB, row domain.IdempotencyRow, holdUntil time.Time) (bool, error) {
	if strings.TrimSpace(row.OperationKey) == "" {
		return false, nil
	}
	id := row.ID
	agg, err := s.LockEntityAggregate(ctx, tx, row.BillableEntityID, &id)
	if err != nil {
		return false, err
	}
	if agg.Idempotency == nil || agg.Idempotency.Status != domain.IdempotencyStatusPending {
		return false, nil
	}
	provider := s.provider.Name()
	existing, err := s.repo.FindCheckoutSessionByOperationKey(ctx, tx, provider, row.OperationKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	now := s.clock.Now()
	until := holdUntil.UTC()
	session := domain.CheckoutSession{
		ID:                s.genID.Generate(),
		BillableEntityID:  row.BillableEntityID,
		Provider:          provider,
		OperationKey:      row.OperationKey,
		Flow:              domain.CheckoutFlowSubscription,
		Status:            domain.CheckoutStatusRecoveryVerificationPending,
		IdempotencyID:     &id,
		RecoveryHoldUntil: &until,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.UpsertCheckoutSessionByOperationKey(ctx, tx, &session); err != nil {
		return false, err
	}
	s.recordGuardrail(ctx, domain.Guardrail{
		Code:    domain.GuardrailRecoveryHoldMaterialized,
		Measure: "count",
		Value:   1,
		Fields: map[string]any{
			"operation_key":       row.OperationKey,
			"billable_entity_id":  row.BillableEntityID.String(),
			"recovery_hold_until": until.Format(time.RFC3339),
		},
	})
	return true, nil
}

// ResolveRecoveryHold settles a hold whose window has passed. The provider sessions found for the
// operation key are projected; with none found the hold is abandoned and the attempt expires.
func (s *Service) ResolveRecoveryHold(ctx context.Context, tx *gorm.DB, hold domain.CheckoutSession, found []domain.CheckoutSessionSnapshot) (Result, error) {
	if snap, ok := pickRecoverySnapshot(found); ok {
		if snap.Metadata == nil {
			snap.Metadata = map[string]string{}
		}
		if snap.Metadata[domain.MetadataOperationKey] == "" && snap.ClientReferenceID == "" {
			snap.Metadata[domain.MetadataOperationKey] = hold.OperationKey
		}
		if ParseBillableEntityID(snap.Metadata) == 0 {
			snap.Metadata[domain.MetadataBillableEntityID] = hold.BillableEntityID.String()
		}
		return s.ApplyCheckoutSnapshot(ctx, tx, snap)
	}
	abandoned, err := s.AbandonRecoveryHold(ctx, tx, hold)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Outcome:          OutcomeNoop,
		BillableEntityID: hold.BillableEntityID,
		OperationKey:     hold.OperationKey,
	}
	if abandoned {
		result.Outcome = OutcomeApplied
	}
	return result, nil
}

// pickRecoverySnapshot prefers a completed session, then an open one, then an expired one.
func pickRecoverySnapshot(found []domain.CheckoutSessionSnapshot) (domain.CheckoutSessionSnapshot, bool) {
	rank := func(status string) int {
		switch transitionForStatus(status) {
		case transitionComplete:
			return 3
		case transitionOpen:
			return 2
		default:
			return 1
		}
	}
	best := -1
	for i := range found {
		if strings.TrimSpace(found[i].ID) == "" {
			continue
		}
		if best < 0 || rank(found[i].Status) > rank(found[best].Status) {
			best = i
		}
	}
	if best < 0 {
		return domain.CheckoutSessionSnapshot{}, false
	}
	return found[best], true
}

// AbandonRecoveryHold moves a hold to abandoned and expires its pending idempotency row.
func (s *Service) AbandonRecoveryHold(ctx context.Context, tx *gorm.DB, hold domain.CheckoutSession) (bool, error) {
	agg, err := s.LockEntityAggregate(ctx, tx, hold.BillableEntityID, hold.IdempotencyID)
	if err != nil {
		return false, err
	}
	current := agg.checkoutSessionByID(hold.ID)
	if current == nil || current.Status != domain.CheckoutStatusRecoveryVerificationPending {
		return false, nil
	}
	now := s.clock.Now()
	err = s.repo.UpdateCheckoutSessionByID(ctx, tx, current.ID, map[string]any{
		"status":              domain.CheckoutStatusAbandoned,
		"recovery_hold_until": nil,
		"updated_at":          now,
	})
	if err != nil {
		return false, err
	}
	if _, err := s.failIdempotency(ctx, tx, agg.Idempotency, domain.FailureCodeCheckoutRecoveryAbandoned, "no provider checkout session found for operation"); err != nil {
		return false, err
	}
	logger.WithContext(ctx, s.log).Info("checkout recovery hold abandoned",
		zap.String("operation_key", current.OperationKey),
		zap.String("billable_entity_id", current.BillableEntityID.String()),
	)
	return true, nil
}
