package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OutcomeApplied  = "applied"
	OutcomeStale    = "stale"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"

	aggregateCheckout     = "checkout_session"
	aggregateSubscription = "subscription"
	aggregateInvoice      = "invoice"
)

type Params struct {
	fx.In

	Repo       domain.Repository
	Provider   domain.ProviderAdapter
	Guardrails domain.GuardrailRecorder
	Plans      *PlanResolver
	GenID      *snowflake.Node
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics `optional:"true"`
}

// Service applies provider state to the billing aggregate. Every method runs inside the caller's
// transaction and takes the entity locks itself.
type Service struct {
	repo       domain.Repository
	provider   domain.ProviderAdapter
	guardrails domain.GuardrailRecorder
	plans      *PlanResolver
	genID      *snowflake.Node
	clock      clock.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func NewService(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	plans := p.Plans
	if plans == nil {
		plans = NewPlanResolver(p.Repo, nil)
	}
	return &Service{
		repo:       p.Repo,
		provider:   p.Provider,
		guardrails: p.Guardrails,
		plans:      plans,
		genID:      p.GenID,
		clock:      clk,
		log:        log.Named("billing.projection"),
		metrics:    p.Metrics,
	}
}

// Result describes what a projection did and the freshest correlation ids it saw.
type Result struct {
	Outcome                   string
	BillableEntityID          snowflake.ID
	ProviderCustomerID        string
	ProviderSubscriptionID    string
	ProviderCheckoutSessionID string
	OperationKey              string
}

func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

func (r Result) Stale() bool { return r.Outcome == OutcomeStale }

// Aggregate is the locked state of one billable entity.
type Aggregate struct {
	Entity           *domain.BillableEntity
	Subscriptions    []domain.Subscription
	Idempotency      *domain.IdempotencyRow
	CheckoutSessions []domain.CheckoutSession
}

func (a *Aggregate) subscriptionByProviderID(providerSubscriptionID string) *domain.Subscription {
	if providerSubscriptionID == "" {
		return nil
	}
	for i := range a.Subscriptions {
		if a.Subscriptions[i].ProviderSubscriptionID == providerSubscriptionID {
			return &a.Subscriptions[i]
		}
	}
	return nil
}

func (a *Aggregate) checkoutSessionByID(id snowflake.ID) *domain.CheckoutSession {
	for i := range a.CheckoutSessions {
		if a.CheckoutSessions[i].ID == id {
			return &a.CheckoutSessions[i]
		}
	}
	return nil
}

// LockEntityAggregate locks the entity row, its subscriptions, the optional idempotency row and its
// checkout sessions, in that order. The order is fixed for every writer.
func (s *Service) LockEntityAggregate(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, idempotencyID *snowflake.ID) (*Aggregate, error) {
	entity, err := s.repo.FindBillableEntityByID(ctx, tx, entityID, true)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBillableEntityNotFound, entityID)
	}

	subs, err := s.repo.LockSubscriptionsForEntity(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}

	var idem *domain.IdempotencyRow
	if idempotencyID != nil && *idempotencyID != 0 {
		idem, err = s.repo.FindIdempotencyByID(ctx, tx, *idempotencyID, true)
		if err != nil {
			return nil, err
		}
		if idem != nil && idem.BillableEntityID != entityID {
			idem = nil
		}
	}

	sessions, err := s.repo.LockCheckoutSessionsForEntity(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}

	return &Aggregate{
		Entity:           entity,
		Subscriptions:    subs,
		Idempotency:      idem,
		CheckoutSessions: sessions,
	}, nil
}

// resolveEntity follows metadata first, then the provider customer mapping.
func (s *Service) resolveEntity(ctx context.Context, tx *gorm.DB, metadata map[string]string, customerID string) (snowflake.ID, error) {
	if id := ParseBillableEntityID(metadata); id != 0 {
		return id, nil
	}
	customer, err := s.repo.FindCustomerByProviderCustomerID(ctx, tx, s.provider.Name(), strings.TrimSpace(customerID))
	if err != nil {
		return 0, err
	}
	if customer == nil {
		return 0, nil
	}
	return customer.BillableEntityID, nil
}

// pendingIdempotencyID looks up the idempotency row id before locking so it can be locked in order.
func (s *Service) pendingIdempotencyID(ctx context.Context, tx *gorm.DB, operationKey string) (*snowflake.ID, error) {
	if operationKey == "" {
		return nil, nil
	}
	row, err := s.repo.FindIdempotencyByOperationKey(ctx, tx, domain.IdempotencyActionCheckout, operationKey, false)
	if err != nil || row == nil {
		return nil, err
	}
	id := row.ID
	return &id, nil
}

func (s *Service) linkCustomer(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil
	}
	provider := s.provider.Name()
	existing, err := s.repo.FindCustomerByProviderCustomerID(ctx, tx, provider, customerID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.BillableEntityID != entityID {
			s.log.Warn("provider customer already mapped to another entity",
				zap.String("provider_customer_id", customerID),
				zap.String("billable_entity_id", entityID.String()),
				zap.String("mapped_entity_id", existing.BillableEntityID.String()),
			)
		}
		return nil
	}
	now := s.clock.Now()
	return s.repo.UpsertCustomer(ctx, tx, &domain.Customer{
		ID:                 s.genID.Generate(),
		BillableEntityID:   entityID,
		Provider:           provider,
		ProviderCustomerID: customerID,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

type checkoutResponse struct {
	CheckoutSessionID      string `json:"checkout_session_id"`
	OperationKey           string `json:"operation_key"`
	Status                 string `json:"status"`
	BillableEntityID       string `json:"billable_entity_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`
}

// finalizeIdempotency marks a pending checkout attempt succeeded with the response the caller would
// have received. A row that already left pending is left alone.
func (s *Service) finalizeIdempotency(ctx context.Context, tx *gorm.DB, row *domain.IdempotencyRow, session domain.CheckoutSession) (bool, error) {
	if row == nil || row.Status != domain.IdempotencyStatusPending || row.OperationKey != session.OperationKey {
		return false, nil
	}
	payload, err := json.Marshal(checkoutResponse{
		CheckoutSessionID:      session.ProviderCheckoutSessionID,
		OperationKey:           session.OperationKey,
		Status:                 session.Status,
		BillableEntityID:       session.BillableEntityID.String(),
		ProviderSubscriptionID: session.ProviderSubscriptionID,
	})
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	err = s.repo.UpdateIdempotencyByID(ctx, tx, row.ID, map[string]any{
		"status":           domain.IdempotencyStatusSucceeded,
		"response_payload": datatypes.JSON(payload),
		"failure_code":     "",
		"failure_reason":   "",
		"completed_at":     now,
		"updated_at":       now,
	})
	if err != nil {
		return false, err
	}
	row.Status = domain.IdempotencyStatusSucceeded
	row.ResponsePayload = payload
	row.CompletedAt = &now
	return true, nil
}

func (s *Service) failIdempotency(ctx context.Context, tx *gorm.DB, row *domain.IdempotencyRow, code, reason string) (bool, error) {
	if row == nil || row.Status != domain.IdempotencyStatusPending {
		return false, nil
	}
	now := s.clock.Now()
	err := s.repo.UpdateIdempotencyByID(ctx, tx, row.ID, map[string]any{
		"status":         domain.IdempotencyStatusExpired,
		"failure_code":   code,
		"failure_reason": reason,
		"completed_at":   now,
		"updated_at":     now,
	})
	if err != nil {
		return false, err
	}
	row.Status = domain.IdempotencyStatusExpired
	row.FailureCode = code
	row.FailureReason = reason
	row.CompletedAt = &now
	return true, nil
}

func (s *Service) recordGuardrail(ctx context.Context, g domain.Guardrail) {
	if s.guardrails == nil {
		return
	}
	s.guardrails.RecordBillingGuardrail(ctx, g)
}

func (s *Service) observe(ctx context.Context, aggregate string, result Result) {
	s.metrics.RecordProjection(ctx, aggregate, result.Outcome)
	logger.WithContext(ctx, s.log).Debug("projection applied",
		zap.String("aggregate", aggregate),
		zap.String("outcome", result.Outcome),
		zap.String("billable_entity_id", result.BillableEntityID.String()),
	)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
