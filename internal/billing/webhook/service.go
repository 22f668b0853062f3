package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/clock"
	obsctx "github.com/smallbiznis/billsync/internal/observability/context"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

type Params struct {
	fx.In

	Repo       domain.Repository
	Provider   domain.ProviderAdapter
	Projection *projection.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	repo       domain.Repository
	provider   domain.ProviderAdapter
	projection *projection.Service
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
	return &Service{
		repo:       p.Repo,
		provider:   p.Provider,
		projection: p.Projection,
		genID:      p.GenID,
		clock:      clk,
		log:        log.Named("billing.webhook"),
		metrics:    p.Metrics,
	}
}

type IngestRequest struct {
	Provider        string
	Payload         []byte
	SignatureHeader string
}

type IngestResult struct {
	Status    string
	Duplicate bool
	EventID   string
	EventType string
}

// correlation holds the ids known for a stored event. The first pass is best effort and is
// refreshed from the projection result once processing succeeds.
type correlation struct {
	BillableEntityID          snowflake.ID
	ProviderCustomerID        string
	ProviderSubscriptionID    string
	ProviderCheckoutSessionID string
	OperationKey              string
}

// IngestWebhook verifies a provider delivery, stores it once and projects it.
func (s *Service) IngestWebhook(ctx context.Context, req IngestRequest) (IngestResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if s.provider == nil || provider != s.provider.Name() {
		return IngestResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, provider)
	}
	if len(req.Payload) == 0 {
		return IngestResult{}, domain.ErrInvalidPayload
	}

	event, err := s.provider.VerifyWebhookEvent(ctx, domain.VerifyWebhookParams{
		RawBody:         req.Payload,
		SignatureHeader: req.SignatureHeader,
	})
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "unknown", "rejected")
		return IngestResult{}, err
	}
	if strings.TrimSpace(event.ID) == "" {
		return IngestResult{}, domain.ErrInvalidEvent
	}

	ctx = obsctx.WithProviderEventID(ctx, event.ID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", provider),
		zap.String("event_type", event.Type),
	)
	result := IngestResult{EventID: event.ID, EventType: event.Type}

	kind := domain.ParseEventKind(event.Type)
	if kind == domain.EventKindIgnored {
		log.Debug("ignoring provider event")
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, StatusIgnored)
		result.Status = StatusIgnored
		return result, nil
	}

	hint := s.correlationHint(kind, event)
	now := s.clock.Now()
	record := domain.WebhookEvent{
		ID:                        s.genID.Generate(),
		Provider:                  provider,
		ProviderEventID:           event.ID,
		EventType:                 event.Type,
		Status:                    domain.WebhookStatusReceived,
		Payload:                   datatypes.JSON(req.Payload),
		ProviderCustomerID:        hint.ProviderCustomerID,
		ProviderSubscriptionID:    hint.ProviderSubscriptionID,
		ProviderCheckoutSessionID: hint.ProviderCheckoutSessionID,
		OperationKey:              hint.OperationKey,
		ProviderCreatedAt:         event.Created.UTC(),
		ReceivedAt:                now,
		UpdatedAt:                 now,
	}
	if hint.BillableEntityID != 0 {
		id := hint.BillableEntityID
		record.BillableEntityID = &id
	}

	var inserted bool
	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		inserted, err = s.repo.InsertWebhookEvent(ctx, tx, &record)
		return err
	})
	if err != nil {
		return IngestResult{}, err
	}
	eventRowID := record.ID
	if !inserted {
		stored, err := s.repo.FindWebhookEventByProviderEventID(ctx, nil, provider, event.ID, false)
		if err != nil {
			return IngestResult{}, err
		}
		if stored == nil {
			return IngestResult{}, fmt.Errorf("%w: %s", domain.ErrWebhookEventNotFound, event.ID)
		}
		eventRowID = stored.ID
		log.Debug("provider event already stored", zap.String("webhook_event_id", stored.ID.String()))
	}

	status, err := s.process(ctx, eventRowID, event)
	if err != nil {
		return IngestResult{}, err
	}
	result.Status = status
	result.Duplicate = status == StatusDuplicate
	return result, nil
}

// ReprocessStoredEvent runs the processing transaction again from the persisted payload.
func (s *Service) ReprocessStoredEvent(ctx context.Context, webhookEventID snowflake.ID) (IngestResult, error) {
	stored, err := s.repo.FindWebhookEventByID(ctx, nil, webhookEventID, false)
	if err != nil {
		return IngestResult{}, err
	}
	if stored == nil {
		return IngestResult{}, fmt.Errorf("%w: %s", domain.ErrWebhookEventNotFound, webhookEventID)
	}
	ctx = obsctx.WithProviderEventID(ctx, stored.ProviderEventID)

	status, err := s.process(ctx, stored.ID, nil)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{
		Status:    status,
		Duplicate: status == StatusDuplicate,
		EventID:   stored.ProviderEventID,
		EventType: stored.EventType,
	}, nil
}

// process locks the stored row and routes it. A nil event is decoded from the stored payload.
func (s *Service) process(ctx context.Context, eventRowID snowflake.ID, event *domain.ProviderEvent) (string, error) {
	var (
		status    string
		provider  string
		eventType string
	)
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		stored, err := s.repo.FindWebhookEventByID(ctx, tx, eventRowID, true)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("%w: %s", domain.ErrWebhookEventNotFound, eventRowID)
		}
		provider, eventType = stored.Provider, stored.EventType
		if stored.Status == domain.WebhookStatusProcessed {
			status = StatusDuplicate
			return nil
		}

		if event == nil {
			event, err = s.provider.ParseEvent([]byte(stored.Payload))
			if err != nil {
				return err
			}
		}

		now := s.clock.Now()
		if err := s.repo.UpdateWebhookEventByID(ctx, tx, stored.ID, map[string]any{
			"status":     domain.WebhookStatusProcessing,
			"updated_at": now,
		}); err != nil {
			return err
		}

		result, err := s.route(ctx, tx, domain.ParseEventKind(stored.EventType), event)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":       domain.WebhookStatusProcessed,
			"processed_at": now,
			"last_error":   "",
			"updated_at":   now,
		}
		fresh := mergeCorrelation(correlationOf(stored), result)
		if fresh.BillableEntityID != 0 {
			updates["billable_entity_id"] = fresh.BillableEntityID
		}
		setIfPresent(updates, "provider_customer_id", fresh.ProviderCustomerID)
		setIfPresent(updates, "provider_subscription_id", fresh.ProviderSubscriptionID)
		setIfPresent(updates, "provider_checkout_session_id", fresh.ProviderCheckoutSessionID)
		setIfPresent(updates, "operation_key", fresh.OperationKey)
		if err := s.repo.UpdateWebhookEventByID(ctx, tx, stored.ID, updates); err != nil {
			return err
		}
		status = StatusProcessed
		return nil
	})
	if err != nil {
		s.markFailed(ctx, eventRowID, provider, eventType, err)
		return "", err
	}
	s.metrics.RecordWebhookEvent(ctx, provider, eventType, status)
	return status, nil
}

// route dispatches one event kind to its projection.
func (s *Service) route(ctx context.Context, tx *gorm.DB, kind domain.EventKind, event *domain.ProviderEvent) (projection.Result, error) {
	switch kind {
	case domain.EventKindCheckoutSessionCompleted, domain.EventKindCheckoutSessionExpired:
		session, err := s.provider.DecodeCheckoutSession(event.Object)
		if err != nil {
			return projection.Result{}, err
		}
		in := projection.CheckoutInput{
			EventID:      event.ID,
			EventCreated: event.Created,
			Session:      *session,
		}
		if kind == domain.EventKindCheckoutSessionCompleted {
			return s.projection.ApplyCheckoutSessionCompleted(ctx, tx, in)
		}
		return s.projection.ApplyCheckoutSessionExpired(ctx, tx, in)

	case domain.EventKindSubscriptionCreated, domain.EventKindSubscriptionUpdated, domain.EventKindSubscriptionDeleted:
		sub, err := s.provider.DecodeSubscription(event.Object)
		if err != nil {
			return projection.Result{}, err
		}
		return s.projection.ApplySubscriptionEvent(ctx, tx, projection.SubscriptionInput{
			EventID:      event.ID,
			EventType:    kind.String(),
			EventCreated: event.Created,
			Subscription: *sub,
		})

	case domain.EventKindInvoicePaid, domain.EventKindInvoicePaymentFailed:
		invoice, err := s.provider.DecodeInvoice(event.Object)
		if err != nil {
			return projection.Result{}, err
		}
		return s.projection.ApplyInvoiceEvent(ctx, tx, projection.InvoiceInput{
			EventID:      event.ID,
			EventType:    kind.String(),
			EventCreated: event.Created,
			Invoice:      *invoice,
		})

	case domain.EventKindIgnored:
		return projection.Result{Outcome: projection.OutcomeNoop}, nil

	default:
		return projection.Result{}, fmt.Errorf("%w: unrouted event kind %d", domain.ErrInvalidEvent, kind)
	}
}

// markFailed records the failure outside the rolled back processing transaction.
func (s *Service) markFailed(ctx context.Context, eventRowID snowflake.ID, provider, eventType string, cause error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("webhook_event_id", eventRowID.String()),
		zap.String("event_type", eventType),
	)
	if errors.Is(cause, domain.ErrWebhookEventNotFound) {
		log.Warn("webhook event row missing", zap.Error(cause))
		return
	}
	now := s.clock.Now()
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		return s.repo.UpdateWebhookEventByID(ctx, tx, eventRowID, map[string]any{
			"status":     domain.WebhookStatusFailed,
			"attempts":   gorm.Expr("attempts + ?", 1),
			"last_error": domain.LastErrorMessage(cause),
			"updated_at": now,
		})
	})
	if err != nil {
		log.Error("failed to mark webhook event failed", zap.Error(err), zap.NamedError("cause", cause))
	} else {
		log.Warn("webhook event processing failed", zap.Error(cause))
	}
	s.metrics.RecordWebhookFailure(ctx, provider, eventType)
}

// correlationHint decodes the event object for the ids it carries. Decode errors leave the hint empty;
// the processing transaction reports them.
func (s *Service) correlationHint(kind domain.EventKind, event *domain.ProviderEvent) correlation {
	var hint correlation
	switch kind {
	case domain.EventKindCheckoutSessionCompleted, domain.EventKindCheckoutSessionExpired:
		session, err := s.provider.DecodeCheckoutSession(event.Object)
		if err != nil {
			return hint
		}
		hint.ProviderCustomerID = session.CustomerID
		hint.ProviderSubscriptionID = session.SubscriptionID
		hint.ProviderCheckoutSessionID = session.ID
		hint.OperationKey = projection.SanitizeMetadata(session.Metadata)[domain.MetadataOperationKey]
		if hint.OperationKey == "" {
			hint.OperationKey = strings.TrimSpace(session.ClientReferenceID)
		}
		hint.BillableEntityID = projection.ParseBillableEntityID(session.Metadata)
	case domain.EventKindSubscriptionCreated, domain.EventKindSubscriptionUpdated, domain.EventKindSubscriptionDeleted:
		sub, err := s.provider.DecodeSubscription(event.Object)
		if err != nil {
			return hint
		}
		hint.ProviderCustomerID = sub.CustomerID
		hint.ProviderSubscriptionID = sub.ID
		hint.OperationKey = projection.SanitizeMetadata(sub.Metadata)[domain.MetadataOperationKey]
		hint.BillableEntityID = projection.ParseBillableEntityID(sub.Metadata)
	case domain.EventKindInvoicePaid, domain.EventKindInvoicePaymentFailed:
		invoice, err := s.provider.DecodeInvoice(event.Object)
		if err != nil {
			return hint
		}
		hint.ProviderCustomerID = invoice.CustomerID
		hint.ProviderSubscriptionID = invoice.SubscriptionID
		hint.BillableEntityID = projection.ParseBillableEntityID(invoice.Metadata)
	}
	return hint
}

func correlationOf(stored *domain.WebhookEvent) correlation {
	c := correlation{
		ProviderCustomerID:        stored.ProviderCustomerID,
		ProviderSubscriptionID:    stored.ProviderSubscriptionID,
		ProviderCheckoutSessionID: stored.ProviderCheckoutSessionID,
		OperationKey:              stored.OperationKey,
	}
	if stored.BillableEntityID != nil {
		c.BillableEntityID = *stored.BillableEntityID
	}
	return c
}

// mergeCorrelation prefers ids reported by the projection over the stored hint.
func mergeCorrelation(c correlation, r projection.Result) correlation {
	if r.BillableEntityID != 0 {
		c.BillableEntityID = r.BillableEntityID
	}
	c.ProviderCustomerID = firstNonEmpty(r.ProviderCustomerID, c.ProviderCustomerID)
	c.ProviderSubscriptionID = firstNonEmpty(r.ProviderSubscriptionID, c.ProviderSubscriptionID)
	c.ProviderCheckoutSessionID = firstNonEmpty(r.ProviderCheckoutSessionID, c.ProviderCheckoutSessionID)
	c.OperationKey = firstNonEmpty(r.OperationKey, c.OperationKey)
	return c
}

func setIfPresent(updates map[string]any, column, value string) {
	if value != "" {
		updates[column] = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
