package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InvoiceInput carries an invoice snapshot and the event that delivered it.
type InvoiceInput struct {
	EventID      string
	EventType    string
	EventCreated time.Time
	Invoice      domain.InvoiceSnapshot
	// Authoritative marks a snapshot fetched from the provider. A payment row is then only
	// back-filled when none exists for the invoice.
	Authoritative bool
}

// backfillEventTypes names the synthetic event used for payments created from provider snapshots.
var backfillEventTypes = map[string]string{
	domain.InvoiceStatusPaid:          domain.EventTypeInvoicePaid,
	domain.InvoiceStatusUncollectible: domain.EventTypeInvoiceMarkedUncollectible,
	domain.InvoiceStatusVoid:          domain.EventTypeInvoiceVoided,
}

func paymentStatusFor(eventType string) string {
	switch eventType {
	case domain.EventTypeInvoicePaid:
		return domain.PaymentStatusSucceeded
	case domain.EventTypeInvoicePaymentFailed:
		return domain.PaymentStatusFailed
	case domain.EventTypeInvoiceMarkedUncollectible:
		return domain.PaymentStatusUncollectible
	case domain.EventTypeInvoiceVoided:
		return domain.PaymentStatusVoid
	default:
		return ""
	}
}

// ApplyInvoiceEvent projects invoice.paid, invoice.payment_failed and authoritative invoice snapshots
// into the invoice, payment and purchase ledger rows.
func (s *Service) ApplyInvoiceEvent(ctx context.Context, tx *gorm.DB, in InvoiceInput) (Result, error) {
	snap := in.Invoice
	if strings.TrimSpace(snap.ID) == "" {
		return Result{}, fmt.Errorf("%w: invoice id missing", domain.ErrInvalidEvent)
	}
	provider := s.provider.Name()

	stored, err := s.repo.FindInvoiceByProviderInvoiceID(ctx, tx, provider, snap.ID, false)
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
	if entityID == 0 && snap.SubscriptionID != "" {
		sub, err := s.repo.FindSubscriptionByProviderSubscriptionID(ctx, tx, provider, snap.SubscriptionID)
		if err != nil {
			return Result{}, err
		}
		if sub != nil {
			entityID = sub.BillableEntityID
		}
	}
	if entityID == 0 {
		return Result{}, fmt.Errorf("%w: invoice %s", domain.ErrUncorrelatedEvent, snap.ID)
	}

	agg, err := s.LockEntityAggregate(ctx, tx, entityID, nil)
	if err != nil {
		return Result{}, err
	}
	localSub := agg.subscriptionByProviderID(snap.SubscriptionID)
	// The first read only resolved the entity; ordering is decided on the row as it is under the lock.
	stored, err = s.repo.FindInvoiceByProviderInvoiceID(ctx, tx, provider, snap.ID, true)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		BillableEntityID:       entityID,
		ProviderCustomerID:     snap.CustomerID,
		ProviderSubscriptionID: snap.SubscriptionID,
	}

	cursor := domain.EventCursor(in.EventCreated, in.EventID)
	if in.Authoritative {
		cursor = domain.Cursor{}
	}
	if stored != nil {
		switch {
		case in.Authoritative:
			cursor = stored.Cursor()
		case HasSameTimestampOrderingConflict(stored.Cursor(), cursor):
			fresh, err := s.provider.RetrieveInvoice(ctx, snap.ID)
			if err != nil {
				return Result{}, fmt.Errorf("refetch invoice %s: %w", snap.ID, err)
			}
			snap = *fresh
			cursor = stored.Cursor()
		case IsIncomingEventOlder(stored.Cursor(), cursor):
			result.Outcome = OutcomeStale
			s.observe(ctx, aggregateInvoice, result)
			return result, nil
		}
	}

	now := s.clock.Now()
	row := domain.Invoice{ID: s.genID.Generate(), CreatedAt: now}
	if stored != nil {
		row = *stored
	}
	row.BillableEntityID = entityID
	row.Provider = provider
	row.ProviderInvoiceID = snap.ID
	if snap.CustomerID != "" {
		row.ProviderCustomerID = snap.CustomerID
	}
	if snap.SubscriptionID != "" {
		row.ProviderSubscriptionID = snap.SubscriptionID
	}
	if localSub != nil {
		id := localSub.ID
		row.SubscriptionID = &id
	}
	row.Status = normalizeInvoiceStatus(snap.Status)
	row.Currency = snap.Currency
	row.AmountDue = snap.AmountDue
	row.AmountPaid = snap.AmountPaid
	row.AmountRemaining = snap.AmountRemaining
	if snap.BillingReason != "" {
		row.BillingReason = snap.BillingReason
	}
	row.PeriodStart = snap.PeriodStart
	row.PeriodEnd = snap.PeriodEnd
	if snap.PaidAt != nil {
		row.PaidAt = snap.PaidAt
	}
	if snap.Created != nil {
		row.ProviderInvoiceCreatedAt = snap.Created
	}
	if md := metadataJSON(snap.Metadata); md != nil {
		row.Metadata = md
	}
	if !cursor.IsZero() {
		row.LastProviderEventCreatedAt = cursor.CreatedAt
		row.LastProviderEventID = cursor.EventID
	}
	row.UpdatedAt = now

	if err := s.repo.UpsertInvoice(ctx, tx, &row); err != nil {
		return Result{}, err
	}
	if err := s.linkCustomer(ctx, tx, entityID, snap.CustomerID); err != nil {
		return Result{}, err
	}

	eventType := in.EventType
	if in.Authoritative {
		existingPayment, err := s.repo.FindPaymentByProviderInvoiceID(ctx, tx, provider, snap.ID)
		if err != nil {
			return Result{}, err
		}
		eventType = ""
		if existingPayment == nil {
			eventType = backfillEventTypes[row.Status]
		}
	}

	if status := paymentStatusFor(eventType); status != "" {
		if err := s.projectPayment(ctx, tx, row, snap, eventType, status, cursor, in.Authoritative); err != nil {
			return Result{}, err
		}
		if eventType == domain.EventTypeInvoicePaid && row.Status == domain.InvoiceStatusPaid && snap.AmountPaid > 0 {
			if err := s.recordInvoicePurchase(ctx, tx, row, snap, localSub, in.EventID, now); err != nil {
				return Result{}, err
			}
		}
	}

	result.Outcome = OutcomeApplied
	logger.WithContext(ctx, s.log).Info("invoice projected",
		zap.String("provider_invoice_id", snap.ID),
		zap.String("status", row.Status),
		zap.String("event_type", eventType),
		zap.String("billable_entity_id", entityID.String()),
	)
	s.observe(ctx, aggregateInvoice, result)
	return result, nil
}

func (s *Service) projectPayment(ctx context.Context, tx *gorm.DB, invoice domain.Invoice, snap domain.InvoiceSnapshot, eventType, status string, cursor domain.Cursor, authoritative bool) error {
	paymentID := firstNonEmpty(snap.PaymentIntentID, snap.ChargeID)
	if paymentID == "" {
		paymentID = fmt.Sprintf("%s:%s", snap.ID, eventType)
	}
	existing, err := s.repo.FindPaymentByProviderPaymentID(ctx, tx, invoice.Provider, paymentID)
	if err != nil {
		return err
	}
	if existing != nil && !authoritative && IsIncomingEventOlder(existing.Cursor(), cursor) {
		return nil
	}

	amount := snap.AmountDue
	if status == domain.PaymentStatusSucceeded {
		amount = snap.AmountPaid
	}
	now := s.clock.Now()
	payment := domain.Payment{ID: s.genID.Generate(), CreatedAt: now}
	if existing != nil {
		payment = *existing
	}
	invoiceID := invoice.ID
	payment.BillableEntityID = invoice.BillableEntityID
	payment.Provider = invoice.Provider
	payment.ProviderPaymentID = paymentID
	payment.ProviderInvoiceID = snap.ID
	payment.InvoiceID = &invoiceID
	payment.Status = status
	payment.Amount = amount
	payment.Currency = snap.Currency
	if !cursor.IsZero() {
		payment.LastProviderEventCreatedAt = cursor.CreatedAt
		payment.LastProviderEventID = cursor.EventID
	}
	payment.UpdatedAt = now
	return s.repo.UpsertPayment(ctx, tx, &payment)
}

func (s *Service) recordInvoicePurchase(ctx context.Context, tx *gorm.DB, invoice domain.Invoice, snap domain.InvoiceSnapshot, localSub *domain.Subscription, eventID string, now time.Time) error {
	paymentID := firstNonEmpty(snap.PaymentIntentID, snap.ChargeID)
	key := PurchaseDedupeKey(invoice.Provider, paymentID, snap.ID, eventID)
	if key == "" {
		return nil
	}
	kind := domain.PurchaseKindOneOff
	if localSub != nil {
		kind = domain.PurchaseKindSubscriptionInvoice
	}
	purchasedAt := now
	if snap.PaidAt != nil {
		purchasedAt = *snap.PaidAt
	}
	created, err := s.repo.UpsertBillingPurchase(ctx, tx, &domain.BillingPurchase{
		ID:                     s.genID.Generate(),
		BillableEntityID:       invoice.BillableEntityID,
		Provider:               invoice.Provider,
		DedupeKey:              key,
		Kind:                   kind,
		Amount:                 snap.AmountPaid,
		Currency:               snap.Currency,
		ProviderPaymentID:      paymentID,
		ProviderInvoiceID:      snap.ID,
		ProviderSubscriptionID: snap.SubscriptionID,
		ProviderEventID:        eventID,
		PurchasedAt:            purchasedAt,
		CreatedAt:              now,
	})
	if err != nil {
		return err
	}
	if created {
		logger.WithContext(ctx, s.log).Info("purchase recorded",
			zap.String("dedupe_key", key),
			zap.String("kind", kind),
			zap.Int64("amount", snap.AmountPaid),
		)
	}
	return nil
}
