package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{db: conn}
}

func (r *repo) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx)
}

func (r *repo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func lockForUpdate(q *gorm.DB, forUpdate bool) *gorm.DB {
	if !forUpdate {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}

// first maps a missing row to (nil, nil).
func first[T any](q *gorm.DB) (*T, error) {
	var item T
	err := q.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func page(q *gorm.DB, opts domain.ListOptions) *gorm.DB {
	if opts.AfterID > 0 {
		q = q.Where("id > ?", opts.AfterID)
	}
	return q.Order("id ASC").Limit(limitOrDefault(opts.Limit))
}

func (r *repo) FindBillableEntityByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.BillableEntity, error) {
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("id = ?", id)
	return first[domain.BillableEntity](q)
}

func (r *repo) LockSubscriptionsForEntity(ctx context.Context, tx *gorm.DB, entityID snowflake.ID) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := lockForUpdate(r.conn(ctx, tx), true).
		Where("billable_entity_id = ?", entityID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListSubscriptionsForEntity(ctx context.Context, tx *gorm.DB, entityID snowflake.ID) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := r.conn(ctx, tx).
		Where("billable_entity_id = ?", entityID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindSubscriptionByProviderSubscriptionID(ctx context.Context, tx *gorm.DB, provider, subscriptionID string) (*domain.Subscription, error) {
	q := r.conn(ctx, tx).Where("provider = ? AND provider_subscription_id = ?", provider, subscriptionID)
	return first[domain.Subscription](q)
}

// UpsertSubscription saves by (provider, provider_subscription_id). Callers hold the entity lock.
func (r *repo) UpsertSubscription(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	existing, err := r.FindSubscriptionByProviderSubscriptionID(ctx, tx, sub.Provider, sub.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		return r.conn(ctx, tx).Save(sub).Error
	}
	return r.conn(ctx, tx).Create(sub).Error
}

func (r *repo) ClearCurrentSubscriptionFlagsForEntity(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, exceptID snowflake.ID, now time.Time) error {
	q := r.conn(ctx, tx).Model(&domain.Subscription{}).
		Where("billable_entity_id = ? AND is_current = ?", entityID, true)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	return q.Updates(map[string]any{
		"is_current": false,
		"updated_at": now,
	}).Error
}

func (r *repo) UpsertSubscriptionRemediation(ctx context.Context, tx *gorm.DB, item *domain.SubscriptionRemediation) (bool, error) {
	q := r.conn(ctx, tx).Where(
		"provider = ? AND provider_subscription_id = ? AND algorithm = ?",
		item.Provider, item.ProviderSubscriptionID, item.Algorithm,
	)
	existing, err := first[domain.SubscriptionRemediation](q)
	if err != nil {
		return false, err
	}
	if existing != nil {
		err := r.conn(ctx, tx).Model(&domain.SubscriptionRemediation{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"canonical_provider_subscription_id": item.CanonicalProviderSubscriptionID,
				"reason":                             item.Reason,
				"updated_at":                         item.UpdatedAt,
			}).Error
		item.ID = existing.ID
		return false, err
	}
	if err := r.conn(ctx, tx).Create(item).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) ListCurrentSubscriptions(ctx context.Context, tx *gorm.DB, provider string, opts domain.ListOptions) ([]domain.Subscription, error) {
	var items []domain.Subscription
	q := r.conn(ctx, tx).Where("provider = ? AND is_current = ?", provider, true)
	if err := page(q, opts).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LockCheckoutSessionsForEntity(ctx context.Context, tx *gorm.DB, entityID snowflake.ID) ([]domain.CheckoutSession, error) {
	var items []domain.CheckoutSession
	err := lockForUpdate(r.conn(ctx, tx), true).
		Where("billable_entity_id = ?", entityID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindCheckoutSessionByProviderSessionID(ctx context.Context, tx *gorm.DB, provider, sessionID string) (*domain.CheckoutSession, error) {
	if sessionID == "" {
		return nil, nil
	}
	q := r.conn(ctx, tx).Where("provider = ? AND provider_checkout_session_id = ?", provider, sessionID)
	return first[domain.CheckoutSession](q)
}

func (r *repo) FindCheckoutSessionByOperationKey(ctx context.Context, tx *gorm.DB, provider, operationKey string) (*domain.CheckoutSession, error) {
	if operationKey == "" {
		return nil, nil
	}
	q := r.conn(ctx, tx).Where("provider = ? AND operation_key = ?", provider, operationKey)
	return first[domain.CheckoutSession](q)
}

func (r *repo) FindCheckoutSessionByProviderSubscriptionID(ctx context.Context, tx *gorm.DB, provider, subscriptionID string) (*domain.CheckoutSession, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	q := r.conn(ctx, tx).
		Where("provider = ? AND provider_subscription_id = ?", provider, subscriptionID).
		Order("id ASC")
	return first[domain.CheckoutSession](q)
}

// UpsertCheckoutSessionByOperationKey saves by operation key, falling back to the provider session id
// so a row first stored without an operation key is updated in place. New rows keep the caller's id.
func (r *repo) UpsertCheckoutSessionByOperationKey(ctx context.Context, tx *gorm.DB, session *domain.CheckoutSession) error {
	existing, err := r.FindCheckoutSessionByOperationKey(ctx, tx, session.Provider, session.OperationKey)
	if err != nil {
		return err
	}
	if existing == nil {
		existing, err = r.FindCheckoutSessionByProviderSessionID(ctx, tx, session.Provider, session.ProviderCheckoutSessionID)
		if err != nil {
			return err
		}
	}
	if existing != nil {
		session.ID = existing.ID
		session.CreatedAt = existing.CreatedAt
		return r.conn(ctx, tx).Save(session).Error
	}
	return r.conn(ctx, tx).Create(session).Error
}

func (r *repo) UpdateCheckoutSessionByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(ctx, tx).Model(&domain.CheckoutSession{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListReconciliationCheckoutSessions(ctx context.Context, tx *gorm.DB, filter domain.CheckoutSessionFilter) ([]domain.CheckoutSession, error) {
	q := r.conn(ctx, tx).Where("provider = ?", filter.Provider)
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.ExpiresBefore != nil {
		q = q.Where("expires_at IS NOT NULL AND expires_at < ?", *filter.ExpiresBefore)
	}
	if filter.CompletedBefore != nil {
		q = q.Where("completed_at IS NOT NULL AND completed_at < ?", *filter.CompletedBefore)
	}
	if filter.RecoveryHoldBefore != nil {
		q = q.Where("recovery_hold_until IS NOT NULL AND recovery_hold_until < ?", *filter.RecoveryHoldBefore)
	}
	var items []domain.CheckoutSession
	if err := page(q, filter.ListOptions).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindCustomerByProviderCustomerID(ctx context.Context, tx *gorm.DB, provider, customerID string) (*domain.Customer, error) {
	if customerID == "" {
		return nil, nil
	}
	q := r.conn(ctx, tx).Where("provider = ? AND provider_customer_id = ?", provider, customerID)
	return first[domain.Customer](q)
}

func (r *repo) FindCustomerByEntityProvider(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, provider string) (*domain.Customer, error) {
	q := r.conn(ctx, tx).Where("billable_entity_id = ? AND provider = ?", entityID, provider)
	return first[domain.Customer](q)
}

func (r *repo) UpsertCustomer(ctx context.Context, tx *gorm.DB, customer *domain.Customer) error {
	existing, err := r.FindCustomerByEntityProvider(ctx, tx, customer.BillableEntityID, customer.Provider)
	if err != nil {
		return err
	}
	if existing != nil {
		customer.ID = existing.ID
		customer.CreatedAt = existing.CreatedAt
		if existing.ProviderCustomerID == customer.ProviderCustomerID {
			return nil
		}
		return r.conn(ctx, tx).Save(customer).Error
	}
	return r.conn(ctx, tx).Create(customer).Error
}

func (r *repo) FindPlanByProviderPriceID(ctx context.Context, tx *gorm.DB, provider, priceID string) (*domain.Plan, error) {
	q := r.conn(ctx, tx).Where("provider = ? AND provider_price_id = ?", provider, priceID)
	return first[domain.Plan](q)
}

func (r *repo) FindInvoiceByProviderInvoiceID(ctx context.Context, tx *gorm.DB, provider, invoiceID string, forUpdate bool) (*domain.Invoice, error) {
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("provider = ? AND provider_invoice_id = ?", provider, invoiceID)
	return first[domain.Invoice](q)
}

func (r *repo) UpsertInvoice(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice) error {
	existing, err := r.FindInvoiceByProviderInvoiceID(ctx, tx, invoice.Provider, invoice.ProviderInvoiceID, false)
	if err != nil {
		return err
	}
	if existing != nil {
		invoice.ID = existing.ID
		invoice.CreatedAt = existing.CreatedAt
		return r.conn(ctx, tx).Save(invoice).Error
	}
	return r.conn(ctx, tx).Create(invoice).Error
}

func (r *repo) ListRecentInvoices(ctx context.Context, tx *gorm.DB, provider string, since time.Time, opts domain.ListOptions) ([]domain.Invoice, error) {
	q := r.conn(ctx, tx).
		Where("provider = ? AND provider_invoice_created_at >= ?", provider, since).
		Where("subscription_id IS NOT NULL")
	var items []domain.Invoice
	if err := page(q, opts).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPaymentByProviderPaymentID(ctx context.Context, tx *gorm.DB, provider, paymentID string) (*domain.Payment, error) {
	q := r.conn(ctx, tx).Where("provider = ? AND provider_payment_id = ?", provider, paymentID)
	return first[domain.Payment](q)
}

func (r *repo) FindPaymentByProviderInvoiceID(ctx context.Context, tx *gorm.DB, provider, invoiceID string) (*domain.Payment, error) {
	q := r.conn(ctx, tx).
		Where("provider = ? AND provider_invoice_id = ?", provider, invoiceID).
		Order("id ASC")
	return first[domain.Payment](q)
}

func (r *repo) UpsertPayment(ctx context.Context, tx *gorm.DB, payment *domain.Payment) error {
	existing, err := r.FindPaymentByProviderPaymentID(ctx, tx, payment.Provider, payment.ProviderPaymentID)
	if err != nil {
		return err
	}
	if existing != nil {
		payment.ID = existing.ID
		payment.CreatedAt = existing.CreatedAt
		return r.conn(ctx, tx).Save(payment).Error
	}
	return r.conn(ctx, tx).Create(payment).Error
}

// UpsertBillingPurchase inserts once per dedupe key and reports whether a row was written.
func (r *repo) UpsertBillingPurchase(ctx context.Context, tx *gorm.DB, purchase *domain.BillingPurchase) (bool, error) {
	res := r.conn(ctx, tx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(purchase)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindWebhookEventByProviderEventID(ctx context.Context, tx *gorm.DB, provider, eventID string, forUpdate bool) (*domain.WebhookEvent, error) {
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("provider = ? AND provider_event_id = ?", provider, eventID)
	return first[domain.WebhookEvent](q)
}

func (r *repo) FindWebhookEventByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.WebhookEvent, error) {
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("id = ?", id)
	return first[domain.WebhookEvent](q)
}

func (r *repo) InsertWebhookEvent(ctx context.Context, tx *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := r.conn(ctx, tx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateWebhookEventByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(ctx, tx).Model(&domain.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListFailedWebhookEvents(ctx context.Context, tx *gorm.DB, provider string, maxAttempts int, opts domain.ListOptions) ([]domain.WebhookEvent, error) {
	q := r.conn(ctx, tx).Where("provider = ? AND status = ?", provider, domain.WebhookStatusFailed)
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	var items []domain.WebhookEvent
	if err := page(q, opts).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindIdempotencyByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.IdempotencyRow, error) {
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("id = ?", id)
	return first[domain.IdempotencyRow](q)
}

func (r *repo) FindIdempotencyByOperationKey(ctx context.Context, tx *gorm.DB, action, operationKey string, forUpdate bool) (*domain.IdempotencyRow, error) {
	if operationKey == "" {
		return nil, nil
	}
	q := lockForUpdate(r.conn(ctx, tx), forUpdate).Where("action = ? AND operation_key = ?", action, operationKey)
	return first[domain.IdempotencyRow](q)
}

func (r *repo) UpdateIdempotencyByID(ctx context.Context, tx *gorm.DB, id snowflake.ID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(ctx, tx).Model(&domain.IdempotencyRow{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListPendingIdempotencyRows(ctx context.Context, tx *gorm.DB, filter domain.PendingIdempotencyFilter) ([]domain.IdempotencyRow, error) {
	q := r.conn(ctx, tx).
		Where("action = ? AND status = ?", filter.Action, domain.IdempotencyStatusPending).
		Where("provider_replay_deadline IS NOT NULL AND provider_replay_deadline < ?", filter.ReplayDeadlineBefore)
	var items []domain.IdempotencyRow
	if err := page(q, filter.ListOptions).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindReconciliationRun(ctx context.Context, tx *gorm.DB, provider, scope string) (*domain.ReconciliationRun, error) {
	q := r.conn(ctx, tx).Where("provider = ? AND scope = ?", provider, scope)
	return first[domain.ReconciliationRun](q)
}
