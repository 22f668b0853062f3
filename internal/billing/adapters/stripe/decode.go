package stripe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/billsync/internal/billing/domain"
	stripego "github.com/stripe/stripe-go/v82"
)

// legacyFields holds references that API versions before 2025-03-31 carried at the top level of
// subscriptions and invoices. stripe-go v82 only models their newer location.
type legacyFields struct {
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Subscription       *stripego.Subscription  `json:"subscription"`
	PaymentIntent      *stripego.PaymentIntent `json:"payment_intent"`
	Charge             *stripego.Charge        `json:"charge"`
}

func epoch(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func copyMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func customerID(c *stripego.Customer) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

func subscriptionID(s *stripego.Subscription) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.ID)
}

func invoiceID(i *stripego.Invoice) string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(i.ID)
}

func paymentIntentID(p *stripego.PaymentIntent) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.ID)
}

func chargeID(c *stripego.Charge) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

func currencyCode(c stripego.Currency) string {
	return strings.ToUpper(strings.TrimSpace(string(c)))
}

func DecodeCheckoutSession(raw json.RawMessage) (*domain.CheckoutSessionSnapshot, error) {
	var session stripego.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return checkoutSessionSnapshot(&session)
}

func checkoutSessionSnapshot(session *stripego.CheckoutSession) (*domain.CheckoutSessionSnapshot, error) {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	return &domain.CheckoutSessionSnapshot{
		ID:                session.ID,
		Mode:              strings.TrimSpace(string(session.Mode)),
		Status:            strings.TrimSpace(string(session.Status)),
		PaymentStatus:     strings.TrimSpace(string(session.PaymentStatus)),
		CustomerID:        customerID(session.Customer),
		SubscriptionID:    subscriptionID(session.Subscription),
		InvoiceID:         invoiceID(session.Invoice),
		PaymentIntentID:   paymentIntentID(session.PaymentIntent),
		ClientReferenceID: strings.TrimSpace(session.ClientReferenceID),
		AmountTotal:       session.AmountTotal,
		Currency:          currencyCode(session.Currency),
		Metadata:          copyMetadata(session.Metadata),
		ExpiresAt:         epoch(session.ExpiresAt),
		Created:           epoch(session.Created),
	}, nil
}

func DecodeSubscription(raw json.RawMessage) (*domain.SubscriptionSnapshot, error) {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	var legacy legacyFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return subscriptionSnapshot(&sub, legacy)
}

func subscriptionSnapshot(sub *stripego.Subscription, legacy legacyFields) (*domain.SubscriptionSnapshot, error) {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	periodStart, periodEnd := legacy.CurrentPeriodStart, legacy.CurrentPeriodEnd
	var priceIDs []string
	if sub.Items != nil {
		priceIDs = make([]string, 0, len(sub.Items.Data))
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil {
				if id := strings.TrimSpace(item.Price.ID); id != "" {
					priceIDs = append(priceIDs, id)
				}
			}
			if periodStart == 0 && item.CurrentPeriodStart > 0 {
				periodStart = item.CurrentPeriodStart
			}
			if periodEnd == 0 && item.CurrentPeriodEnd > 0 {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}

	return &domain.SubscriptionSnapshot{
		ID:                 sub.ID,
		CustomerID:         customerID(sub.Customer),
		Status:             strings.TrimSpace(string(sub.Status)),
		Metadata:           copyMetadata(sub.Metadata),
		PriceIDs:           priceIDs,
		Created:            epoch(sub.Created),
		CurrentPeriodStart: epoch(periodStart),
		CurrentPeriodEnd:   epoch(periodEnd),
		TrialStart:         epoch(sub.TrialStart),
		TrialEnd:           epoch(sub.TrialEnd),
		CancelAt:           epoch(sub.CancelAt),
		CanceledAt:         epoch(sub.CanceledAt),
		EndedAt:            epoch(sub.EndedAt),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}, nil
}

func DecodeInvoice(raw json.RawMessage) (*domain.InvoiceSnapshot, error) {
	var inv stripego.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	var legacy legacyFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return invoiceSnapshot(&inv, legacy)
}

func invoiceSnapshot(inv *stripego.Invoice, legacy legacyFields) (*domain.InvoiceSnapshot, error) {
	if inv == nil || strings.TrimSpace(inv.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	// Invoice metadata wins over the subscription metadata snapshot.
	metadata := map[string]string{}
	subID := subscriptionID(legacy.Subscription)
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if id := subscriptionID(details.Subscription); id != "" {
			subID = id
		}
		for k, v := range details.Metadata {
			metadata[k] = v
		}
	}
	for k, v := range inv.Metadata {
		metadata[k] = v
	}

	piID, chID := paymentIntentID(legacy.PaymentIntent), chargeID(legacy.Charge)
	if inv.Payments != nil {
		for _, item := range inv.Payments.Data {
			if item == nil || item.Payment == nil {
				continue
			}
			if piID == "" {
				piID = paymentIntentID(item.Payment.PaymentIntent)
			}
			if chID == "" {
				chID = chargeID(item.Payment.Charge)
			}
		}
	}

	var paidAt int64
	if inv.StatusTransitions != nil {
		paidAt = inv.StatusTransitions.PaidAt
	}

	return &domain.InvoiceSnapshot{
		ID:              inv.ID,
		CustomerID:      customerID(inv.Customer),
		SubscriptionID:  subID,
		Status:          strings.TrimSpace(string(inv.Status)),
		BillingReason:   strings.TrimSpace(string(inv.BillingReason)),
		Currency:        currencyCode(inv.Currency),
		AmountDue:       inv.AmountDue,
		AmountPaid:      inv.AmountPaid,
		AmountRemaining: inv.AmountRemaining,
		PaymentIntentID: piID,
		ChargeID:        chID,
		Metadata:        metadata,
		Created:         epoch(inv.Created),
		PeriodStart:     epoch(inv.PeriodStart),
		PeriodEnd:       epoch(inv.PeriodEnd),
		PaidAt:          epoch(paidAt),
	}, nil
}
