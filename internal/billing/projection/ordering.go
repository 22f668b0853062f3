package projection

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"gorm.io/datatypes"
)

// Provider metadata limits.
const (
	maxMetadataEntries     = 50
	maxMetadataKeyLength   = 40
	maxMetadataValueLength = 500
)

// ParseEpochSeconds reads provider epoch seconds from a decoded JSON value.
// Zero, negative and unparsable values yield nil.
func ParseEpochSeconds(v any) *time.Time {
	switch value := v.(type) {
	case int64:
		return EpochTime(value)
	case int:
		return EpochTime(int64(value))
	case float64:
		return EpochTime(int64(value))
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return EpochTime(n)
		}
		if f, err := value.Float64(); err == nil {
			return EpochTime(int64(f))
		}
		return nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil
		}
		return EpochTime(n)
	default:
		return nil
	}
}

func EpochTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// SanitizeMetadata trims keys and values, drops empty keys and applies the provider's size limits.
// Keys are kept in sorted order when the entry cap applies.
func SanitizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(in))
	for _, rawKey := range keys {
		key := truncateRunes(strings.TrimSpace(rawKey), maxMetadataKeyLength)
		if key == "" {
			continue
		}
		if _, exists := out[key]; exists {
			continue
		}
		out[key] = truncateRunes(strings.TrimSpace(in[rawKey]), maxMetadataValueLength)
		if len(out) == maxMetadataEntries {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

func metadataJSON(in map[string]string) datatypes.JSONMap {
	clean := SanitizeMetadata(in)
	if len(clean) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(clean))
	for key, value := range clean {
		out[key] = value
	}
	return out
}

// ParseBillableEntityID returns the entity id embedded at checkout time, or 0.
func ParseBillableEntityID(metadata map[string]string) snowflake.ID {
	raw := strings.TrimSpace(metadata[domain.MetadataBillableEntityID])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return snowflake.ID(id)
}

// IsIncomingEventOlder reports whether incoming must be discarded against the stored cursor.
// Equal timestamps break ties on event id; this is deterministic, not causal.
func IsIncomingEventOlder(existing, incoming domain.Cursor) bool {
	if existing.CreatedAt == nil || incoming.CreatedAt == nil {
		return existing.EventID != "" && existing.EventID == incoming.EventID
	}
	if incoming.CreatedAt.Before(*existing.CreatedAt) {
		return true
	}
	if incoming.CreatedAt.After(*existing.CreatedAt) {
		return false
	}
	return incoming.EventID <= existing.EventID
}

// HasSameTimestampOrderingConflict reports two distinct events at the same second where the incoming
// one loses the tie-break. The stored state may still be behind the provider in that case.
func HasSameTimestampOrderingConflict(existing, incoming domain.Cursor) bool {
	if existing.CreatedAt == nil || incoming.CreatedAt == nil {
		return false
	}
	if !incoming.CreatedAt.Equal(*existing.CreatedAt) {
		return false
	}
	if existing.EventID == "" || incoming.EventID == "" || existing.EventID == incoming.EventID {
		return false
	}
	return incoming.EventID < existing.EventID
}

// MapCheckoutStatus maps a provider session status to the local checkout state.
func MapCheckoutStatus(providerStatus, flow string, hasLocalSubscription bool) string {
	switch strings.TrimSpace(providerStatus) {
	case "complete":
		if flow == domain.CheckoutFlowOneOff || hasLocalSubscription {
			return domain.CheckoutStatusCompletedReconciled
		}
		return domain.CheckoutStatusCompletedPendingSubscription
	case "expired":
		return domain.CheckoutStatusExpired
	default:
		return domain.CheckoutStatusOpen
	}
}

// CheckoutCorrelation is the identity an incoming checkout event claims.
type CheckoutCorrelation struct {
	OperationKey              string
	ProviderCheckoutSessionID string
	BillableEntityID          snowflake.ID
	ProviderCustomerID        string
}

// AssertCheckoutCorrelation fails when a stored row sharing the operation key or provider session id
// disagrees with the incoming identity.
func AssertCheckoutCorrelation(stored []domain.CheckoutSession, incoming CheckoutCorrelation) error {
	for _, row := range stored {
		sameOperation := incoming.OperationKey != "" && row.OperationKey == incoming.OperationKey
		sameSession := incoming.ProviderCheckoutSessionID != "" && row.ProviderCheckoutSessionID == incoming.ProviderCheckoutSessionID
		if !sameOperation && !sameSession {
			continue
		}
		if sameSession && conflicting(row.OperationKey, incoming.OperationKey) {
			return NewCorrelationError("operation_key", row.OperationKey, incoming.OperationKey)
		}
		if sameOperation && conflicting(row.ProviderCheckoutSessionID, incoming.ProviderCheckoutSessionID) {
			return NewCorrelationError("provider_checkout_session_id", row.ProviderCheckoutSessionID, incoming.ProviderCheckoutSessionID)
		}
		if incoming.BillableEntityID != 0 && row.BillableEntityID != incoming.BillableEntityID {
			return NewCorrelationError("billable_entity_id", row.BillableEntityID.String(), incoming.BillableEntityID.String())
		}
		if conflicting(row.ProviderCustomerID, incoming.ProviderCustomerID) {
			return NewCorrelationError("provider_customer_id", row.ProviderCustomerID, incoming.ProviderCustomerID)
		}
	}
	return nil
}

func conflicting(stored, incoming string) bool {
	return stored != "" && incoming != "" && stored != incoming
}

func NewCorrelationError(field, stored, incoming string) *domain.CorrelationError {
	return &domain.CorrelationError{Field: field, Stored: stored, Incoming: incoming}
}

// PurchaseDedupeKey prefers the payment id, then the invoice id, then the event id.
func PurchaseDedupeKey(provider, paymentID, invoiceID, eventID string) string {
	switch {
	case strings.TrimSpace(paymentID) != "":
		return fmt.Sprintf("%s:payment:%s", provider, strings.TrimSpace(paymentID))
	case strings.TrimSpace(invoiceID) != "":
		return fmt.Sprintf("%s:invoice:%s", provider, strings.TrimSpace(invoiceID))
	case strings.TrimSpace(eventID) != "":
		return fmt.Sprintf("%s:event:%s", provider, strings.TrimSpace(eventID))
	default:
		return ""
	}
}

// SelectCanonicalSubscription picks the earliest created subscription, ties broken by the smallest
// provider subscription id. Rows without a creation time sort last.
func SelectCanonicalSubscription(subs []domain.Subscription) domain.Subscription {
	ordered := append([]domain.Subscription(nil), subs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].ProviderSubscriptionCreatedAt, ordered[j].ProviderSubscriptionCreatedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return ordered[i].ProviderSubscriptionID < ordered[j].ProviderSubscriptionID
	})
	return ordered[0]
}

// SubscriptionDrift reports whether the provider snapshot differs from the stored row.
func SubscriptionDrift(local domain.Subscription, snap domain.SubscriptionSnapshot) bool {
	return local.Status != domain.NormalizeSubscriptionStatus(snap.Status) ||
		local.CancelAtPeriodEnd != snap.CancelAtPeriodEnd ||
		!sameTime(local.CurrentPeriodStart, snap.CurrentPeriodStart) ||
		!sameTime(local.CurrentPeriodEnd, snap.CurrentPeriodEnd) ||
		!sameTime(local.TrialStart, snap.TrialStart) ||
		!sameTime(local.TrialEnd, snap.TrialEnd) ||
		!sameTime(local.CancelAt, snap.CancelAt) ||
		!sameTime(local.CanceledAt, snap.CanceledAt) ||
		!sameTime(local.EndedAt, snap.EndedAt)
}

// InvoiceDrift reports status or amount differences between the stored invoice and the provider.
func InvoiceDrift(local domain.Invoice, snap domain.InvoiceSnapshot) bool {
	return local.Status != normalizeInvoiceStatus(snap.Status) ||
		local.AmountDue != snap.AmountDue ||
		local.AmountPaid != snap.AmountPaid ||
		local.AmountRemaining != snap.AmountRemaining
}

func sameTime(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Equal(*b)
	}
}

func normalizeInvoiceStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
