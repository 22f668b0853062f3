package domain

import "strings"

type Scope string

const (
	ScopeCheckoutOpen                 Scope = "checkout_open"
	ScopeCheckoutCompletedPending     Scope = "checkout_completed_pending"
	ScopeCheckoutRecoveryVerification Scope = "checkout_recovery_verification"
	ScopePendingRecent                Scope = "pending_recent"
	ScopeSubscriptionsActive          Scope = "subscriptions_active"
	ScopeInvoicesRecent               Scope = "invoices_recent"
)

// Scopes returns every reconciliation scope in scheduling order.
func Scopes() []Scope {
	return []Scope{
		ScopeCheckoutOpen,
		ScopeCheckoutCompletedPending,
		ScopeCheckoutRecoveryVerification,
		ScopePendingRecent,
		ScopeSubscriptionsActive,
		ScopeInvoicesRecent,
	}
}

func ParseScope(raw string) (Scope, error) {
	value := Scope(strings.ToLower(strings.TrimSpace(raw)))
	for _, scope := range Scopes() {
		if scope == value {
			return scope, nil
		}
	}
	return "", ErrUnsupportedScope
}
