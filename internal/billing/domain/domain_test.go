package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseEventKindIsClosed(t *testing.T) {
	known := []string{
		EventTypeCheckoutSessionCompleted,
		EventTypeCheckoutSessionExpired,
		EventTypeSubscriptionCreated,
		EventTypeSubscriptionUpdated,
		EventTypeSubscriptionDeleted,
		EventTypeInvoicePaid,
		EventTypeInvoicePaymentFailed,
	}
	for _, eventType := range known {
		kind := ParseEventKind(eventType)
		if kind == EventKindIgnored {
			t.Fatalf("expected %s to be routed", eventType)
		}
		if kind.String() != eventType {
			t.Fatalf("expected kind string %s, got %s", eventType, kind.String())
		}
	}
	if ParseEventKind("charge.refunded") != EventKindIgnored {
		t.Fatalf("expected unknown event to be ignored")
	}
}

func TestCorrelationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("apply checkout: %w", &CorrelationError{Field: "operation_key", Stored: "op1", Incoming: "op2"})
	if !errors.Is(err, ErrCheckoutCorrelationMismatch) {
		t.Fatalf("expected correlation sentinel match")
	}
	if !IsConflict(err) {
		t.Fatalf("expected correlation mismatch to be a conflict")
	}
	var corr *CorrelationError
	if !errors.As(err, &corr) || corr.Code() != CorrelationMismatchCode {
		t.Fatalf("expected correlation error code")
	}
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope(" Pending_Recent ")
	if err != nil || scope != ScopePendingRecent {
		t.Fatalf("expected pending_recent, got %q (%v)", scope, err)
	}
	if _, err := ParseScope("everything"); !errors.Is(err, ErrUnsupportedScope) {
		t.Fatalf("expected unsupported scope, got %v", err)
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !IsTerminalSubscriptionStatus(SubscriptionStatusCanceled) || !IsTerminalSubscriptionStatus(SubscriptionStatusIncompleteExpired) {
		t.Fatalf("expected canceled and incomplete_expired to be terminal")
	}
	if IsTerminalSubscriptionStatus(SubscriptionStatusPastDue) {
		t.Fatalf("past_due is not terminal")
	}
	if NormalizeSubscriptionStatus("weird") != SubscriptionStatusIncomplete {
		t.Fatalf("expected unknown status to normalize to incomplete")
	}
}

func TestTruncateUTF8KeepsRuneBoundaries(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"ab€", 3, "ab"},
		{"ab€", 4, "ab"},
		{"ab€", 5, "ab€"},
		{"€€", 1, ""},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		got := TruncateUTF8(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("TruncateUTF8(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("TruncateUTF8(%q, %d) produced invalid UTF-8", tc.in, tc.n)
		}
	}
}

func TestLastErrorMessageBoundsMultiByteMessages(t *testing.T) {
	// One ASCII byte shifts every three-byte rune across the byte limit.
	msg := "x" + strings.Repeat("界", MaxLastErrorBytes)
	got := LastErrorMessage(errors.New(msg))
	if len(got) > MaxLastErrorBytes {
		t.Fatalf("expected at most %d bytes, got %d", MaxLastErrorBytes, len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8")
	}
	if !strings.HasPrefix(msg, got) || len(got) < MaxLastErrorBytes-utf8.UTFMax {
		t.Fatalf("unexpected truncation to %d bytes", len(got))
	}
	if LastErrorMessage(nil) != "" {
		t.Fatalf("expected empty message for nil error")
	}
}
