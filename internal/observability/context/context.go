package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type actorKey struct{}
type billableEntityKey struct{}
type providerEventKey struct{}

type actor struct {
	actorType string
	actorID   string
}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithActor records who is driving the current operation (webhook, scheduler, operator).
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.actorType, value.actorID
}

func WithBillableEntityID(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, billableEntityKey{}, strings.TrimSpace(entityID))
}

func BillableEntityIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(billableEntityKey{}).(string)
	return value
}

func WithProviderEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, providerEventKey{}, strings.TrimSpace(eventID))
}

func ProviderEventIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(providerEventKey{}).(string)
	return value
}
