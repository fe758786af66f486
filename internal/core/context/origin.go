// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// Origin describes who or what initiated the record change being dispatched.
// Dispatches triggered by the admin API carry the operator identity; dispatches
// replayed by the deferred worker carry the worker identity.
type Origin struct {
	TenantID string
	ActorID  string
	// Source is the subsystem that initiated the change: "api", "worker", "seed".
	Source string
}

type originKey struct{}

// WithOrigin adds Origin to context.
func WithOrigin(ctx context.Context, o *Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// GetOrigin returns Origin from context.
func GetOrigin(ctx context.Context) *Origin {
	if v, ok := ctx.Value(originKey{}).(*Origin); ok {
		return v
	}
	return nil
}

// GetTenantID returns tenant ID from context or empty string.
func GetTenantID(ctx context.Context) string {
	if o := GetOrigin(ctx); o != nil {
		return o.TenantID
	}
	return ""
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if o := GetOrigin(ctx); o != nil {
		return o.ActorID
	}
	return ""
}
