// ABOUTME: Authenticated identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
	"time"
)

// Identity is the caller extracted from a verified bearer token.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Subject returns the authenticated subject, or "anonymous" when auth is disabled.
func Subject(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.Subject
	}
	return "anonymous"
}
