// ABOUTME: Tests for identity propagation through context
// ABOUTME: Covers attach, lookup, and the anonymous fallback

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	ctx := WithIdentity(context.Background(), &Identity{Subject: "harper"})

	id := FromContext(ctx)
	if id == nil || id.Subject != "harper" {
		t.Fatalf("FromContext() = %+v, want subject harper", id)
	}
	if got := Subject(ctx); got != "harper" {
		t.Errorf("Subject() = %q, want harper", got)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if id := FromContext(context.Background()); id != nil {
		t.Errorf("FromContext() = %+v, want nil", id)
	}
	if got := Subject(context.Background()); got != "anonymous" {
		t.Errorf("Subject() = %q, want anonymous", got)
	}
}
