// ABOUTME: Tests for auth context propagation
// ABOUTME: Covers WithAuth, FromContext and SubjectFrom

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Empty(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
	if got := SubjectFrom(context.Background()); got != "anonymous" {
		t.Errorf("SubjectFrom() = %q, want anonymous", got)
	}
}

func TestWithAuth_RoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{Subject: "ops"})

	got := FromContext(ctx)
	if got == nil || got.Subject != "ops" {
		t.Fatalf("FromContext() = %+v, want subject ops", got)
	}
	if s := SubjectFrom(ctx); s != "ops" {
		t.Errorf("SubjectFrom() = %q, want ops", s)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not an auth context")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
