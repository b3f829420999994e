package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.IssueToken("user-1", "tenant-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	identity, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-1" || identity.TenantID != "tenant-1" {
		t.Fatalf("identity = %+v, want user-1/tenant-1", identity)
	}
}

func TestJWTVerifierMissingToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	_, err := v.Verify(context.Background(), "")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestJWTVerifierExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.IssueToken("user-1", "tenant-1", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	_, err = v.Verify(context.Background(), token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifierWrongKey(t *testing.T) {
	issuer := NewJWTVerifier("secret-a")
	verifier := NewJWTVerifier("secret-b")

	token, err := issuer.IssueToken("user-1", "tenant-1", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	_, err = verifier.Verify(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifierGarbage(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	_, err := v.Verify(context.Background(), "not-a-jwt")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
