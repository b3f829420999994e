package auth

import (
	"context"
	"errors"
)

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token has expired")
)

// Identity is the resolved owner of a session token.
type Identity struct {
	UserID   string
	TenantID string
}

// Verifier resolves an opaque session token to an identity. The gateway
// treats it as a black box; implementations may call out to a session
// service, decode a JWT, or look up a database row.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
