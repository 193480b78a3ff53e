// Package auth verifies the bearer credentials that the CRUD API issues to
// clients. Verification happens exactly once per transport connection,
// before any room operation is admitted; the package holds no state beyond
// key material.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated indicates no credential was supplied.
var ErrUnauthenticated = errors.New("auth: no credential supplied")

// ErrExpired indicates the credential is past its validity window.
var ErrExpired = errors.New("auth: credential expired")

// ErrInvalid indicates a malformed credential or a bad signature.
var ErrInvalid = errors.New("auth: invalid credential")

// Identity is the decoded principal carried by a verified credential.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// DisplayName returns the best human-facing label for the identity.
func (id *Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}
	return id.Email
}

// Authenticator validates bearer tokens and returns the associated
// identity. Implementations return ErrUnauthenticated, ErrExpired or
// ErrInvalid (possibly wrapped) and are safe for concurrent use.
type Authenticator interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
