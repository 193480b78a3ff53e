package auth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// jwksAuthenticator verifies RS256 tokens against a remote key set. Used
// when the CRUD API publishes its signing keys instead of sharing a
// secret. Keys are refreshed in the background by keyfunc.
type jwksAuthenticator struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewJWKS constructs an Authenticator that fetches and caches the JWKS at
// jwksURL. The ctx bounds the initial fetch and the refresh goroutine.
func NewJWKS(ctx context.Context, jwksURL string) (Authenticator, error) {
	if jwksURL == "" {
		return nil, errors.New("auth: jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}
	return &jwksAuthenticator{
		keyfunc: kf.Keyfunc,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (a *jwksAuthenticator) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := a.parser.Parse(token, a.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return identityFromClaims(parsed)
}
