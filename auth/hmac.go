package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// hmacAuthenticator verifies HS256 tokens against a shared secret. This is
// the default mode: the CRUD API signs tokens with the same secret this
// process reads from AUTH_SECRET.
type hmacAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMAC constructs an Authenticator for HS256 tokens signed with secret.
func NewHMAC(secret string) (Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &hmacAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (a *hmacAuthenticator) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return identityFromClaims(parsed)
}

// identityFromClaims extracts the identity fields shared by both verifier
// modes. A token without a subject is rejected outright.
func identityFromClaims(parsed *jwt.Token) (*Identity, error) {
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalid)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &Identity{UserID: sub, Email: email, Name: name}, nil
}
