// Package auth authenticates escrow callers.
//
// Authentication model:
//   - Read endpoints (get, list): no auth required
//   - Mutations: require an HS256 bearer token whose subject is the caller's
//     base58 identity
//   - The escrow engine trusts only the identity the middleware places in the
//     request context
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSecret     = errors.New("auth: signing secret is required")
)

// DefaultIssuer is the iss claim issued and required by Verifier.
const DefaultIssuer = "fiatescrow"

// Verifier issues and validates caller tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}, nil
}

// WithClock overrides the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Issue signs a token for id that expires after ttl.
func (v *Verifier) Issue(id identity.ID, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates token and returns the caller identity in its subject.
func (v *Verifier) Verify(token string) (identity.ID, error) {
	if token == "" {
		return identity.Zero, ErrNoToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return identity.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := identity.Parse(claims.Subject)
	if err != nil {
		return identity.Zero, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return id, nil
}
