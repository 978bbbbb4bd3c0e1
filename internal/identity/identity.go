// Package identity issues and verifies the bearer tokens that carry a
// caller's public key. The token subject is the base58 key the ledger
// authorizes against.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Erio-Harrison/defi-tools/internal/pda"
)

var (
	// ErrInvalidToken is returned for malformed, expired or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidSubject is returned when the subject is not a public key.
	ErrInvalidSubject = errors.New("token subject is not a public key")
)

// Claims are the JWT claims of a caller token.
type Claims struct {
	jwt.RegisteredClaims
}

// Caller returns the authenticated public key.
func (c Claims) Caller() string {
	return c.Subject
}

// Issuer signs and verifies HS256 caller tokens.
type Issuer struct {
	secret []byte
	name   string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. name is written to and required in the iss claim.
func NewIssuer(secret []byte, name string, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, name: name, ttl: ttl, now: time.Now}
}

// Sign issues a token for owner.
func (i *Issuer) Sign(owner string) (token string, expiresAt time.Time, err error) {
	if !pda.ValidKey(owner) {
		return "", time.Time{}, ErrInvalidSubject
	}

	now := i.now().UTC()
	expiresAt = now.Add(i.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    i.name,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses token and returns its claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.name),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !pda.ValidKey(claims.Subject) {
		return Claims{}, ErrInvalidSubject
	}
	return claims, nil
}
