// ABOUTME: Per-user stream tokens presented to the agent service over gRPC
// ABOUTME: Uses HS256 signing with a shared secret; subject is the chat user ID

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrEmptySecret  = errors.New("token secret is empty")
)

// Audience is the aud claim of every stream token. Tokens minted for other
// services sharing the secret are rejected.
const Audience = "coven-agent-sessions"

// DefaultTokenTTL is the lifetime of tokens minted by Token.
const DefaultTokenTTL = 24 * time.Hour

// Issuer mints and verifies HS256 stream tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
}

// NewIssuer creates an Issuer. A zero ttl selects DefaultTokenTTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{
		secret: secret,
		ttl:    ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// Token mints a token for userID valid for the issuer's TTL.
func (i *Issuer) Token(userID string) (string, error) {
	return i.Generate(userID, i.ttl)
}

// Generate signs a stream token for subject. Each token carries a fresh jti
// so agents can tell streams of the same user apart.
func (i *Issuer) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, audience and expiry, and returns the chat user
// the token was minted for.
func (i *Issuer) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := i.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
