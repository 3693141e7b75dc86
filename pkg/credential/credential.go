// Package credential owns the bearer credential used for every call to the
// order API: where it is stored, how its claims are validated, and how it is
// refreshed.
//
// A credential whose claims fail validation is treated exactly like a missing
// one. It is never repaired or replaced with a locally minted token; the only
// way back is a real login or refresh against the auth endpoint.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrValidation means a token's claims are malformed.
	ErrValidation = errors.New("invalid credential")

	// ErrAuthFailure means login or refresh did not produce a usable credential.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrUnreachable means the auth endpoint could not be reached.
	ErrUnreachable = errors.New("auth endpoint unreachable")
)

// Source records how a credential was obtained.
type Source string

const (
	// SourcePrimary is a credential obtained from an interactive login.
	SourcePrimary Source = "primary"

	// SourceRefreshed is a credential obtained from the refresh endpoint.
	SourceRefreshed Source = "refreshed"

	// SourceSynthetic is a credential injected by tooling or tests.
	SourceSynthetic Source = "synthetic"
)

// Claims are the decoded token claims the client relies on.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role,omitempty"`
	ExpiresAt int64  `json:"exp"`           // Unix seconds
	IssuedAt  int64  `json:"iat,omitempty"` // Unix seconds
}

// Credential is a bearer token with its decoded claims.
type Credential struct {
	Token  string `json:"token"`
	Claims Claims `json:"claims"`
	Source Source `json:"source"`
}

// ExpiresAt returns the expiry instant.
func (c *Credential) ExpiresAt() time.Time {
	return time.Unix(c.Claims.ExpiresAt, 0)
}

// IsStale reports whether the credential has expired at now.
func (c *Credential) IsStale(now time.Time) bool {
	return now.After(c.ExpiresAt())
}

// ExpiresWithin reports whether the credential expires less than d after now.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt().Sub(now) < d
}

// ParseToken decodes and validates a token's claims without verifying the
// signature; the client never holds the signing key and the API verifies every
// request.
//
// Validation rules:
//   - the token must be a well-formed JWT
//   - "sub" must be present and a string
//   - "exp" must be present and numeric
//   - "iat" and "role", when present, must be numeric and a string respectively
func ParseToken(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrValidation)
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: malformed token: %v", ErrValidation, err)
	}

	sub, err := mc.GetSubject()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: subject claim must be a string", ErrValidation)
	}
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject claim", ErrValidation)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid expiry claim: %v", ErrValidation, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: missing expiry claim", ErrValidation)
	}

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: invalid issued-at claim: %v", ErrValidation, err)
	}

	claims := Claims{
		Subject:   sub,
		ExpiresAt: exp.Unix(),
	}
	if iat != nil {
		claims.IssuedAt = iat.Unix()
	}
	if raw, ok := mc["role"]; ok {
		role, ok := raw.(string)
		if !ok {
			return Claims{}, fmt.Errorf("%w: role claim must be a string", ErrValidation)
		}
		claims.Role = role
	}

	return claims, nil
}
