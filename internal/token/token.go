// Package token decodes the JWT credentials handed out by the identity provider.
//
// Tokens are decoded, not verified: the syncer only ever receives them directly from the
// token endpoint it authenticated against, and only needs the expiry and role claims to
// schedule renewals.
package token

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Access lists the roles granted in a realm or to a client.
type Access struct {
	Roles []string `json:"roles,omitempty"`
}

// Claims is the payload of a Keycloak issued token.
type Claims struct {
	jwt.RegisteredClaims

	Type              string            `json:"typ,omitempty"`
	AuthorizedParty   string            `json:"azp,omitempty"`
	SessionState      string            `json:"session_state,omitempty"`
	PreferredUsername string            `json:"preferred_username,omitempty"`
	RealmAccess       Access            `json:"realm_access,omitempty"`
	ResourceAccess    map[string]Access `json:"resource_access,omitempty"`
}

// Token is an immutable decoded credential. A refresh always produces a new Token.
type Token struct {
	raw       string
	header    map[string]any
	claims    Claims
	signature string
}

// Parse decodes a compact JWT without verifying its signature.
func Parse(raw string) (*Token, error) {
	if raw == "" {
		return nil, fmt.Errorf("token is empty")
	}

	claims := Claims{}
	parsed, parts, err := jwt.NewParser().ParseUnverified(raw, &claims)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	return &Token{
		raw:       raw,
		header:    parsed.Header,
		claims:    claims,
		signature: parts[2],
	}, nil
}

// String returns the encoded form of the token.
func (t *Token) String() string {
	return t.raw
}

// Header returns a copy of the decoded JOSE header.
func (t *Token) Header() map[string]any {
	out := make(map[string]any, len(t.header))
	for k, v := range t.header {
		out[k] = v
	}
	return out
}

// Signature returns the raw base64url signature segment.
func (t *Token) Signature() string {
	return t.signature
}

// Claims returns the decoded payload.
func (t *Token) Claims() Claims {
	return t.claims
}

// Expiry returns the "exp" claim in seconds since the epoch, or 0 when the token carries
// no expiry (offline tokens).
func (t *Token) Expiry() int64 {
	if t.claims.ExpiresAt == nil {
		return 0
	}
	return t.claims.ExpiresAt.Unix()
}

// ExpiresAt returns the expiry as a time. The zero time means the token does not expire.
func (t *Token) ExpiresAt() time.Time {
	if t.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.claims.ExpiresAt.Time
}

// TimeUntilExpiry returns how long the token remains valid at now. Tokens without an expiry
// report the maximum duration.
func (t *Token) TimeUntilExpiry(now time.Time) time.Duration {
	if t.claims.ExpiresAt == nil {
		return time.Duration(1<<63 - 1)
	}
	return t.claims.ExpiresAt.Sub(now)
}

// IsExpired reports whether the token is expired at now.
func (t *Token) IsExpired(now time.Time) bool {
	if t.claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(t.claims.ExpiresAt.Time)
}

// HasRealmRole reports whether the realm_access claim grants role.
func (t *Token) HasRealmRole(role string) bool {
	return slices.Contains(t.claims.RealmAccess.Roles, role)
}

// HasApplicationRole reports whether the resource_access claim grants role to clientID.
func (t *Token) HasApplicationRole(clientID, role string) bool {
	access, ok := t.claims.ResourceAccess[clientID]
	if !ok {
		return false
	}
	return slices.Contains(access.Roles, role)
}

// ExtendsBeyond reports whether t expires strictly later than other. A missing expiry on
// either side never counts as an extension.
func (t *Token) ExtendsBeyond(other *Token) bool {
	if t == nil || other == nil {
		return false
	}
	if t.Expiry() == 0 || other.Expiry() == 0 {
		return false
	}
	return t.Expiry() > other.Expiry()
}
