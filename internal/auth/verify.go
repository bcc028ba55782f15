package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dc-tec/keycloak-sync-operator/internal/token"
)

var (
	// ErrUnknownKey is returned when a token names a key the realm does not publish.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrAuthorizedParty is returned when a token was issued to another client.
	ErrAuthorizedParty = errors.New("token issued to another client")
)

var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAuthorizedParty requires the azp claim to equal clientID.
func WithAuthorizedParty(clientID string) VerifierOption {
	return func(v *Verifier) {
		v.authorizedParty = clientID
	}
}

// WithTimeFunc sets the clock used for expiry checks.
func WithTimeFunc(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier checks signature, issuer and expiry of realm tokens.
type Verifier struct {
	issuer          string
	keys            KeySet
	authorizedParty string
	now             func() time.Time
}

// NewVerifier returns a verifier trusting keys for tokens from issuer.
func NewVerifier(issuer string, keys KeySet, opts ...VerifierOption) *Verifier {
	v := &Verifier{issuer: issuer, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates raw and returns the decoded token.
func (v *Verifier) Verify(raw string) (*token.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &token.Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.key); err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if v.authorizedParty != "" && claims.AuthorizedParty != v.authorizedParty {
		return nil, fmt.Errorf("%w: azp is %q", ErrAuthorizedParty, claims.AuthorizedParty)
	}
	return token.Parse(raw)
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	if kid == "" && len(v.keys) == 1 {
		for _, key := range v.keys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}
