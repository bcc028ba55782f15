// Package auth discovers the OpenID endpoints of a Keycloak realm and verifies tokens
// against the realm's published signing keys.
package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
)

const discoveryTimeout = 10 * time.Second

// Endpoints are the URLs a realm advertises in its discovery document.
type Endpoints struct {
	Issuer        string
	TokenURL      string
	AuthURL       string
	EndSessionURL string
	JWKSURL       string
}

// WellKnownURL returns the discovery document URL of realm on the server at baseURL.
func WellKnownURL(baseURL, realm string) string {
	return strings.TrimSuffix(baseURL, "/") + fmt.Sprintf(constants.APIPathWellKnown, realm)
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	TokenEndpoint         string `json:"token_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Discover fetches the realm discovery document. httpClient may be nil.
func Discover(ctx context.Context, httpClient *http.Client, baseURL, realm string) (*Endpoints, error) {
	var doc discoveryDocument
	if err := getJSON(ctx, httpClient, WellKnownURL(baseURL, realm), "OIDC well-known endpoint", &doc); err != nil {
		return nil, err
	}

	if doc.Issuer == "" {
		return nil, fmt.Errorf("OIDC config missing issuer")
	}
	if doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("OIDC config missing token_endpoint")
	}

	return &Endpoints{
		Issuer:        doc.Issuer,
		TokenURL:      doc.TokenEndpoint,
		AuthURL:       doc.AuthorizationEndpoint,
		EndSessionURL: doc.EndSessionEndpoint,
		JWKSURL:       doc.JWKSURI,
	}, nil
}

type jwksDocument struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid,omitempty"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`

	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	X5c []string `json:"x5c,omitempty"`
}

// KeySet holds the signing keys of a realm by key ID.
type KeySet map[string]crypto.PublicKey

// FetchKeySet fetches and decodes the JWKS at jwksURL. httpClient may be nil.
func FetchKeySet(ctx context.Context, httpClient *http.Client, jwksURL string) (KeySet, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks URL is required")
	}

	var jwks jwksDocument
	if err := getJSON(ctx, httpClient, jwksURL, "jwks endpoint", &jwks); err != nil {
		return nil, err
	}

	keys, err := keySetFromJWKS(jwks)
	if err != nil {
		return nil, fmt.Errorf("failed to extract public keys from jwks: %w", err)
	}
	return keys, nil
}

func getJSON(ctx context.Context, httpClient *http.Client, url, what string, out any) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: discoveryTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", what, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", what, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", what, err)
	}
	return nil
}

// keySetFromJWKS decodes signing keys. Encryption keys are skipped; keys without a kid
// are stored under the empty string.
func keySetFromJWKS(jwks jwksDocument) (KeySet, error) {
	keys := make(KeySet, len(jwks.Keys))

	for _, key := range jwks.Keys {
		if key.Use == "enc" {
			continue
		}

		pub, err := publicKey(key)
		if err != nil {
			return nil, err
		}
		if _, ok := keys[key.Kid]; ok {
			continue
		}
		keys[key.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys found in jwks")
	}
	return keys, nil
}

func publicKey(key jwkKey) (crypto.PublicKey, error) {
	if len(key.X5c) > 0 {
		certDER, err := base64.StdEncoding.DecodeString(key.X5c[0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode jwk x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwk x5c certificate: %w", err)
		}
		return cert.PublicKey, nil
	}

	switch key.Kty {
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			return nil, fmt.Errorf("failed to decode rsa modulus: %w", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			return nil, fmt.Errorf("failed to decode rsa exponent: %w", err)
		}
		if len(eBytes) == 0 {
			return nil, fmt.Errorf("rsa exponent is empty")
		}

		exponent := 0
		for _, b := range eBytes {
			exponent = exponent<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: exponent}, nil

	case "EC":
		var curve elliptic.Curve
		switch key.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported ec curve %q", key.Crv)
		}

		xBytes, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ec x coordinate: %w", err)
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(key.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ec y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported jwk key type %q", key.Kty)
	}
}
