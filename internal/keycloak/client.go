// Package keycloak is a small client for the Keycloak admin REST API covering the realm
// role operations the role watchers need.
package keycloak

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultConnectionTimeout is the default timeout for establishing connections.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultRequestTimeout is the default timeout for individual API requests.
	DefaultRequestTimeout = 10 * time.Second
)

// Client talks to the admin API of one realm with a bearer token.
type Client struct {
	baseURL    string
	realm      string
	token      string
	httpClient *http.Client

	guard *realmGuard
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// ClientKey names the realm guard (rate limit and per-operation breakers) shared by
	// every Client built with it. Every token refresh produces a new Client, so all of
	// them must share one key to see the same breaker.
	//
	// If empty, the BaseURL host is used.
	ClientKey string

	// BaseURL is the Keycloak URL (e.g., "https://id.example.com" or
	// "https://id.example.com/auth" for legacy distributions).
	BaseURL string
	// Realm is the realm whose roles are managed.
	Realm string
	// Token is the bearer access token.
	Token string
	// CACert is the PEM-encoded CA certificate for TLS verification.
	// If empty, the system certificate pool is used.
	CACert []byte
	// ConnectionTimeout defaults to DefaultConnectionTimeout if zero.
	ConnectionTimeout time.Duration
	// RequestTimeout defaults to DefaultRequestTimeout if zero.
	RequestTimeout time.Duration

	// GuardDisabled turns off rate limiting and the per-operation breakers.
	GuardDisabled bool
	// RateLimitQPS defaults to constants.DefaultKeycloakQPS if zero or negative.
	RateLimitQPS float64
	// RateLimitBurst defaults to constants.DefaultKeycloakBurst if zero or negative.
	RateLimitBurst int
	// BreakerFailureThreshold is the number of consecutive 429, 5xx or connection failures
	// of one operation that pause it. Defaults to constants.DefaultKeycloakBreakerThreshold.
	BreakerFailureThreshold int
	// BreakerCooldown is how long a tripped operation is paused. Defaults to
	// constants.DefaultKeycloakBreakerCooldown.
	BreakerCooldown time.Duration
}

// NewClient creates a new admin API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if config.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL %q: %w", config.BaseURL, err)
	}

	httpClient, err := NewHTTPClient(config.CACert, config.ConnectionTimeout, config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	if config.ClientKey == "" && parsedURL.Host != "" {
		config.ClientKey = parsedURL.Host
	}

	var guard *realmGuard
	if !config.GuardDisabled {
		guard = guardFor(config)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		realm:      config.Realm,
		token:      config.Token,
		httpClient: httpClient,
		guard:      guard,
	}, nil
}

// NewHTTPClient returns an HTTP client for Keycloak. When caCert is set it replaces the
// system pool. Zero timeouts take the package defaults.
func NewHTTPClient(caCert []byte, connectionTimeout, requestTimeout time.Duration) (*http.Client, error) {
	if connectionTimeout == 0 {
		connectionTimeout = DefaultConnectionTimeout
	}
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if len(caCert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: connectionTimeout,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: requestTimeout,
	}, nil
}

// BaseURL returns the configured Keycloak URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realm returns the managed realm.
func (c *Client) Realm() string {
	return c.realm
}
