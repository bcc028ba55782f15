// Package oauth performs the client_credentials and refresh_token grants against the
// realm token endpoint.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// ErrInvalidGrant is returned when the token endpoint rejects the refresh token itself,
// typically because the session was revoked or has reached its maximum lifetime.
var ErrInvalidGrant = errors.New("invalid_grant")

// TokenSet is the result of a grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	// Expiry is when the access token expires, as reported by expires_in.
	Expiry time.Time
	// RefreshExpiry is when the refresh token expires, as reported by refresh_expires_in.
	// Zero when the server did not report it.
	RefreshExpiry time.Time
}

// Client performs OAuth grants.
type Client interface {
	Grant(ctx context.Context) (*TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// Config configures an OAuth2Client.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is used for token requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// OAuth2Client implements Client with golang.org/x/oauth2.
type OAuth2Client struct {
	credentials clientcredentials.Config
	refresh     oauth2.Config
	httpClient  *http.Client
}

var _ Client = (*OAuth2Client)(nil)

// New validates cfg and returns a client.
func New(cfg Config) (*OAuth2Client, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	return &OAuth2Client{
		credentials: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		refresh: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		httpClient: cfg.HTTPClient,
	}, nil
}

// TokenURL returns the token endpoint of realm on the server at baseURL.
func TokenURL(baseURL, realm string) string {
	return strings.TrimSuffix(baseURL, "/") + fmt.Sprintf(constants.APIPathTokenEndpoint, realm)
}

// Grant performs a client_credentials grant.
func (c *OAuth2Client) Grant(ctx context.Context) (*TokenSet, error) {
	tok, err := c.credentials.Token(c.withHTTPClient(ctx))
	if err != nil {
		return nil, classify("client_credentials grant", err)
	}
	return tokenSet(tok), nil
}

// Refresh performs a refresh_token grant.
func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh_token grant: %w: no refresh token held", ErrInvalidGrant)
	}

	// An empty access token forces the source to refresh immediately.
	src := c.refresh.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify("refresh_token grant", err)
	}
	return tokenSet(tok), nil
}

func (c *OAuth2Client) withHTTPClient(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func tokenSet(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if secs := extraSeconds(tok.Extra("refresh_expires_in")); secs > 0 {
		set.RefreshExpiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return set
}

func extraSeconds(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidGrant, re.ErrorDescription)
		}
		if re.Response != nil && (re.Response.StatusCode == http.StatusTooManyRequests || re.Response.StatusCode >= 500) {
			return operatorerrors.WrapTransientRemoteOverloaded(fmt.Errorf("%s: %w", op, err))
		}
		if re.ErrorCode == "unauthorized_client" || re.ErrorCode == "invalid_client" {
			return operatorerrors.WrapPermanentConfig(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if operatorerrors.IsTransientConnection(err) {
		return operatorerrors.WrapTransientConnection(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
