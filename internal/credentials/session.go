package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dc-tec/keycloak-sync-operator/internal/oauth"
)

// Session holds a human's token pair and refreshes it through the token endpoint. Its
// Refresh method is the TokenSetFunc of an InteractiveSyncer.
type Session struct {
	client    oauth.Client
	onRefresh func(*oauth.TokenSet) error

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewSession returns a session seeded with an existing token pair. onRefresh, when not nil,
// is called with every new token set before the expiries are reported.
func NewSession(client oauth.Client, accessToken, refreshToken string, onRefresh func(*oauth.TokenSet) error) *Session {
	return &Session{
		client:       client,
		onRefresh:    onRefresh,
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// Expiries decodes the expiries of the current token pair.
func (s *Session) Expiries() (ExpirySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ExpirySetFromTokens(s.accessToken, s.refreshToken)
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// Refresh exchanges the refresh token. A rejected grant means the session is gone on the
// server and yields an empty ExpirySet rather than an error.
func (s *Session) Refresh(ctx context.Context) (ExpirySet, error) {
	s.mu.Lock()
	rt := s.refreshToken
	s.mu.Unlock()

	set, err := s.client.Refresh(ctx, rt)
	if errors.Is(err, oauth.ErrInvalidGrant) {
		return ExpirySet{}, nil
	}
	if err != nil {
		return ExpirySet{}, err
	}

	refreshToken := set.RefreshToken
	if refreshToken == "" {
		refreshToken = rt
	}
	next, err := ExpirySetFromTokens(set.AccessToken, refreshToken)
	if err != nil {
		return ExpirySet{}, fmt.Errorf("refresh returned an unusable token: %w", err)
	}
	if s.onRefresh != nil {
		if err := s.onRefresh(set); err != nil {
			return ExpirySet{}, err
		}
	}

	s.mu.Lock()
	s.accessToken = set.AccessToken
	s.refreshToken = refreshToken
	s.mu.Unlock()
	return next, nil
}
