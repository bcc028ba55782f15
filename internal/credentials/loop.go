package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/logging"
	"github.com/dc-tec/keycloak-sync-operator/internal/oauth"
	"github.com/dc-tec/keycloak-sync-operator/internal/token"
)

// credential is an immutable snapshot of the held token pair.
type credential struct {
	access        *token.Token
	refresh       string
	refreshExpiry time.Time
}

func newCredential(set *oauth.TokenSet) (*credential, error) {
	access, err := token.Parse(set.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	c := &credential{
		access:        access,
		refresh:       set.RefreshToken,
		refreshExpiry: set.RefreshExpiry,
	}
	// Keycloak refresh tokens are JWTs; their exp claim is authoritative.
	if rt, err := token.Parse(set.RefreshToken); err == nil && rt.Expiry() != 0 {
		c.refreshExpiry = rt.ExpiresAt()
	}
	return c, nil
}

// extends reports whether c's refresh token outlives prev's. An unknown expiry on either
// side never counts as an extension.
func (c *credential) extends(prev *credential) bool {
	if c.refreshExpiry.IsZero() || prev.refreshExpiry.IsZero() {
		return false
	}
	return c.refreshExpiry.After(prev.refreshExpiry)
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithTiming overrides the schedule. Zero fields keep their defaults.
func WithTiming(t Timing) LoopOption {
	return func(l *Loop) {
		l.timing = t.withDefaults(DefaultServerTiming())
	}
}

// WithClock injects the clock.
func WithClock(c clock.Clock) LoopOption {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) LoopOption {
	return func(l *Loop) {
		l.log = log
	}
}

// WithPolicy replaces the default HaltPolicy.
func WithPolicy(p ExhaustionPolicy) LoopOption {
	return func(l *Loop) {
		l.policy = p
	}
}

// Loop holds the process credential and renews it before it expires. Renewal uses the
// refresh_token grant and falls back to client_credentials when the refresh token is
// rejected or no longer extends the session. After Timing.MaxRetries consecutive failures
// the ExhaustionPolicy is invoked; the default policy terminates the process.
//
// Sync is not safe for concurrent use; GetAccessToken is.
type Loop struct {
	client   oauth.Client
	clientID string
	timing   Timing
	clock    clock.Clock
	log      logr.Logger
	policy   ExhaustionPolicy

	current atomic.Pointer[credential]
	halted  atomic.Bool
	retries *escalator
}

// NewLoop returns a loop renewing credentials through client. clientID selects the
// resource_access entry consulted by HasApplicationRole.
func NewLoop(client oauth.Client, clientID string, opts ...LoopOption) *Loop {
	l := &Loop{
		client:   client,
		clientID: clientID,
		timing:   DefaultServerTiming(),
		clock:    clock.RealClock{},
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithName("credentials").WithValues("variant", variantServer)
	if l.policy == nil {
		l.policy = HaltPolicy{Log: l.log}
	}
	l.retries = &escalator{
		variant:    variantServer,
		maxRetries: l.timing.MaxRetries,
		policy:     l.policy,
		log:        l.log,
	}
	return l
}

// Init performs the initial client_credentials grant.
func (l *Loop) Init(ctx context.Context) error {
	if err := l.grant(ctx); err != nil {
		return fmt.Errorf("initial client_credentials grant failed: %w", err)
	}
	cur := l.current.Load()
	l.log.Info("Obtained initial credentials", "expiresIn", cur.access.TimeUntilExpiry(l.clock.Now()).String())
	return nil
}

// Start initialises the loop if needed and then syncs every Timing.Interval until ctx is
// cancelled or the credentials are exhausted. It implements manager.Runnable.
func (l *Loop) Start(ctx context.Context) error {
	if l.current.Load() == nil {
		if err := l.Init(ctx); err != nil {
			return err
		}
	}

	run(ctx, l.clock, l.timing.Interval, false, func(ctx context.Context) bool {
		return !l.Sync(ctx)
	})

	if l.halted.Load() {
		return fmt.Errorf("credential loop halted: %w", operatorerrors.ErrCredentialExhausted)
	}
	return nil
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every replica needs its
// own credential.
func (l *Loop) NeedLeaderElection() bool {
	return false
}

// Sync runs one scheduled step and reports whether the loop should keep running.
func (l *Loop) Sync(ctx context.Context) bool {
	if l.halted.Load() {
		return false
	}
	if l.retries.tripped() {
		l.halt(ctx)
		return false
	}

	cur := l.current.Load()
	if cur == nil {
		if err := l.grant(ctx); err != nil {
			l.retries.failure(err)
			return true
		}
		l.retries.success()
		return true
	}

	remaining := cur.access.TimeUntilExpiry(l.clock.Now())
	if !l.timing.due(remaining) {
		return true
	}

	l.log.V(1).Info("Access token close to expiry, refreshing", "expiresIn", remaining.String())
	if err := l.renew(ctx, cur); err != nil {
		l.retries.failure(err)
		return true
	}
	l.retries.success()
	return true
}

func (l *Loop) halt(ctx context.Context) {
	l.halted.Store(true)
	l.retries.trip(ctx, nil)
}

func (l *Loop) renew(ctx context.Context, cur *credential) error {
	set, err := l.client.Refresh(ctx, cur.refresh)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			return l.fallback(ctx, "refresh token rejected")
		}
		return err
	}

	next, err := newCredential(set)
	if err != nil {
		return err
	}
	if !next.extends(cur) {
		return l.fallback(ctx, "refresh token expiry did not advance")
	}

	l.current.Store(next)
	l.log.V(1).Info("Refreshed credentials", "expiresIn", next.access.TimeUntilExpiry(l.clock.Now()).String())
	return nil
}

func (l *Loop) fallback(ctx context.Context, reason string) error {
	logging.LogAuditEvent(l.log, logging.EventCredentialFallback, map[string]string{
		"reason": reason,
	})
	return l.grant(ctx)
}

func (l *Loop) grant(ctx context.Context) error {
	set, err := l.client.Grant(ctx)
	if err != nil {
		return err
	}
	next, err := newCredential(set)
	if err != nil {
		return err
	}
	l.current.Store(next)
	return nil
}

// GetAccessToken returns the held access token. It fails when no token has been obtained
// yet or when the held token has expired.
func (l *Loop) GetAccessToken() (string, error) {
	cur := l.current.Load()
	if cur == nil {
		return "", fmt.Errorf("no access token held: credential loop not initialised")
	}
	if cur.access.IsExpired(l.clock.Now()) {
		return "", fmt.Errorf("%w at %s", operatorerrors.ErrTokenExpired, cur.access.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return cur.access.String(), nil
}

// HasApplicationRole reports whether the held access token grants role on the configured
// client.
func (l *Loop) HasApplicationRole(role string) bool {
	cur := l.current.Load()
	if cur == nil {
		return false
	}
	return cur.access.HasApplicationRole(l.clientID, role)
}

// Token returns the held access token, or nil before Init.
func (l *Loop) Token() *token.Token {
	cur := l.current.Load()
	if cur == nil {
		return nil
	}
	return cur.access
}
