package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/token"
)

// ExpirySet carries the expiries, in seconds since the epoch, of a session's token pair.
// Zero means the value is absent.
type ExpirySet struct {
	AccessTokenExp  int64
	RefreshTokenExp int64
}

// ExpirySetFromTokens decodes the exp claims of an access and refresh token. An empty
// refresh token yields a zero RefreshTokenExp.
func ExpirySetFromTokens(accessToken, refreshToken string) (ExpirySet, error) {
	access, err := token.Parse(accessToken)
	if err != nil {
		return ExpirySet{}, fmt.Errorf("invalid access token: %w", err)
	}
	set := ExpirySet{AccessTokenExp: access.Expiry()}
	if refreshToken != "" {
		refresh, err := token.Parse(refreshToken)
		if err != nil {
			return ExpirySet{}, fmt.Errorf("invalid refresh token: %w", err)
		}
		set.RefreshTokenExp = refresh.Expiry()
	}
	return set, nil
}

// TokenSetFunc performs the network refresh of a session and returns the new expiries.
type TokenSetFunc func(ctx context.Context) (ExpirySet, error)

// InteractiveOption configures an InteractiveSyncer.
type InteractiveOption func(*InteractiveSyncer)

// WithInteractiveTiming overrides the schedule. Zero fields keep their defaults.
func WithInteractiveTiming(t Timing) InteractiveOption {
	return func(s *InteractiveSyncer) {
		s.timing = t.withDefaults(DefaultInteractiveTiming())
	}
}

// WithInteractiveClock injects the clock.
func WithInteractiveClock(c clock.Clock) InteractiveOption {
	return func(s *InteractiveSyncer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInteractiveLogger sets the logger.
func WithInteractiveLogger(log logr.Logger) InteractiveOption {
	return func(s *InteractiveSyncer) {
		s.log = log
	}
}

// InteractiveSyncer keeps a human's session alive. Unlike Loop it never terminates the
// process: when the session cannot be extended it warns once through the policy, and when
// the session is gone it forces a logout.
type InteractiveSyncer struct {
	getNewTokenSet TokenSetFunc
	policy         ExhaustionPolicy
	timing         Timing
	clock          clock.Clock
	log            logr.Logger

	current    ExpirySet
	initial    bool
	cantExtend bool
	notified   bool
	done       bool
	retries    *escalator
}

// NewInteractiveSyncer returns a syncer for a session currently holding current.
// The first Step always refreshes, whatever the remaining validity.
func NewInteractiveSyncer(current ExpirySet, getNewTokenSet TokenSetFunc, policy ExhaustionPolicy, opts ...InteractiveOption) *InteractiveSyncer {
	s := &InteractiveSyncer{
		getNewTokenSet: getNewTokenSet,
		policy:         policy,
		timing:         DefaultInteractiveTiming(),
		clock:          clock.RealClock{},
		log:            logr.Discard(),
		current:        current,
		initial:        true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("credentials").WithValues("variant", variantInteractive)
	s.retries = &escalator{
		variant:    variantInteractive,
		maxRetries: s.timing.MaxRetries,
		policy:     policy,
		log:        s.log,
	}
	return s
}

// Run steps every poll interval until the session ends or ctx is cancelled.
func (s *InteractiveSyncer) Run(ctx context.Context) {
	run(ctx, s.clock, s.timing.Interval, true, s.Step)
}

// Current returns the expiries the syncer currently believes in.
func (s *InteractiveSyncer) Current() ExpirySet {
	return s.current
}

// Step runs one check and reports whether the syncer has stopped.
func (s *InteractiveSyncer) Step(ctx context.Context) bool {
	if s.done {
		return true
	}

	now := s.clock.Now()
	remaining := secondsUntil(s.current.AccessTokenExp, now)

	if s.cantExtend {
		if !s.notified && s.timing.due(remaining) {
			s.warn(ctx, remaining)
		}
		if remaining <= 0 {
			s.logout(ctx, fmt.Errorf("%w: session could not be extended", operatorerrors.ErrTokenExpired))
			return true
		}
		return false
	}

	if !s.initial && !s.timing.due(remaining) {
		return false
	}

	if s.retries.tripped() {
		s.done = true
		s.retries.trip(ctx, nil)
		return true
	}

	next, err := s.getNewTokenSet(ctx)
	if err != nil {
		s.retries.failure(err)
		return false
	}
	s.initial = false
	s.retries.success()

	if next.AccessTokenExp == 0 && next.RefreshTokenExp == 0 {
		s.logout(ctx, fmt.Errorf("session is no longer active"))
		return true
	}

	if next.RefreshTokenExp <= s.current.RefreshTokenExp && !s.notified && s.timing.due(remaining) {
		s.warn(ctx, remaining)
	}

	if next.AccessTokenExp <= s.current.AccessTokenExp {
		s.cantExtend = true
		s.log.Info("Access token can no longer be extended; waiting for expiry",
			"expiresIn", secondsUntil(next.AccessTokenExp, now).String())
	}

	s.current = next
	return false
}

// warn asks the user to log in again. It fires at most once per session.
func (s *InteractiveSyncer) warn(ctx context.Context, remaining time.Duration) {
	s.notified = true
	s.policy.Warn(ctx, remaining)
}

func (s *InteractiveSyncer) logout(ctx context.Context, reason error) {
	s.done = true
	s.log.Info("Session ended, forcing logout", "reason", reason.Error())
	s.policy.Exhausted(ctx, reason)
}

func secondsUntil(exp int64, now time.Time) time.Duration {
	if exp == 0 {
		return 0
	}
	return time.Duration(exp-now.Unix()) * time.Second
}
