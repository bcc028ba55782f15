// Package credentials keeps OAuth credentials alive. Both the autonomous server loop and
// the interactive session syncer share one expiry-driven core and differ only in the
// ExhaustionPolicy applied when renewal can no longer succeed.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/logging"
)

// Timing holds the schedule shared by both loops.
type Timing struct {
	// Interval is the delay between two checks.
	Interval time.Duration
	// Margin is how close to expiry a credential may get before it is renewed.
	Margin time.Duration
	// MaxRetries is the number of consecutive failures tolerated before the
	// ExhaustionPolicy is invoked.
	MaxRetries int
}

// DefaultServerTiming returns the defaults of the autonomous loop.
func DefaultServerTiming() Timing {
	return Timing{
		Interval:   constants.DefaultRefreshInterval,
		Margin:     constants.DefaultRefreshSafetyMargin,
		MaxRetries: constants.DefaultRefreshMaxRetries,
	}
}

// DefaultInteractiveTiming returns the defaults of the interactive syncer.
func DefaultInteractiveTiming() Timing {
	return Timing{
		Interval:   constants.DefaultInteractivePollInterval,
		Margin:     constants.DefaultRefreshSafetyMargin,
		MaxRetries: constants.DefaultRefreshMaxRetries,
	}
}

func (t Timing) withDefaults(defaults Timing) Timing {
	if t.Interval <= 0 {
		t.Interval = defaults.Interval
	}
	if t.Margin <= 0 {
		t.Margin = defaults.Margin
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = defaults.MaxRetries
	}
	return t
}

// due reports whether a credential with remaining validity should be renewed now.
func (t Timing) due(remaining time.Duration) bool {
	return remaining <= t.Margin
}

// ExhaustionPolicy decides what happens when credentials can no longer be renewed.
type ExhaustionPolicy interface {
	// Warn is called when the session will end within the safety margin and cannot be
	// extended.
	Warn(ctx context.Context, remaining time.Duration)
	// Exhausted is called once renewal has definitively failed. The loop stops afterwards.
	Exhausted(ctx context.Context, err error)
}

// escalator counts consecutive renewal failures and trips the policy at the ceiling.
type escalator struct {
	variant    string
	maxRetries int
	policy     ExhaustionPolicy
	log        logr.Logger

	retryCount int
	lastErr    error
}

func (e *escalator) failure(err error) {
	e.retryCount++
	e.lastErr = err
	recordRefresh(e.variant, "error")
	setRetryCount(e.variant, e.retryCount)
	e.log.Error(err, "Credential renewal failed",
		"attempt", e.retryCount, "maxRetries", e.maxRetries, "transient", operatorerrors.IsTransient(err))
}

func (e *escalator) success() {
	e.retryCount = 0
	e.lastErr = nil
	recordRefresh(e.variant, "success")
	setRetryCount(e.variant, 0)
}

func (e *escalator) tripped() bool {
	return e.retryCount >= e.maxRetries
}

// trip invokes the policy with an error wrapping ErrCredentialExhausted.
func (e *escalator) trip(ctx context.Context, cause error) {
	if cause == nil {
		cause = e.lastErr
	}
	err := fmt.Errorf("%w after %d attempts", operatorerrors.ErrCredentialExhausted, e.retryCount)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}

	logging.LogAuditEvent(e.log, logging.EventCredentialCircuitBreak, map[string]string{
		"variant":  e.variant,
		"attempts": fmt.Sprint(e.retryCount),
	})
	e.log.Error(err, "Credential circuit breaker tripped")
	e.policy.Exhausted(ctx, err)
}

// run calls step every interval until step reports stop or ctx is cancelled. When
// immediate is false the first step waits one interval.
func run(ctx context.Context, clk clock.Clock, interval time.Duration, immediate bool, step func(context.Context) bool) {
	if immediate && step(ctx) {
		return
	}
	for {
		timer := clk.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if step(ctx) {
			return
		}
	}
}

// IsExhausted reports whether err reports exhausted credentials.
func IsExhausted(err error) bool {
	return errors.Is(err, operatorerrors.ErrCredentialExhausted)
}
