package keycloak

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// realmGuard throttles admin API calls to one realm and stops calling an operation that
// keeps failing. Every Client built for the same ClientKey shares one guard, so a token
// refresh does not reset it.
type realmGuard struct {
	limiter *rate.Limiter
	clock   clock.Clock

	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*breaker
}

// breaker tracks one admin API operation, such as "create role". Role names are not part
// of the key, so a failing realm trips once instead of once per role.
type breaker struct {
	failures  int
	openUntil time.Time
	// trial is set while the single request allowed after a cooldown is in flight.
	trial bool
}

var realmGuards sync.Map // ClientKey -> *realmGuard

func guardFor(cfg ClientConfig) *realmGuard {
	if cfg.ClientKey == "" {
		return nil
	}
	if g, ok := realmGuards.Load(cfg.ClientKey); ok {
		return g.(*realmGuard)
	}
	g, _ := realmGuards.LoadOrStore(cfg.ClientKey, newRealmGuard(cfg, clock.RealClock{}))
	return g.(*realmGuard)
}

func newRealmGuard(cfg ClientConfig, clk clock.Clock) *realmGuard {
	qps := cfg.RateLimitQPS
	if qps <= 0 {
		qps = constants.DefaultKeycloakQPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = constants.DefaultKeycloakBurst
	}
	threshold := cfg.BreakerFailureThreshold
	if threshold <= 0 {
		threshold = constants.DefaultKeycloakBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = constants.DefaultKeycloakBreakerCooldown
	}
	return &realmGuard{
		limiter:   rate.NewLimiter(rate.Limit(qps), burst),
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*breaker),
	}
}

func (g *realmGuard) breakerFor(op string) *breaker {
	b := g.breakers[op]
	if b == nil {
		b = &breaker{}
		g.breakers[op] = b
	}
	return b
}

// acquire waits for a rate limiter slot. It fails fast while op is cooling down, and after
// the cooldown lets exactly one trial request through until that request reports back.
func (g *realmGuard) acquire(ctx context.Context, op string) error {
	g.mu.Lock()
	b := g.breakerFor(op)
	if b.failures >= g.threshold {
		if wait := b.openUntil.Sub(g.clock.Now()); wait > 0 {
			g.mu.Unlock()
			return operatorerrors.WrapTransientRemoteOverloaded(
				fmt.Errorf("%s: Keycloak is failing, paused for %s", op, wait.Truncate(time.Second)))
		}
		if b.trial {
			g.mu.Unlock()
			return operatorerrors.WrapTransientRemoteOverloaded(
				fmt.Errorf("%s: Keycloak is failing, waiting for a trial request", op))
		}
		b.trial = true
	}
	trial := b.trial
	g.mu.Unlock()

	if err := g.limiter.Wait(ctx); err != nil {
		if trial {
			g.mu.Lock()
			b.trial = false
			g.mu.Unlock()
		}
		return err
	}
	return nil
}

// release records the outcome of a request admitted by acquire. A success closes the
// breaker; a failure during a trial pauses op for another cooldown.
func (g *realmGuard) release(op string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.breakerFor(op)
	b.trial = false
	if ok {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}
	b.failures++
	if b.failures >= g.threshold {
		b.failures = g.threshold
		b.openUntil = g.clock.Now().Add(g.cooldown)
	}
}
