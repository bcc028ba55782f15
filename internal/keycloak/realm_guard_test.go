package keycloak

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

func TestRealmGuard_Defaults(t *testing.T) {
	g := newRealmGuard(ClientConfig{}, clocktesting.NewFakeClock(time.Now()))
	if g.threshold != constants.DefaultKeycloakBreakerThreshold {
		t.Fatalf("threshold = %d, want %d", g.threshold, constants.DefaultKeycloakBreakerThreshold)
	}
	if g.cooldown != constants.DefaultKeycloakBreakerCooldown {
		t.Fatalf("cooldown = %s, want %s", g.cooldown, constants.DefaultKeycloakBreakerCooldown)
	}
	if g.limiter.Burst() != constants.DefaultKeycloakBurst {
		t.Fatalf("burst = %d, want %d", g.limiter.Burst(), constants.DefaultKeycloakBurst)
	}
}

func TestRealmGuard_PausesFailingOperation(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := newRealmGuard(ClientConfig{
		RateLimitQPS:            1000,
		RateLimitBurst:          1000,
		BreakerFailureThreshold: 3,
		BreakerCooldown:         15 * time.Second,
	}, clk)

	for i := 0; i < 3; i++ {
		if err := g.acquire(ctx, "create role"); err != nil {
			t.Fatalf("acquire() #%d error = %v", i, err)
		}
		g.release("create role", false)
	}

	err := g.acquire(ctx, "create role")
	if !operatorerrors.IsTransientRemoteOverloaded(err) {
		t.Fatalf("acquire() on a tripped operation = %v, want overload error", err)
	}
	if err := g.acquire(ctx, "find role"); err != nil {
		t.Fatalf("acquire() on another operation error = %v", err)
	}
	g.release("find role", true)

	clk.Step(15 * time.Second)
	if err := g.acquire(ctx, "create role"); err != nil {
		t.Fatalf("trial acquire() error = %v", err)
	}
	if err := g.acquire(ctx, "create role"); !operatorerrors.IsTransientRemoteOverloaded(err) {
		t.Fatalf("second acquire() during a trial = %v, want overload error", err)
	}

	// A failed trial pauses the operation for another cooldown.
	g.release("create role", false)
	if err := g.acquire(ctx, "create role"); !operatorerrors.IsTransientRemoteOverloaded(err) {
		t.Fatalf("acquire() after a failed trial = %v, want overload error", err)
	}

	clk.Step(15 * time.Second)
	if err := g.acquire(ctx, "create role"); err != nil {
		t.Fatalf("trial acquire() error = %v", err)
	}
	g.release("create role", true)
	for i := 0; i < 2; i++ {
		if err := g.acquire(ctx, "create role"); err != nil {
			t.Fatalf("acquire() after recovery #%d error = %v", i, err)
		}
		g.release("create role", true)
	}
}

func TestRealmGuard_CancelledTrialIsReleased(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := newRealmGuard(ClientConfig{
		RateLimitQPS:            1000,
		RateLimitBurst:          1000,
		BreakerFailureThreshold: 1,
		BreakerCooldown:         time.Second,
	}, clk)

	if err := g.acquire(context.Background(), "delete role"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	g.release("delete role", false)
	clk.Step(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.acquire(ctx, "delete role"); err == nil {
		t.Fatalf("acquire() with a cancelled context succeeded")
	}
	if err := g.acquire(context.Background(), "delete role"); err != nil {
		t.Fatalf("acquire() after a cancelled trial error = %v", err)
	}
}
