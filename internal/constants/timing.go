package constants

import "time"

// Cache and reconciliation timing defaults.
const (
	DefaultCacheMaxAge = 60 * time.Second

	DefaultRewatchInitialDelay = 1 * time.Second
	DefaultRewatchMaxDelay     = 2 * time.Minute
	DefaultRewatchFactor       = 2.0
	DefaultRewatchJitter       = 0.1

	DefaultResyncSchedule = "*/30 * * * *"
)

// Credential refresh defaults.
const (
	DefaultRefreshInterval     = 30 * time.Second
	DefaultRefreshSafetyMargin = 60 * time.Second
	DefaultRefreshMaxRetries   = 3

	DefaultInteractivePollInterval = 1 * time.Second
)

// Keycloak admin API guard defaults. A resync issues a lookup and a few writes per
// resource, so the breaker trips after a short run of failures on one operation.
const (
	DefaultKeycloakQPS   = 10.0
	DefaultKeycloakBurst = 20

	DefaultKeycloakBreakerThreshold = 5
	DefaultKeycloakBreakerCooldown  = 15 * time.Second
)
