package constants

// Environment variable keys read by the syncer.
const (
	// Kubernetes metadata
	EnvPodNamespace = "POD_NAMESPACE"

	// Keycloak connection
	EnvKeycloakURL          = "KEYCLOAK_URL"
	EnvKeycloakRealm        = "KEYCLOAK_REALM"
	EnvKeycloakClientID     = "KEYCLOAK_CLIENT_ID"
	EnvKeycloakClientSecret = "KEYCLOAK_CLIENT_SECRET"
	EnvKeycloakCACertFile   = "KEYCLOAK_CA_CERT_FILE"

	// Role wiring
	EnvEveryoneGroupID = "EVERYONE_GROUP_ID"
	EnvKindsFile       = "KINDS_FILE"
)

// Timing overrides. Values use time.ParseDuration syntax except the retry count.
const (
	EnvCacheMaxAge         = "CACHE_MAX_AGE"
	EnvRefreshInterval     = "REFRESH_INTERVAL"
	EnvRefreshSafetyMargin = "REFRESH_SAFETY_MARGIN"
	EnvRefreshMaxRetries   = "REFRESH_MAX_RETRIES"
)
