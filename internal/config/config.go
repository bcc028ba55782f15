// Package config assembles the syncer configuration from defaults, an optional .env file,
// the environment, command-line flags and an optional HCL kinds file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/rolesync"
)

// Keycloak holds the identity provider connection settings.
type Keycloak struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
	CACertFile   string

	// EveryoneGroupID receives the roles of global resources. Empty disables assignment.
	EveryoneGroupID string

	RequestTimeout time.Duration
	RateLimitQPS   float64
	RateLimitBurst int
}

// Refresh holds the credential refresh timing.
type Refresh struct {
	Interval     time.Duration
	SafetyMargin time.Duration
	MaxRetries   int
}

// Rewatch holds the watch restart backoff.
type Rewatch struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Config is the complete syncer configuration.
type Config struct {
	// Namespace holds the tracked custom resources.
	Namespace string

	Keycloak Keycloak
	Refresh  Refresh
	Rewatch  Rewatch

	// CacheMaxAge bounds the staleness of the inventory caches.
	CacheMaxAge time.Duration
	// ResyncSchedule is a 5-field cron expression. Empty disables scheduled resync.
	ResyncSchedule string

	// KindsFile is an optional HCL file overriding per-kind role settings.
	KindsFile string
	Kinds     map[string]KindSettings

	InventoryAddr    string
	MetricsAddr      string
	ProbeAddr        string
	LeaderElect      bool
	SkipCRDPreflight bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Namespace: constants.DefaultNamespace,
		Keycloak: Keycloak{
			RequestTimeout: 30 * time.Second,
			RateLimitQPS:   constants.DefaultKeycloakQPS,
			RateLimitBurst: constants.DefaultKeycloakBurst,
		},
		Refresh: Refresh{
			Interval:     constants.DefaultRefreshInterval,
			SafetyMargin: constants.DefaultRefreshSafetyMargin,
			MaxRetries:   constants.DefaultRefreshMaxRetries,
		},
		Rewatch: Rewatch{
			InitialDelay: constants.DefaultRewatchInitialDelay,
			MaxDelay:     constants.DefaultRewatchMaxDelay,
		},
		CacheMaxAge:    constants.DefaultCacheMaxAge,
		ResyncSchedule: constants.DefaultResyncSchedule,
		Kinds:          DefaultKinds(),
		InventoryAddr:  ":8082",
		MetricsAddr:    ":8080",
		ProbeAddr:      ":8081",
	}
}

// LoadDotEnv loads path into the process environment without overriding variables that
// are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with the variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(constants.EnvPodNamespace, &c.Namespace)
	str(constants.EnvKeycloakURL, &c.Keycloak.URL)
	str(constants.EnvKeycloakRealm, &c.Keycloak.Realm)
	str(constants.EnvKeycloakClientID, &c.Keycloak.ClientID)
	str(constants.EnvKeycloakClientSecret, &c.Keycloak.ClientSecret)
	str(constants.EnvKeycloakCACertFile, &c.Keycloak.CACertFile)
	str(constants.EnvEveryoneGroupID, &c.Keycloak.EveryoneGroupID)
	str(constants.EnvKindsFile, &c.KindsFile)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{constants.EnvCacheMaxAge, &c.CacheMaxAge},
		{constants.EnvRefreshInterval, &c.Refresh.Interval},
		{constants.EnvRefreshSafetyMargin, &c.Refresh.SafetyMargin},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return operatorerrors.WrapPermanentConfig(fmt.Errorf("%s: %w", d.key, err))
		}
		*d.dst = parsed
	}

	if v, ok := lookup(constants.EnvRefreshMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return operatorerrors.WrapPermanentConfig(fmt.Errorf("%s: %w", constants.EnvRefreshMaxRetries, err))
		}
		c.Refresh.MaxRetries = n
	}
	return nil
}

// BindFlags registers flags on fs whose defaults are the current values of c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "Namespace holding the tracked custom resources.")

	fs.StringVar(&c.Keycloak.URL, "keycloak-url", c.Keycloak.URL, "Base URL of Keycloak, e.g. https://id.example.com.")
	fs.StringVar(&c.Keycloak.Realm, "keycloak-realm", c.Keycloak.Realm, "Keycloak realm holding the roles.")
	fs.StringVar(&c.Keycloak.ClientID, "keycloak-client-id", c.Keycloak.ClientID, "Client ID used for the client_credentials grant.")
	fs.StringVar(&c.Keycloak.ClientSecret, "keycloak-client-secret", c.Keycloak.ClientSecret,
		"Client secret. Prefer the "+constants.EnvKeycloakClientSecret+" environment variable.")
	fs.StringVar(&c.Keycloak.CACertFile, "keycloak-ca-cert-file", c.Keycloak.CACertFile, "PEM bundle trusted for Keycloak TLS.")
	fs.StringVar(&c.Keycloak.EveryoneGroupID, "everyone-group-id", c.Keycloak.EveryoneGroupID,
		"Keycloak group that receives roles of global resources.")
	fs.DurationVar(&c.Keycloak.RequestTimeout, "keycloak-request-timeout", c.Keycloak.RequestTimeout, "Timeout of a single Keycloak request.")
	fs.Float64Var(&c.Keycloak.RateLimitQPS, "keycloak-qps", c.Keycloak.RateLimitQPS, "Admin API requests per second.")
	fs.IntVar(&c.Keycloak.RateLimitBurst, "keycloak-burst", c.Keycloak.RateLimitBurst, "Admin API request burst.")

	fs.DurationVar(&c.Refresh.Interval, "refresh-interval", c.Refresh.Interval, "How often the access token expiry is checked.")
	fs.DurationVar(&c.Refresh.SafetyMargin, "refresh-safety-margin", c.Refresh.SafetyMargin,
		"Refresh when the access token expires within this margin.")
	fs.IntVar(&c.Refresh.MaxRetries, "refresh-max-retries", c.Refresh.MaxRetries,
		"Consecutive refresh failures tolerated before the process exits.")

	fs.DurationVar(&c.Rewatch.InitialDelay, "rewatch-initial-delay", c.Rewatch.InitialDelay, "First delay before reopening a watch.")
	fs.DurationVar(&c.Rewatch.MaxDelay, "rewatch-max-delay", c.Rewatch.MaxDelay, "Upper bound of the rewatch delay.")

	fs.DurationVar(&c.CacheMaxAge, "cache-max-age", c.CacheMaxAge, "Maximum age of a cache snapshot.")
	fs.StringVar(&c.ResyncSchedule, "resync-schedule", c.ResyncSchedule, "Cron schedule of the full resync. Empty disables it.")
	fs.StringVar(&c.KindsFile, "kinds-file", c.KindsFile, "HCL file overriding per-kind role settings.")

	fs.StringVar(&c.InventoryAddr, "inventory-bind-address", c.InventoryAddr, "Address of the inventory view. Empty disables it.")
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", c.MetricsAddr, "The address the metrics endpoint binds to.")
	fs.StringVar(&c.ProbeAddr, "health-probe-bind-address", c.ProbeAddr, "The address the probe endpoint binds to.")
	fs.BoolVar(&c.LeaderElect, "leader-elect", c.LeaderElect,
		"Enable leader election. Only the leader reconciles roles; every replica serves the inventory.")
	fs.BoolVar(&c.SkipCRDPreflight, "skip-crd-preflight", c.SkipCRDPreflight, "Do not check that the CRDs are installed at startup.")
}

// LoadKinds applies KindsFile, if set, on top of the built-in kinds.
func (c *Config) LoadKinds() error {
	if c.KindsFile == "" {
		return nil
	}
	src, err := os.ReadFile(c.KindsFile)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("failed to read kinds file: %w", err))
	}
	kinds, err := ParseKinds(src, c.KindsFile)
	if err != nil {
		return err
	}
	c.Kinds = kinds
	return nil
}

// Load runs the full precedence chain: defaults, .env, environment, flags, kinds file.
// dotEnv may be empty.
func Load(fs *flag.FlagSet, args []string, dotEnv string) (Config, error) {
	cfg := Default()
	if err := LoadDotEnv(dotEnv); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.LoadKinds(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"keycloak url", c.Keycloak.URL},
		{"keycloak realm", c.Keycloak.Realm},
		{"keycloak client id", c.Keycloak.ClientID},
		{"namespace", c.Namespace},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"cache max age", c.CacheMaxAge},
		{"refresh interval", c.Refresh.Interval},
		{"refresh safety margin", c.Refresh.SafetyMargin},
		{"rewatch initial delay", c.Rewatch.InitialDelay},
		{"rewatch max delay", c.Rewatch.MaxDelay},
		{"keycloak request timeout", c.Keycloak.RequestTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.value))
		}
	}
	if c.Rewatch.MaxDelay < c.Rewatch.InitialDelay {
		errs = append(errs, fmt.Errorf("rewatch max delay %s is below the initial delay %s", c.Rewatch.MaxDelay, c.Rewatch.InitialDelay))
	}
	if c.Refresh.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("refresh max retries must be at least 1, got %d", c.Refresh.MaxRetries))
	}
	if c.Keycloak.RateLimitQPS <= 0 || c.Keycloak.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("keycloak rate limit must be positive"))
	}

	if c.ResyncSchedule != "" {
		if _, err := rolesync.ParseSchedule(c.ResyncSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	for name := range c.Kinds {
		if !isKnownKind(name) {
			errs = append(errs, fmt.Errorf("unknown kind %q", name))
		}
	}

	if len(errs) > 0 {
		return operatorerrors.WrapPermanentConfig(errors.Join(errs...))
	}
	return nil
}
