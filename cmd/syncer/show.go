/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncer

import (
	"flag"
	"fmt"
	"io"

	"github.com/dc-tec/keycloak-sync-operator/internal/config"
)

const redacted = "<redacted>"

// ShowConfig prints the effective configuration after defaults, .env, environment and
// flags are applied, followed by the kinds in HCL form.
func ShowConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := config.Load(fs, args, ".env")
	if err != nil {
		return err
	}
	writeConfig(out, cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "\n# invalid: %v\n", err)
	}
	return nil
}

func writeConfig(out io.Writer, cfg config.Config) {
	secret := ""
	if cfg.Keycloak.ClientSecret != "" {
		secret = redacted
	}
	rows := []struct {
		key   string
		value any
	}{
		{"namespace", cfg.Namespace},
		{"keycloak-url", cfg.Keycloak.URL},
		{"keycloak-realm", cfg.Keycloak.Realm},
		{"keycloak-client-id", cfg.Keycloak.ClientID},
		{"keycloak-client-secret", secret},
		{"keycloak-ca-cert-file", cfg.Keycloak.CACertFile},
		{"everyone-group-id", cfg.Keycloak.EveryoneGroupID},
		{"keycloak-request-timeout", cfg.Keycloak.RequestTimeout},
		{"keycloak-qps", cfg.Keycloak.RateLimitQPS},
		{"keycloak-burst", cfg.Keycloak.RateLimitBurst},
		{"refresh-interval", cfg.Refresh.Interval},
		{"refresh-safety-margin", cfg.Refresh.SafetyMargin},
		{"refresh-max-retries", cfg.Refresh.MaxRetries},
		{"rewatch-initial-delay", cfg.Rewatch.InitialDelay},
		{"rewatch-max-delay", cfg.Rewatch.MaxDelay},
		{"cache-max-age", cfg.CacheMaxAge},
		{"resync-schedule", cfg.ResyncSchedule},
		{"inventory-bind-address", cfg.InventoryAddr},
		{"metrics-bind-address", cfg.MetricsAddr},
		{"health-probe-bind-address", cfg.ProbeAddr},
		{"leader-elect", cfg.LeaderElect},
		{"skip-crd-preflight", cfg.SkipCRDPreflight},
	}
	for _, r := range rows {
		fmt.Fprintf(out, "# %s = %v\n", r.key, r.value)
	}
	fmt.Fprintln(out)
	_, _ = out.Write(config.RenderKinds(cfg.Kinds))
}
