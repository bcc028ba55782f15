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
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	"github.com/dc-tec/keycloak-sync-operator/internal/config"
	"github.com/dc-tec/keycloak-sync-operator/internal/credentials"
	"github.com/dc-tec/keycloak-sync-operator/internal/inventory"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/oauth"
	"github.com/dc-tec/keycloak-sync-operator/internal/preflight"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(primehubv1alpha1.AddToScheme(scheme))
	utilruntime.Must(apiextensionsv1.AddToScheme(scheme))
}

// Run starts the role syncer and blocks until the process is signalled.
func Run(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(fs)

	cfg, err := config.Load(fs, args, ".env")
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	restConfig := ctrl.GetConfigOrDie()
	kube, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to create Kubernetes client")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	if cfg.SkipCRDPreflight {
		setupLog.Info("Skipping CRD preflight")
	} else if err := preflight.CheckCRDs(ctx, kube, preflight.RequiredCRDs...); err != nil {
		setupLog.Error(err, "required CRDs are not available")
		os.Exit(1)
	} else if err := preflight.CheckAccess(ctx, kube, cfg.Namespace, preflight.RequiredRules(cfg.LeaderElect)); err != nil {
		setupLog.Error(err, "missing permissions; apply config/rbac/role.yaml")
		os.Exit(1)
	}

	caCert, err := readCACert(cfg.Keycloak.CACertFile)
	if err != nil {
		setupLog.Error(err, "unable to read Keycloak CA bundle")
		os.Exit(1)
	}

	loop, err := newCredentialLoop(ctx, cfg, caCert)
	if err != nil {
		setupLog.Error(err, "unable to obtain Keycloak credentials")
		os.Exit(1)
	}

	roles, err := keycloak.NewClientFactory(keycloak.ClientConfig{
		ClientKey:      cfg.Keycloak.URL + "/" + cfg.Keycloak.Realm,
		BaseURL:        cfg.Keycloak.URL,
		Realm:          cfg.Keycloak.Realm,
		CACert:         caCert,
		RequestTimeout: cfg.Keycloak.RequestTimeout,
		RateLimitQPS:   cfg.Keycloak.RateLimitQPS,
		RateLimitBurst: cfg.Keycloak.RateLimitBurst,
	})
	if err != nil {
		setupLog.Error(err, "unable to create Keycloak client")
		os.Exit(1)
	}

	parts := buildComponents(cfg, kube, loop, roles, ctrl.Log)

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       "keycloak-sync-leader.primehub.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := mgr.Add(loop); err != nil {
		setupLog.Error(err, "unable to add credential loop")
		os.Exit(1)
	}
	if err := mgr.Add(parts.observer); err != nil {
		setupLog.Error(err, "unable to add observer")
		os.Exit(1)
	}
	if cfg.InventoryAddr != "" {
		warmCaches(ctx, parts.collections, setupLog)
		if err := mgr.Add(inventory.NewServer(cfg.InventoryAddr, parts.collections, ctrl.Log)); err != nil {
			setupLog.Error(err, "unable to add inventory server")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", tokenCheck(loop)); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting role syncer", "namespace", cfg.Namespace, "realm", cfg.Keycloak.Realm)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func readCACert(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// newCredentialLoop performs the initial grant so a misconfigured client fails at startup
// rather than on the first event.
func newCredentialLoop(ctx context.Context, cfg config.Config, caCert []byte) (*credentials.Loop, error) {
	httpClient, err := keycloak.NewHTTPClient(caCert, 0, cfg.Keycloak.RequestTimeout)
	if err != nil {
		return nil, err
	}
	tokens, err := oauth.New(oauth.Config{
		TokenURL:     oauth.TokenURL(cfg.Keycloak.URL, cfg.Keycloak.Realm),
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, err
	}

	log := ctrl.Log
	loop := credentials.NewLoop(tokens, cfg.Keycloak.ClientID,
		credentials.WithTiming(credentials.Timing{
			Interval:   cfg.Refresh.Interval,
			Margin:     cfg.Refresh.SafetyMargin,
			MaxRetries: cfg.Refresh.MaxRetries,
		}),
		credentials.WithLogger(log),
		credentials.WithPolicy(credentials.HaltPolicy{Log: log.WithName("credentials")}),
	)
	if err := loop.Init(ctx); err != nil {
		return nil, err
	}
	return loop, nil
}

func tokenCheck(tokens interface{ GetAccessToken() (string, error) }) healthz.Checker {
	return func(_ *http.Request) error {
		_, err := tokens.GetAccessToken()
		return err
	}
}
