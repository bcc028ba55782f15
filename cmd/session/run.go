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

package session

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/dc-tec/keycloak-sync-operator/internal/auth"
	"github.com/dc-tec/keycloak-sync-operator/internal/config"
	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	"github.com/dc-tec/keycloak-sync-operator/internal/credentials"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/oauth"
)

// ErrSessionEnded is returned once the session is gone and the user was logged out.
var ErrSessionEnded = errors.New("session ended")

// Run keeps a user's session alive by refreshing the token pair stored in two files. It
// warns on stderr once the session can no longer be extended and exits after a forced
// logout.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stderr)
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	accessFile := fs.String("access-token-file", "", "File holding the access token. Rewritten after every refresh.")
	refreshFile := fs.String("refresh-token-file", "", "File holding the refresh token. Rewritten when it rotates.")
	poll := fs.Duration("poll-interval", constants.DefaultInteractivePollInterval, "How often the session is checked.")
	opts := zap.Options{}
	opts.BindFlags(fs)

	cfg, err := config.Load(fs, args, ".env")
	if err != nil {
		return err
	}
	log := zap.New(zap.UseFlagOptions(&opts), zap.WriteTo(stderr))
	ctrl.SetLogger(log)

	if cfg.Keycloak.URL == "" || cfg.Keycloak.Realm == "" || cfg.Keycloak.ClientID == "" {
		return fmt.Errorf("--keycloak-url, --keycloak-realm and --keycloak-client-id are required")
	}
	if *accessFile == "" || *refreshFile == "" {
		return fmt.Errorf("--access-token-file and --refresh-token-file are required")
	}
	accessToken, err := readToken(*accessFile)
	if err != nil {
		return err
	}
	refreshToken, err := readToken(*refreshFile)
	if err != nil {
		return err
	}

	var caCert []byte
	if cfg.Keycloak.CACertFile != "" {
		if caCert, err = os.ReadFile(cfg.Keycloak.CACertFile); err != nil {
			return fmt.Errorf("failed to read CA bundle: %w", err)
		}
	}
	httpClient, err := keycloak.NewHTTPClient(caCert, 0, cfg.Keycloak.RequestTimeout)
	if err != nil {
		return err
	}
	endpoints, err := auth.Discover(ctx, httpClient, cfg.Keycloak.URL, cfg.Keycloak.Realm)
	if err != nil {
		return err
	}
	client, err := oauth.New(oauth.Config{
		TokenURL:     endpoints.TokenURL,
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return err
	}

	files := &tokenFiles{accessPath: *accessFile, refreshPath: *refreshFile, refresh: refreshToken}
	sess := credentials.NewSession(client, accessToken, refreshToken, files.write)
	current, err := sess.Expiries()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loggedOut := false
	policy := credentials.NotifyPolicy{
		LoginURL:  loginURL(endpoints.AuthURL, cfg.Keycloak.ClientID),
		LogoutURL: endpoints.EndSessionURL,
		ReLoginNotify: func(u string) {
			fmt.Fprintf(stderr, "Your session can no longer be extended. Log in again at %s\n", u)
		},
		ForceLogout: func(u string) {
			fmt.Fprintf(stderr, "Your session has ended. Log out at %s\n", u)
			loggedOut = true
			cancel()
		},
		Log: log,
	}

	syncer := credentials.NewInteractiveSyncer(current, sess.Refresh, policy,
		credentials.WithInteractiveTiming(credentials.Timing{
			Interval:   *poll,
			Margin:     cfg.Refresh.SafetyMargin,
			MaxRetries: cfg.Refresh.MaxRetries,
		}),
		credentials.WithInteractiveLogger(log),
	)
	log.Info("Keeping session alive", "realm", cfg.Keycloak.Realm,
		"accessTokenExpires", time.Unix(current.AccessTokenExp, 0).UTC().Format(time.RFC3339))
	syncer.Run(ctx)

	if loggedOut {
		return ErrSessionEnded
	}
	return nil
}

func loginURL(authURL, clientID string) string {
	if authURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("scope", "openid")
	return authURL + "?" + q.Encode()
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return tok, nil
}

// tokenFiles mirrors the session's token pair on disk.
type tokenFiles struct {
	accessPath  string
	refreshPath string
	// refresh is the refresh token currently on disk.
	refresh string
}

// write replaces the access token file and, when the refresh token rotated, the refresh
// token file. Both are staged before either is renamed, so a failed write leaves the
// previous pair in place.
func (f *tokenFiles) write(set *oauth.TokenSet) error {
	files := []tokenFile{{path: f.accessPath, token: set.AccessToken}}
	rotated := set.RefreshToken != "" && set.RefreshToken != f.refresh
	if rotated {
		files = append(files, tokenFile{path: f.refreshPath, token: set.RefreshToken})
	}
	if err := writeTokens(files...); err != nil {
		return err
	}
	if rotated {
		f.refresh = set.RefreshToken
	}
	return nil
}

type tokenFile struct {
	path  string
	token string
}

// writeTokens writes each token to a temporary file next to its path and renames them
// only after every write succeeded, so readers never see a partial token.
func writeTokens(files ...tokenFile) error {
	tmps := make([]string, 0, len(files))
	cleanup := func() {
		for _, tmp := range tmps {
			_ = os.Remove(tmp)
		}
	}
	for _, f := range files {
		tmp := f.path + ".tmp"
		tmps = append(tmps, tmp)
		if err := os.WriteFile(tmp, []byte(f.token+"\n"), 0o600); err != nil {
			cleanup()
			return fmt.Errorf("failed to write token: %w", err)
		}
	}
	for i, f := range files {
		if err := os.Rename(tmps[i], f.path); err != nil {
			cleanup()
			return fmt.Errorf("failed to replace token file: %w", err)
		}
	}
	return nil
}
