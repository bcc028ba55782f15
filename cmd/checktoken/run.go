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

package checktoken

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dc-tec/keycloak-sync-operator/internal/auth"
	"github.com/dc-tec/keycloak-sync-operator/internal/config"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/token"
)

// ErrMissingRole is returned when the verified token lacks a role passed with --require-role.
var ErrMissingRole = errors.New("token lacks a required role")

// Run verifies a realm token against the realm's published keys and prints its claims.
// The token is read from --token or, when absent, from stdin.
func Run(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return check(ctx, args, os.Stdin, os.Stdout)
}

func check(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("check-token", flag.ContinueOnError)
	raw := fs.String("token", "", "Token to verify. Read from stdin when empty.")
	requireRoles := fs.String("require-role", "",
		"Comma separated application roles of --keycloak-client-id the token must carry.")
	azp := fs.Bool("check-azp", false, "Require the azp claim to equal --keycloak-client-id.")

	cfg, err := config.Load(fs, args, ".env")
	if err != nil {
		return err
	}
	if cfg.Keycloak.URL == "" || cfg.Keycloak.Realm == "" {
		return fmt.Errorf("--keycloak-url and --keycloak-realm are required")
	}

	if *raw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
		*raw = strings.TrimSpace(line)
	}
	if *raw == "" {
		return fmt.Errorf("no token given")
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
	keys, err := auth.FetchKeySet(ctx, httpClient, endpoints.JWKSURL)
	if err != nil {
		return err
	}

	var opts []auth.VerifierOption
	if *azp {
		opts = append(opts, auth.WithAuthorizedParty(cfg.Keycloak.ClientID))
	}
	tok, err := auth.NewVerifier(endpoints.Issuer, keys, opts...).Verify(*raw)
	if err != nil {
		return err
	}
	report(out, tok, cfg.Keycloak.ClientID)

	var missing []string
	for _, role := range splitList(*requireRoles) {
		if !tok.HasApplicationRole(cfg.Keycloak.ClientID, role) {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRole, strings.Join(missing, ", "))
	}
	return nil
}

func report(out io.Writer, tok *token.Token, clientID string) {
	claims := tok.Claims()
	fmt.Fprintf(out, "subject:     %s\n", claims.Subject)
	if claims.PreferredUsername != "" {
		fmt.Fprintf(out, "username:    %s\n", claims.PreferredUsername)
	}
	fmt.Fprintf(out, "issuer:      %s\n", claims.Issuer)
	fmt.Fprintf(out, "expires:     %s (in %s)\n", tok.ExpiresAt().UTC().Format(time.RFC3339),
		tok.TimeUntilExpiry(time.Now()).Round(time.Second))
	fmt.Fprintf(out, "realm roles: %s\n", strings.Join(sorted(claims.RealmAccess.Roles), ", "))
	if clientID != "" {
		fmt.Fprintf(out, "%s roles: %s\n", clientID, strings.Join(sorted(claims.ResourceAccess[clientID].Roles), ", "))
	}
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
