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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dc-tec/keycloak-sync-operator/internal/oauth"
	"github.com/dc-tec/keycloak-sync-operator/test/utils"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	realm       *utils.FakeKeycloak
	accessFile  string
	refreshFile string
	access      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	realm, err := utils.NewFakeKeycloak("primehub", "primehub-console", "")
	if err != nil {
		t.Fatalf("failed to start fake Keycloak: %v", err)
	}
	t.Cleanup(realm.Close)

	// Shorter than what the server issues on refresh, so the first refresh extends.
	realm.SetLifetimes(2*time.Minute, 10*time.Minute)
	access, refresh, err := realm.IssueTokens("alice")
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}
	realm.SetLifetimes(5*time.Minute, 30*time.Minute)

	dir := t.TempDir()
	f := &fixture{
		realm:       realm,
		accessFile:  filepath.Join(dir, "access"),
		refreshFile: filepath.Join(dir, "refresh"),
		access:      access,
	}
	if err := os.WriteFile(f.accessFile, []byte(access+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write access token: %v", err)
	}
	if err := os.WriteFile(f.refreshFile, []byte(refresh), 0o600); err != nil {
		t.Fatalf("failed to write refresh token: %v", err)
	}
	return f
}

func (f *fixture) args(extra ...string) []string {
	return append([]string{
		"--keycloak-url", f.realm.URL(),
		"--keycloak-realm", f.realm.Realm,
		"--keycloak-client-id", f.realm.ClientID,
		"--access-token-file", f.accessFile,
		"--refresh-token-file", f.refreshFile,
		"--poll-interval", "10ms",
	}, extra...)
}

func TestRun_RefreshesAndRewritesTokenFiles(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stderr := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(ctx, f.args(), stderr) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, refreshes := f.realm.Grants(); refreshes >= 1 {
			data, _ := os.ReadFile(f.accessFile)
			if got := strings.TrimSpace(string(data)); got != "" && got != f.access {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("token file was not rewritten; stderr:\n%s", stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run() did not return after cancellation")
	}
	if strings.Contains(stderr.String(), "Log out at") {
		t.Fatalf("unexpected logout:\n%s", stderr.String())
	}
}

func TestRun_RevokedSessionForcesLogout(t *testing.T) {
	f := newFixture(t)
	f.realm.RevokeSessions()

	stderr := &lockedBuffer{}
	err := run(context.Background(), f.args(), stderr)
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("run() error = %v, want ErrSessionEnded", err)
	}
	want := "Log out at " + f.realm.Issuer() + "/protocol/openid-connect/logout"
	if !strings.Contains(stderr.String(), want) {
		t.Fatalf("stderr missing %q:\n%s", want, stderr.String())
	}
}

func TestRun_RequiresTokenFiles(t *testing.T) {
	f := newFixture(t)
	err := run(context.Background(), []string{
		"--keycloak-url", f.realm.URL(),
		"--keycloak-realm", f.realm.Realm,
		"--keycloak-client-id", f.realm.ClientID,
	}, &lockedBuffer{})
	if err == nil || !strings.Contains(err.Error(), "--access-token-file") {
		t.Fatalf("run() error = %v, want missing token file error", err)
	}
}

func TestLoginURL(t *testing.T) {
	got := loginURL("https://id.example.com/realms/primehub/protocol/openid-connect/auth", "primehub-console")
	want := "https://id.example.com/realms/primehub/protocol/openid-connect/auth?client_id=primehub-console&response_type=code&scope=openid"
	if got != want {
		t.Fatalf("loginURL() = %q, want %q", got, want)
	}
	if loginURL("", "x") != "" {
		t.Fatalf("loginURL() without an auth endpoint should be empty")
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := writeTokens(tokenFile{path: path, token: "abc"}); err != nil {
		t.Fatalf("writeTokens() error = %v", err)
	}
	got, err := readToken(path)
	if err != nil || got != "abc" {
		t.Fatalf("readToken() = %q, %v", got, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
}

func TestWriteTokens_FailedWriteKeepsPreviousPair(t *testing.T) {
	dir := t.TempDir()
	access := filepath.Join(dir, "access")
	if err := os.WriteFile(access, []byte("old-access\n"), 0o600); err != nil {
		t.Fatalf("failed to seed access token: %v", err)
	}
	// The refresh file's directory does not exist, so staging it fails.
	refresh := filepath.Join(dir, "missing", "refresh")

	err := writeTokens(tokenFile{path: access, token: "new-access"}, tokenFile{path: refresh, token: "new-refresh"})
	if err == nil {
		t.Fatalf("writeTokens() succeeded with an unwritable refresh file")
	}
	if got, _ := readToken(access); got != "old-access" {
		t.Fatalf("access token = %q, want the previous token", got)
	}
	if _, err := os.Stat(access + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("staged access token left behind: %v", err)
	}
}

func TestTokenFiles_RewritesRefreshOnlyWhenRotated(t *testing.T) {
	dir := t.TempDir()
	files := &tokenFiles{
		accessPath:  filepath.Join(dir, "access"),
		refreshPath: filepath.Join(dir, "refresh"),
		refresh:     "r0",
	}

	if err := files.write(&oauth.TokenSet{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if got, _ := readToken(files.refreshPath); got != "r1" {
		t.Fatalf("refresh token = %q, want r1", got)
	}

	// Mark the file; a second refresh handing back r1 must not touch it.
	if err := os.WriteFile(files.refreshPath, []byte("marker\n"), 0o600); err != nil {
		t.Fatalf("failed to mark refresh file: %v", err)
	}
	if err := files.write(&oauth.TokenSet{AccessToken: "a2", RefreshToken: "r1"}); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if got, _ := readToken(files.refreshPath); got != "marker" {
		t.Fatalf("refresh file rewritten without rotation: %q", got)
	}
	if got, _ := readToken(files.accessPath); got != "a2" {
		t.Fatalf("access token = %q, want a2", got)
	}

	// A failed write keeps the last rotation pending.
	files.refreshPath = filepath.Join(dir, "missing", "refresh")
	if err := files.write(&oauth.TokenSet{AccessToken: "a3", RefreshToken: "r2"}); err == nil {
		t.Fatalf("write() succeeded with an unwritable refresh file")
	}
	if files.refresh != "r1" {
		t.Fatalf("tracked refresh token = %q after a failed write, want r1", files.refresh)
	}
	if got, _ := readToken(files.accessPath); got != "a2" {
		t.Fatalf("access token = %q after a failed write, want a2", got)
	}
}
