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

package utils

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dc-tec/keycloak-sync-operator/internal/token"
)

const fakeKeyID = "fake-keycloak-1"

// FakeKeycloak is an in-process stand-in for one Keycloak realm. It serves discovery,
// JWKS, the token endpoint (client_credentials and refresh_token grants) and the slice
// of the admin API used for realm roles and group role mappings.
type FakeKeycloak struct {
	Realm        string
	ClientID     string
	ClientSecret string

	server *httptest.Server
	key    *rsa.PrivateKey

	mu         sync.Mutex
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    bool
	failAdmin  int
	grants     int
	refreshes  int
	roles      map[string]string
	groupRoles map[string][]string
}

// NewFakeKeycloak starts a fake realm. Close it when done.
func NewFakeKeycloak(realm, clientID, clientSecret string) (*FakeKeycloak, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	f := &FakeKeycloak{
		Realm:        realm,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		key:          key,
		accessTTL:    5 * time.Minute,
		refreshTTL:   30 * time.Minute,
		roles:        map[string]string{},
		groupRoles:   map[string][]string{},
	}

	realmPath := "/realms/" + realm
	adminPath := "/admin/realms/" + realm
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+realmPath+"/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("GET "+realmPath+"/protocol/openid-connect/certs", f.certs)
	mux.HandleFunc("POST "+realmPath+"/protocol/openid-connect/token", f.token)
	mux.HandleFunc("GET "+adminPath+"/roles/{name}", f.admin(f.getRole))
	mux.HandleFunc("DELETE "+adminPath+"/roles/{name}", f.admin(f.deleteRole))
	mux.HandleFunc("POST "+adminPath+"/roles", f.admin(f.createRole))
	mux.HandleFunc("POST "+adminPath+"/groups/{id}/role-mappings/realm", f.admin(f.mapRoles))
	f.server = httptest.NewServer(mux)
	return f, nil
}

// URL is the base URL of the server.
func (f *FakeKeycloak) URL() string {
	return f.server.URL
}

// Issuer is the realm's token issuer.
func (f *FakeKeycloak) Issuer() string {
	return f.server.URL + "/realms/" + f.Realm
}

// Close shuts the server down.
func (f *FakeKeycloak) Close() {
	f.server.Close()
}

// SetLifetimes changes the lifetimes of tokens issued from now on.
func (f *FakeKeycloak) SetLifetimes(access, refresh time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessTTL = access
	f.refreshTTL = refresh
}

// RevokeSessions makes every later refresh_token grant fail with invalid_grant.
func (f *FakeKeycloak) RevokeSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = true
}

// FailAdminRequests answers the next n admin API calls with 503.
func (f *FakeKeycloak) FailAdminRequests(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdmin = n
}

// Grants returns how many client_credentials and refresh_token grants were served.
func (f *FakeKeycloak) Grants() (clientCredentials, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants, f.refreshes
}

// Roles returns the realm role names, sorted.
func (f *FakeKeycloak) Roles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.roles))
	for name := range f.roles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasRole reports whether the realm role exists.
func (f *FakeKeycloak) HasRole(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.roles[name]
	return ok
}

// GroupRoles returns the realm roles mapped to group id.
func (f *FakeKeycloak) GroupRoles(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.groupRoles[id])
}

// IssueTokens signs a token pair for subject using the current lifetimes, as if the
// subject had just logged in. roles are granted on ClientID.
func (f *FakeKeycloak) IssueTokens(subject string, roles ...string) (access, refresh string, err error) {
	f.mu.Lock()
	accessTTL, refreshTTL := f.accessTTL, f.refreshTTL
	f.mu.Unlock()
	return f.issue(subject, roles, accessTTL, refreshTTL)
}

func (f *FakeKeycloak) issue(subject string, roles []string, accessTTL, refreshTTL time.Duration) (string, string, error) {
	now := time.Now()
	access := token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    f.Issuer(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
		},
		Type:              "Bearer",
		AuthorizedParty:   f.ClientID,
		PreferredUsername: subject,
		RealmAccess:       token.Access{Roles: []string{"default-roles-" + f.Realm}},
		ResourceAccess: map[string]token.Access{
			f.ClientID:         {Roles: roles},
			"realm-management": {Roles: []string{"manage-realm"}},
		},
	}
	refresh := token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    f.Issuer(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(refreshTTL)),
		},
		Type:            "Refresh",
		AuthorizedParty: f.ClientID,
		ResourceAccess:  access.ResourceAccess,
	}

	accessRaw, err := f.sign(access)
	if err != nil {
		return "", "", err
	}
	refreshRaw, err := f.sign(refresh)
	if err != nil {
		return "", "", err
	}
	return accessRaw, refreshRaw, nil
}

func (f *FakeKeycloak) sign(claims token.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = fakeKeyID
	return tok.SignedString(f.key)
}

func (f *FakeKeycloak) discovery(w http.ResponseWriter, _ *http.Request) {
	issuer := f.Issuer()
	writeJSON(w, http.StatusOK, map[string]string{
		"issuer":                 issuer,
		"token_endpoint":         issuer + "/protocol/openid-connect/token",
		"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
		"end_session_endpoint":   issuer + "/protocol/openid-connect/logout",
		"jwks_uri":               issuer + "/protocol/openid-connect/certs",
	})
}

func (f *FakeKeycloak) certs(w http.ResponseWriter, _ *http.Request) {
	pub := f.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kid": fakeKeyID,
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (f *FakeKeycloak) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != f.ClientID || (f.ClientSecret != "" && clientSecret != f.ClientSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized_client"})
		return
	}

	f.mu.Lock()
	accessTTL, refreshTTL, revoked := f.accessTTL, f.refreshTTL, f.revoked
	f.mu.Unlock()

	subject := "service-account-" + f.ClientID
	roles := []string{"sync"}
	switch r.PostForm.Get("grant_type") {
	case "client_credentials":
		f.mu.Lock()
		f.grants++
		f.mu.Unlock()
	case "refresh_token":
		f.mu.Lock()
		f.refreshes++
		f.mu.Unlock()
		claims := &token.Claims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("refresh_token"), claims,
			func(*jwt.Token) (any, error) { return &f.key.PublicKey, nil },
			jwt.WithValidMethods([]string{"RS256"}))
		if revoked || err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Session not active",
			})
			return
		}
		subject = claims.Subject
		roles = claims.ResourceAccess[f.ClientID].Roles
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, refresh, err := f.issue(subject, roles, accessTTL, refreshTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       access,
		"refresh_token":      refresh,
		"token_type":         "Bearer",
		"expires_in":         int(accessTTL.Seconds()),
		"refresh_expires_in": int(refreshTTL.Seconds()),
	})
}

func (f *FakeKeycloak) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		fail := f.failAdmin > 0
		if fail {
			f.failAdmin--
		}
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

type fakeRole struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (f *FakeKeycloak) getRole(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f.mu.Lock()
	description, ok := f.roles[name]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find role"})
		return
	}
	writeJSON(w, http.StatusOK, fakeRole{ID: "id-" + name, Name: name, Description: description})
}

func (f *FakeKeycloak) createRole(w http.ResponseWriter, r *http.Request) {
	var role fakeRole
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil || role.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[role.Name]; ok {
		w.WriteHeader(http.StatusConflict)
		return
	}
	f.roles[role.Name] = role.Description
	w.Header().Set("Location", f.server.URL+r.URL.Path+"/"+role.Name)
	w.WriteHeader(http.StatusCreated)
}

func (f *FakeKeycloak) deleteRole(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[name]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(f.roles, name)
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeKeycloak) mapRoles(w http.ResponseWriter, r *http.Request) {
	var roles []fakeRole
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, role := range roles {
		if !slices.Contains(f.groupRoles[id], role.Name) {
			f.groupRoles[id] = append(f.groupRoles[id], role.Name)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
