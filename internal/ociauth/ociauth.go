// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ociauth implements the Docker Registry HTTP API v2 bearer
// token dance: an unauthenticated first request, a 401 whose
// Www-Authenticate header names a realm/service/scope, a token fetch
// (optionally with HTTP Basic credentials) against that realm, and a
// retried original request carrying the token. This generalizes a
// hardcoded docker.io-only token endpoint into something that works
// against any registry advertising a challenge, the same way regclient
// and crane do.
package ociauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/occystrap/internal/httpclient"
	"github.com/tetratelabs/occystrap/internal/ocierr"
)

// Credentials is an optional HTTP Basic identity presented to the token
// endpoint. Either field may be empty for anonymous token requests.
type Credentials struct {
	Username, Password string
}

// challengePattern parses a "Bearer realm=\"...\",service=\"...\",scope=\"...\""
// Www-Authenticate header. Individual params may appear in any order.
var challengePattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t tokenResponse) bearer() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// RoundTripper wraps a base transport, caching a bearer token across
// requests until it expires. The cache is guarded by a mutex since it is
// shared across concurrent pull/push worker goroutines.
type RoundTripper struct {
	base  http.RoundTripper
	repo  string // repository, e.g. "library/alpine"
	scope string // "pull" or "pull,push"
	creds Credentials

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

// New returns a RoundTripper for repo with the requested scope ("pull" or
// "pull,push"). base is the transport to issue requests over; pass
// httpclient.TransportFromContext(ctx) in production and a recorder in tests.
func New(base http.RoundTripper, repo, scope string, creds Credentials) *RoundTripper {
	return &RoundTripper{base: base, repo: repo, scope: scope, creds: creds}
}

// RoundTrip implements http.RoundTripper.
func (r *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := r.attempt(req, r.cachedToken())
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}
	challenge := res.Header.Get("Www-Authenticate")
	res.Body.Close() //nolint

	token, err := r.refreshToken(req.Context(), challenge)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.Unauthorized, req.URL.String(), err)
	}
	return r.attempt(req, token)
}

// attempt clones req, replaying its body via GetBody when present (every
// occystrap PUT/POST sets it, since httpclient.do's bodies are always
// seekable), sets the bearer header when token is non-empty, and issues
// it over the base transport.
func (r *RoundTripper) attempt(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, req.URL.String(), err)
		}
		clone.Body = body
	}
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return r.base.RoundTrip(clone)
}

func (r *RoundTripper) cachedToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" && time.Now().Before(r.tokenExpiresAt) {
		return r.token
	}
	return ""
}

func (r *RoundTripper) refreshToken(ctx context.Context, challenge string) (string, error) {
	realm, service, scope, err := parseChallenge(challenge)
	if err != nil {
		return "", err
	}
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:%s", r.repo, r.scope)
	}

	url := fmt.Sprintf("%s?service=%s&scope=%s", realm, service, scope)
	header := http.Header{}
	if r.creds.Username != "" {
		header.Set("Authorization", basicAuthHeader(r.creds))
	}

	client := httpclient.New(r.base)
	var tr tokenResponse
	if err := client.GetJSON(ctx, url, "application/json", &tr); err != nil {
		return "", err
	}
	token := tr.bearer()
	if token == "" {
		return "", ocierr.New(ocierr.Unauthorized, url+": empty token in response")
	}

	r.mu.Lock()
	r.token = token
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 60 // registries that omit expires_in default to 60s per the registry token spec
	}
	r.tokenExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	r.mu.Unlock()

	return token, nil
}

func parseChallenge(challenge string) (realm, service, scope string, err error) {
	if !strings.HasPrefix(strings.ToLower(challenge), "bearer") {
		return "", "", "", ocierr.New(ocierr.Unauthorized, "missing or non-bearer Www-Authenticate: "+challenge)
	}
	for _, m := range challengePattern.FindAllStringSubmatch(challenge, -1) {
		switch m[1] {
		case "realm":
			realm = m[2]
		case "service":
			service = m[2]
		case "scope":
			scope = m[2]
		}
	}
	if realm == "" {
		return "", "", "", ocierr.New(ocierr.Unauthorized, "Www-Authenticate missing realm: "+challenge)
	}
	return realm, service, scope, nil
}

func basicAuthHeader(c Credentials) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(c.Username, c.Password)
	return req.Header.Get("Authorization")
}

// MarshalTokenResponse is exposed for tests building a fake token endpoint.
func MarshalTokenResponse(token string, expiresIn int) []byte {
	b, _ := json.Marshal(tokenResponse{Token: token, ExpiresIn: expiresIn})
	return b
}
