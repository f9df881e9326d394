// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	"github.com/stacklok/indieauth/pkg/authserver/revocation"
	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	"github.com/stacklok/indieauth/pkg/authserver/token"
)

const (
	testIssuer      = "https://auth.example/"
	testClientID    = "https://app.example/id"
	testRedirectURI = "https://app.example/cb"
	testMe          = "https://user.example/"
	testState       = "state-123"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testServer struct {
	*httptest.Server
	handler *Handler
	stores  *storage.Stores
	client  *http.Client
}

// newTestServer wires the full stack over in-memory storage.
func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	if cfg.TokenRateLimit == 0 {
		cfg.TokenRateLimit = -1
	}

	stores := storage.NewMemoryStores()
	provider := keys.NewGeneratingProvider(keys.DefaultAlgorithm, 2)

	issuer, err := token.NewIssuer(token.Config{
		Issuer:          cfg.Issuer,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, provider, stores)
	require.NoError(t, err)

	verifier, err := revocation.NewVerifier(revocation.VerifierConfig{Issuer: cfg.Issuer}, revocation.NewLocalKeySource(provider))
	require.NoError(t, err)

	h := NewHandler(cfg,
		authcode.NewManager(authcode.Config{Issuer: cfg.Issuer}, stores),
		issuer,
		revocation.NewService(verifier, stores),
		provider,
		stores,
	)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &testServer{Server: srv, handler: h, stores: stores, client: client}
}

func authorizeParams() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {testState},
		"code_challenge":        {servercrypto.ComputePKCEChallenge(testVerifier)},
		"code_challenge_method": {"S256"},
		"scope":                 {"create update"},
		"me":                    {testMe},
	}
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := s.client.Get(s.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := s.client.Post(s.URL+path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := s.client.Post(s.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// approve runs the consent step and returns the issued code.
func (s *testServer) approve(t *testing.T, params url.Values) string {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("decision", DecisionApprove)

	resp := s.postForm(t, "/consent", form)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (s *testServer) redeem(t *testing.T, code string) *http.Response {
	t.Helper()
	return s.postForm(t, "/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	})
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &v), "body: %s", body)
	return v
}
