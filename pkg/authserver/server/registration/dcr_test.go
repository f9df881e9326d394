// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		expectError bool
	}{
		// HTTPS - allowed for any host
		{name: "https with any host", uri: "https://example.com/callback"},
		{name: "https with port", uri: "https://myapp.example.org:8443/oauth/callback"},
		{name: "https with query", uri: "https://example.com/callback?tab=1"},

		// HTTP loopback addresses - allowed per RFC 8252
		{name: "http with 127.0.0.1", uri: "http://127.0.0.1/callback"},
		{name: "http with 127.0.0.1 and port", uri: "http://127.0.0.1:8080/callback"},
		{name: "http with ipv6 loopback", uri: "http://[::1]:8080/callback"},
		{name: "http with localhost", uri: "http://localhost:9000/callback"},

		{name: "http with non-loopback host", uri: "http://example.com/callback", expectError: true},
		{name: "http with private address", uri: "http://192.168.1.1/callback", expectError: true},
		{name: "missing scheme", uri: "://invalid", expectError: true},
		{name: "malformed", uri: "not a valid uri", expectError: true},
		{name: "private-use scheme", uri: "myapp://callback", expectError: true},
		{name: "fragment", uri: "https://example.com/cb#frag", expectError: true},
		{name: "too long", uri: "https://example.com/" + strings.Repeat("a", MaxRedirectURILength), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateRedirectURI(tt.uri)
			if tt.expectError {
				require.NotNil(t, err, "expected error for URI %q", tt.uri)
				assert.Equal(t, ErrorInvalidRedirectURI, err.Code)
				return
			}
			assert.Nil(t, err, "unexpected error for URI %q: %v", tt.uri, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Request {
		return &Request{
			ClientID:     "https://app.example/",
			RedirectURIs: []string{"https://app.example/cb", "http://127.0.0.1:8080/cb"},
			ClientName:   "Example App",
			ClientURI:    "https://app.example/about",
			LogoURI:      "https://app.example/logo.png",
		}
	}

	tests := []struct {
		name     string
		mutate   func(r *Request)
		wantCode string
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "loopback client", mutate: func(r *Request) { r.ClientID = "http://localhost:3000/" }},
		{name: "missing client_id", mutate: func(r *Request) { r.ClientID = "" }, wantCode: ErrorInvalidClientMetadata},
		{name: "relative client_id", mutate: func(r *Request) { r.ClientID = "app" }, wantCode: ErrorInvalidClientMetadata},
		{name: "http client_id", mutate: func(r *Request) { r.ClientID = "http://app.example/" }, wantCode: ErrorInvalidClientMetadata},
		{name: "client_id with fragment", mutate: func(r *Request) { r.ClientID = "https://app.example/#x" }, wantCode: ErrorInvalidClientMetadata},
		{name: "no redirect uris", mutate: func(r *Request) { r.RedirectURIs = nil }, wantCode: ErrorInvalidRedirectURI},
		{name: "too many redirect uris", mutate: func(r *Request) {
			r.RedirectURIs = make([]string, MaxRedirectURICount+1)
			for i := range r.RedirectURIs {
				r.RedirectURIs[i] = "https://app.example/cb"
			}
		}, wantCode: ErrorInvalidRedirectURI},
		{name: "bad redirect uri", mutate: func(r *Request) { r.RedirectURIs = []string{"http://app.example/cb"} }, wantCode: ErrorInvalidRedirectURI},
		{name: "long name", mutate: func(r *Request) { r.ClientName = strings.Repeat("n", MaxClientNameLength+1) }, wantCode: ErrorInvalidClientMetadata},
		{name: "http logo", mutate: func(r *Request) { r.LogoURI = "http://app.example/logo.png" }, wantCode: ErrorInvalidClientMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := valid()
			tt.mutate(req)

			client, err := Validate(req)
			if tt.wantCode != "" {
				require.NotNil(t, err)
				assert.Equal(t, tt.wantCode, err.Code)
				assert.Nil(t, client)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, req.ClientID, client.ClientID)
			assert.Equal(t, req.RedirectURIs, client.RedirectURIs)
			require.NoError(t, client.Validate())
		})
	}
}

func TestNewResponse(t *testing.T) {
	t.Parallel()

	client, err := Validate(&Request{ClientID: "https://app.example/", RedirectURIs: []string{"https://app.example/cb"}})
	require.Nil(t, err)

	resp := NewResponse(client, 1700000000)
	assert.Equal(t, "https://app.example/", resp.ClientID)
	assert.Equal(t, int64(1700000000), resp.ClientIDIssuedAt)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
}
