// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration validates client registration requests modeled on
// RFC 7591 and turns them into client application records. In IndieAuth the
// client_id is the client's own URL, so registration only pins the redirect
// URIs and display metadata for a known client.
package registration

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/stacklok/indieauth/pkg/authserver/storage"
)

// Registration error codes per RFC 7591 Section 3.2.2
const (
	// ErrorInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	ErrorInvalidRedirectURI = "invalid_redirect_uri"

	// ErrorInvalidClientMetadata indicates that the value of one of the
	// client metadata fields is invalid.
	ErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits.
const (
	MaxRedirectURICount   = 10
	MaxClientNameLength   = 256
	MaxRedirectURILength  = 2048
	maxClientIDLength     = 2048
	maxMetadataURILength  = 2048
	loopbackHostLocalhost = "localhost"
)

// Request is a client registration request.
type Request struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
}

// Response is returned for a successful registration.
type Response struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// Error is a registration error response.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

// Validate checks req and returns the client record to store.
func Validate(req *Request) (*storage.ClientApplication, *Error) {
	if err := validateClientID(req.ClientID); err != nil {
		return nil, err
	}

	if len(req.RedirectURIs) == 0 {
		return nil, &Error{Code: ErrorInvalidRedirectURI, Description: "redirect_uris is required"}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &Error{
			Code:        ErrorInvalidRedirectURI,
			Description: fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount),
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &Error{
			Code:        ErrorInvalidClientMetadata,
			Description: fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength),
		}
	}
	for name, value := range map[string]string{"client_uri": req.ClientURI, "logo_uri": req.LogoURI} {
		if value == "" {
			continue
		}
		if u, err := url.Parse(value); err != nil || u.Scheme != "https" || len(value) > maxMetadataURILength {
			return nil, &Error{Code: ErrorInvalidClientMetadata, Description: name + " must be an https URL"}
		}
	}

	return &storage.ClientApplication{
		ClientID:     req.ClientID,
		ClientName:   req.ClientName,
		ClientURI:    req.ClientURI,
		LogoURI:      req.LogoURI,
		RedirectURIs: req.RedirectURIs,
	}, nil
}

// NewResponse describes a stored client.
func NewResponse(client *storage.ClientApplication, issuedAt int64) *Response {
	return &Response{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        issuedAt,
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		LogoURI:                 client.LogoURI,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	}
}

// validateClientID requires an http(s) URL with a host and no fragment or
// credentials, as IndieAuth client identifiers are.
func validateClientID(clientID string) *Error {
	if clientID == "" {
		return &Error{Code: ErrorInvalidClientMetadata, Description: "client_id is required"}
	}
	if len(clientID) > maxClientIDLength {
		return &Error{Code: ErrorInvalidClientMetadata, Description: "client_id too long"}
	}
	u, err := url.Parse(clientID)
	if err != nil || u.Host == "" || u.Fragment != "" || u.User != nil {
		return &Error{Code: ErrorInvalidClientMetadata, Description: "client_id must be an absolute URL without fragment or credentials"}
	}
	if u.Scheme != "https" && (u.Scheme != "http" || !isLoopback(u.Hostname())) {
		return &Error{Code: ErrorInvalidClientMetadata, Description: "client_id must use https"}
	}
	return nil
}

// ValidateRedirectURI allows https for any host and http only for loopback
// hosts (RFC 8252). Private-use schemes are rejected.
func ValidateRedirectURI(uri string) *Error {
	if len(uri) > MaxRedirectURILength {
		return &Error{Code: ErrorInvalidRedirectURI, Description: "redirect_uri too long"}
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" || strings.ContainsAny(uri, " \t\n") {
		return &Error{Code: ErrorInvalidRedirectURI, Description: fmt.Sprintf("invalid redirect_uri %q", uri)}
	}
	if u.Fragment != "" {
		return &Error{Code: ErrorInvalidRedirectURI, Description: "redirect_uri must not contain a fragment"}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return &Error{Code: ErrorInvalidRedirectURI, Description: "http redirect_uri is only allowed for loopback hosts"}
	default:
		return &Error{Code: ErrorInvalidRedirectURI, Description: fmt.Sprintf("unsupported redirect_uri scheme %q", u.Scheme)}
	}
}

func isLoopback(host string) bool {
	if host == loopbackHostLocalhost {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
