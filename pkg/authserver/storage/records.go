// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// Collection names. They double as file names and SQL table names.
const (
	CollectionAccessTokens       = "access_token"
	CollectionAuthorizationCodes = "authorization_code"
	CollectionClientApplications = "client_application"
	CollectionRefreshTokens      = "refresh_token"
	CollectionUserProfiles       = "user_profile"
)

// PKCE challenge methods accepted on authorization codes.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// AuthorizationCode is a single-use code bound to a client, a redirect URI,
// a scope, the resource owner and a PKCE challenge.
type AuthorizationCode struct {
	Metadata
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Me                  string `json:"me"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	// Exp is in unix seconds.
	Exp  int64  `json:"exp"`
	Iss  string `json:"iss,omitempty"`
	Used bool   `json:"used"`
}

// Validate implements Record.
func (c *AuthorizationCode) Validate() error {
	if err := requireFields(map[string]string{
		"code":           c.Code,
		"client_id":      c.ClientID,
		"redirect_uri":   c.RedirectURI,
		"me":             c.Me,
		"code_challenge": c.CodeChallenge,
	}); err != nil {
		return err
	}
	switch c.CodeChallengeMethod {
	case ChallengeMethodS256, ChallengeMethodPlain:
	default:
		return autherrors.NewValidationError(
			fmt.Sprintf("unsupported code_challenge_method %q", c.CodeChallengeMethod), nil)
	}
	if c.Exp <= 0 {
		return autherrors.NewValidationError("exp must be a positive unix timestamp", nil)
	}
	return validateURLs(map[string]string{"client_id": c.ClientID, "redirect_uri": c.RedirectURI, "me": c.Me})
}

// AccessToken is the revocation side record of an issued access token. The
// token itself is self-describing and never stored.
type AccessToken struct {
	Metadata
	JTI              string `json:"jti"`
	ClientID         string `json:"client_id"`
	RedirectURI      string `json:"redirect_uri"`
	Me               string `json:"me,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Exp              int64  `json:"exp"`
	Revoked          bool   `json:"revoked"`
	RevocationReason string `json:"revocation_reason,omitempty"`
}

// Validate implements Record.
func (t *AccessToken) Validate() error {
	if err := requireFields(map[string]string{
		"jti":          t.JTI,
		"client_id":    t.ClientID,
		"redirect_uri": t.RedirectURI,
	}); err != nil {
		return err
	}
	if t.Exp <= 0 {
		return autherrors.NewValidationError("exp must be a positive unix timestamp", nil)
	}
	return nil
}

// RefreshToken is an opaque, stateful refresh token.
type RefreshToken struct {
	Metadata
	Token       string `json:"refresh_token"`
	ClientID    string `json:"client_id"`
	Me          string `json:"me"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	// JTI references the access token issued alongside this refresh token.
	JTI              string `json:"jti"`
	Iss              string `json:"iss"`
	Exp              int64  `json:"exp"`
	Revoked          bool   `json:"revoked"`
	RevocationReason string `json:"revocation_reason,omitempty"`
}

// Validate implements Record.
func (t *RefreshToken) Validate() error {
	if err := requireFields(map[string]string{
		"refresh_token": t.Token,
		"client_id":     t.ClientID,
		"me":            t.Me,
		"redirect_uri":  t.RedirectURI,
		"jti":           t.JTI,
		"iss":           t.Iss,
	}); err != nil {
		return err
	}
	if t.Exp <= 0 {
		return autherrors.NewValidationError("exp must be a positive unix timestamp", nil)
	}
	return nil
}

// ClientApplication is a known client, keyed by its client_id URL.
type ClientApplication struct {
	Metadata
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	ClientURI    string   `json:"client_uri,omitempty"`
	LogoURI      string   `json:"logo_uri,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// Validate implements Record.
func (c *ClientApplication) Validate() error {
	if err := requireFields(map[string]string{"client_id": c.ClientID}); err != nil {
		return err
	}
	urls := map[string]string{"client_id": c.ClientID}
	for i, u := range c.RedirectURIs {
		urls[fmt.Sprintf("redirect_uris[%d]", i)] = u
	}
	return validateURLs(urls)
}

// AllowsRedirect reports whether uri is registered for the client. A client
// without registered URIs accepts redirects on its own host, as IndieAuth does.
func (c *ClientApplication) AllowsRedirect(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return sameHost(c.ClientID, uri)
	}
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// UserProfile is the public profile of a resource owner, keyed by the me URL.
type UserProfile struct {
	Metadata
	Me    string `json:"me"`
	Name  string `json:"name,omitempty"`
	Photo string `json:"photo,omitempty"`
	URL   string `json:"url,omitempty"`
	Email string `json:"email,omitempty"`
}

// Validate implements Record.
func (p *UserProfile) Validate() error {
	if err := requireFields(map[string]string{"me": p.Me}); err != nil {
		return err
	}
	return validateURLs(map[string]string{"me": p.Me})
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return autherrors.NewValidationError(
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

func validateURLs(fields map[string]string) error {
	for name, value := range fields {
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return autherrors.NewValidationError(fmt.Sprintf("%s must be an absolute URL", name), err)
		}
	}
	return nil
}

// sameHost reports whether a and b are URLs on the same host. Unparseable
// input never matches.
func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}
