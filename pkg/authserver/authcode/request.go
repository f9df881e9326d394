// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authcode

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	servercrypto "github.com/stacklok/indieauth/pkg/authserver/server/crypto"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	"github.com/stacklok/indieauth/pkg/authserver/token"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// ResponseTypeCode is the only response type the authorization endpoint serves.
const ResponseTypeCode = "code"

// Request is an authorization request as received on the authorization
// endpoint.
type Request struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope,omitempty"`
	Me                  string `json:"me,omitempty"`
}

// RequestFromQuery reads a request from URL query or form values.
func RequestFromQuery(v url.Values) Request {
	return Request{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Scope:               v.Get("scope"),
		Me:                  v.Get("me"),
	}
}

// Validate checks the request shape and normalizes the challenge method and
// scope in place.
func (r *Request) Validate() error {
	if r.ResponseType != ResponseTypeCode {
		return autherrors.NewValidationError(fmt.Sprintf("unsupported response_type %q", r.ResponseType), nil)
	}
	required := []struct{ name, value string }{
		{"client_id", r.ClientID},
		{"redirect_uri", r.RedirectURI},
		{"state", r.State},
		{"code_challenge", r.CodeChallenge},
	}
	for _, f := range required {
		if f.value == "" {
			return autherrors.NewValidationError(f.name+" is required", nil)
		}
	}
	if !absoluteURL(r.ClientID) {
		return autherrors.NewValidationError("client_id must be an absolute URL", nil)
	}
	if !absoluteURL(r.RedirectURI) {
		return autherrors.NewValidationError("redirect_uri must be an absolute URL", nil)
	}
	if r.Me != "" && !absoluteURL(r.Me) {
		return autherrors.NewValidationError("me must be an absolute URL", nil)
	}

	method, err := servercrypto.NormalizeChallengeMethod(r.CodeChallengeMethod)
	if err != nil {
		return autherrors.NewValidationError(err.Error(), err)
	}
	r.CodeChallengeMethod = method
	r.Scope = token.NormalizeScope(r.Scope)
	return nil
}

func absoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Summary describes a validated request for the consent screen.
type Summary struct {
	Request Request                    `json:"request"`
	Client  *storage.ClientApplication `json:"client,omitempty"`
	Profile *storage.UserProfile       `json:"profile,omitempty"`
	Scopes  []string                   `json:"scopes"`
}

// Prepare validates r and resolves the client and profile records used on
// the consent screen. A registered client must list the redirect URI; an
// unregistered one may only redirect to its own host.
func (m *Manager) Prepare(ctx context.Context, r Request) (*Summary, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	client, err := m.lookupClient(ctx, r.ClientID)
	if err != nil {
		return nil, err
	}
	check := client
	if check == nil {
		check = &storage.ClientApplication{ClientID: r.ClientID}
	}
	if !check.AllowsRedirect(r.RedirectURI) {
		return nil, autherrors.NewValidationError("redirect_uri is not allowed for this client", nil)
	}

	summary := &Summary{Request: r, Client: client, Scopes: scopeList(r.Scope)}
	if r.Me != "" {
		profile, err := m.lookupProfile(ctx, r.Me)
		if err != nil {
			return nil, err
		}
		summary.Profile = profile
	}
	return summary, nil
}

func (m *Manager) lookupClient(ctx context.Context, clientID string) (*storage.ClientApplication, error) {
	client, err := m.stores.ClientApplications.RetrieveOne(ctx, *storage.Where(storage.Eq("client_id", clientID)))
	if autherrors.IsNotFound(err) {
		return nil, nil
	}
	return client, err
}

func (m *Manager) lookupProfile(ctx context.Context, me string) (*storage.UserProfile, error) {
	profile, err := m.stores.UserProfiles.RetrieveOne(ctx, *storage.Where(storage.Eq("me", me)))
	if autherrors.IsNotFound(err) {
		return nil, nil
	}
	return profile, err
}

func scopeList(scope string) []string {
	if scope == "" {
		return []string{}
	}
	return strings.Fields(scope)
}
