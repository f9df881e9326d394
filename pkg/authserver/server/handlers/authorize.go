// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Consent decisions posted to the consent endpoint.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// maxFormBodySize bounds form bodies on the POST endpoints.
const maxFormBodySize = 64 * 1024

// AuthorizeHandler handles GET /authorize requests.
// It validates the authorization request and returns the consent summary:
// the request, the client and the user profile when known, and the
// requested scopes. Invalid requests are never redirected, since the
// redirect URI may not be trusted yet.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ar := authcode.RequestFromQuery(req.URL.Query())

	summary, err := h.codes.Prepare(req.Context(), ar)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	logger.Debugw("validated authorization request",
		"client_id", summary.Request.ClientID,
		"scope_count", len(summary.Scopes),
	)
	writeJSON(w, http.StatusOK, summary)
}

// ConsentHandler handles POST /consent requests.
// The form repeats the authorization request and adds decision (approve or
// deny) and optionally granted_scope. The me field names the authenticated
// resource owner. On approval the browser is redirected back to the client
// with a code; on denial with error=access_denied.
func (h *Handler) ConsentHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, err)
		return
	}
	ctx := req.Context()
	ar := authcode.RequestFromQuery(req.PostForm)

	summary, err := h.codes.Prepare(ctx, ar)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	ar = summary.Request

	switch req.PostForm.Get("decision") {
	case DecisionDeny:
		target, err := h.codes.Deny(ar)
		if err != nil {
			h.writeRequestError(w, err)
			return
		}
		logger.Debugw("authorization denied", "client_id", ar.ClientID)
		http.Redirect(w, req, target, http.StatusFound)
	case DecisionApprove:
		granted := ar.Scope
		if req.PostForm.Has("granted_scope") {
			granted = req.PostForm.Get("granted_scope")
		}
		issued, err := h.codes.Issue(ctx, ar, ar.Me, granted)
		if err != nil {
			h.writeRequestError(w, err)
			return
		}
		http.Redirect(w, req, issued.RedirectURL, http.StatusFound)
	default:
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, errors.New("decision must be approve or deny"))
	}
}

func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	if autherrors.IsValidation(err) {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, err)
		return
	}
	h.writeServerError(w, err)
}
