// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// IntrospectHandler handles POST /introspect requests (RFC 7662).
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, err)
		return
	}
	raw := req.PostForm.Get("token")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, errors.New("token is required"))
		return
	}

	result, err := h.revocation.Introspect(req.Context(), raw, req.PostForm.Get("token_type_hint"))
	if err != nil {
		h.writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RevokeHandler handles POST /revoke requests (RFC 7009). Unknown and
// already revoked tokens succeed; a token with a bad signature does not.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, err)
		return
	}
	raw := req.PostForm.Get("token")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, ErrorInvalidRequest, errors.New("token is required"))
		return
	}

	if err := h.revocation.RevokeToken(req.Context(), raw, req.PostForm.Get("token_type_hint")); err != nil {
		if autherrors.IsSignature(err) {
			h.writeError(w, http.StatusBadRequest, ErrorInvalidToken, err)
			return
		}
		h.writeServerError(w, err)
		return
	}
	h.metrics.tokenRevoked()
	writeJSON(w, http.StatusOK, struct{}{})
}
