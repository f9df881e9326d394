// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/indieauth/pkg/authserver/token"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1).
const (
	ErrorInvalidRequest         = "invalid_request"
	ErrorInvalidGrant           = "invalid_grant"
	ErrorInvalidScope           = "invalid_scope"
	ErrorInvalidToken           = "invalid_token"
	ErrorUnsupportedGrantType   = "unsupported_grant_type"
	ErrorServerError            = "server_error"
	ErrorTemporarilyUnavailable = "temporarily_unavailable"
)

// ErrorResponse is the JSON body of an OAuth error.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeJSON writes v with the no-store headers token responses require.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	// Encoding errors are not recoverable (headers already written), log for diagnostics
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

// writeError writes an OAuth error. The description is derived from err and
// only sent when descriptions are enabled.
func (h *Handler) writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := ErrorResponse{Error: code}
	if h.cfg.ExposeErrorDescriptions && err != nil {
		resp.ErrorDescription = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServerError logs err and writes the status attached to its type.
func (h *Handler) writeServerError(w http.ResponseWriter, err error) {
	if autherrors.IsRetryable(err) {
		logger.Warnw("storage busy", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, ErrorTemporarilyUnavailable, err)
		return
	}
	logger.Errorw("request failed", "error", err)
	status := httperr.Code(autherrors.WithHTTPCode(err))
	if status < http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	h.writeError(w, status, ErrorServerError, err)
}

// writeGrantError maps a redemption or refresh failure to an OAuth error.
func (h *Handler) writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidScope):
		h.writeError(w, http.StatusBadRequest, ErrorInvalidScope, err)
	case autherrors.IsValidation(err),
		autherrors.IsNotFound(err),
		autherrors.IsExpired(err),
		autherrors.IsAlreadyUsed(err),
		autherrors.IsRevoked(err):
		h.writeError(w, http.StatusBadRequest, ErrorInvalidGrant, err)
	default:
		h.writeServerError(w, err)
	}
}
