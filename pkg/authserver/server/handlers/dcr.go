// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/indieauth/pkg/authserver/server/registration"
	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// maxDCRBodySize is the maximum allowed size for registration request bodies (64KB).
const maxDCRBodySize = 64 * 1024

// RegisterClientHandler handles POST /register requests.
// It pins the redirect URIs and display metadata of a client identified by
// its client_id URL, following the RFC 7591 request and response shapes.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)

	contentType := req.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		writeDCRError(w, http.StatusBadRequest, &registration.Error{
			Code:        registration.ErrorInvalidClientMetadata,
			Description: "Content-Type must be application/json",
		})
		return
	}

	var dcrReq registration.Request
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeDCRError(w, http.StatusBadRequest, &registration.Error{
			Code:        registration.ErrorInvalidClientMetadata,
			Description: "invalid JSON request body",
		})
		return
	}

	client, dcrErr := registration.Validate(&dcrReq)
	if dcrErr != nil {
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	stored, err := h.stores.ClientApplications.StoreOne(ctx, client)
	if err != nil {
		if autherrors.IsConflict(err) {
			writeDCRError(w, http.StatusBadRequest, &registration.Error{
				Code:        registration.ErrorInvalidClientMetadata,
				Description: "client_id is already registered",
			})
			return
		}
		logger.Errorw("failed to register client", "error", err)
		writeDCRError(w, http.StatusInternalServerError, &registration.Error{
			Code:        ErrorServerError,
			Description: "failed to register client",
		})
		return
	}

	logger.Debugw("registered client",
		"client_id", stored.ClientID,
		"client_name", stored.ClientName,
	)
	writeJSON(w, http.StatusCreated, registration.NewResponse(stored, h.now().Unix()))
}

// writeDCRError writes a registration error response per RFC 7591 Section 3.2.2.
func writeDCRError(w http.ResponseWriter, statusCode int, dcrErr *registration.Error) {
	writeJSON(w, statusCode, dcrErr)
}
