// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides HTTP handlers for the IndieAuth authorization server endpoints.
//
// This package implements the HTTP layer for the authorization server, including:
//   - Authorization and consent (/authorize, /consent)
//   - Token, introspection and revocation endpoints (/token, /introspect, /revoke)
//   - Client registration (/register), when enabled
//   - JWKS and RFC 8414 metadata under /.well-known
//   - Health and Prometheus metrics
//
// The Handler struct coordinates all handlers and provides route registration methods
// for integrating with standard Go HTTP servers.
package handlers
