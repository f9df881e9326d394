// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the IndieAuth authorization server.
//
// The server supports:
//   - Authorization Code flow with mandatory PKCE (RFC 7636)
//   - Signed JWT access tokens with rotating refresh tokens
//   - Token introspection (RFC 7662) and revocation (RFC 7009)
//   - Client metadata registration (RFC 7591 request shape)
//   - OAuth 2.0 Authorization Server Metadata (RFC 8414) and a public JWKS
//
// # Usage
//
// A RunConfig is read from a YAML file and resolved into a Config, which
// New turns into a running Server:
//
//	rc, err := authserver.LoadRunConfig("indieauth.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg, err := rc.ToConfig()
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.ListenAndServe(ctx)
//
// # Storage
//
// Records live in one of five backends selected by storage.type: memory,
// file (one JSON document per collection), log (append-only JSONL), sqlite
// and redis. A background reaper removes expired codes and tokens.
//
// # Subpackages
//
//   - storage: collections, query engine and backends
//   - server/keys: signing key providers and the JWKS model
//   - token: access token minting and refresh rotation
//   - authcode: authorization request validation and code redemption
//   - revocation: token verification, revocation and introspection
//   - server/handlers: the HTTP surface
package authserver
