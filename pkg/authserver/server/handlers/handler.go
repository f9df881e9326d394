// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	"github.com/stacklok/indieauth/pkg/authserver/revocation"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	"github.com/stacklok/indieauth/pkg/authserver/token"
)

// Default token endpoint rate limit.
const (
	DefaultTokenRateLimit = 50
	DefaultTokenRateBurst = 100
)

// requestTimeout bounds every request handled by the router.
const requestTimeout = 30 * time.Second

// Config configures the HTTP surface.
type Config struct {
	// Issuer is the server's base URL, used in metadata documents.
	Issuer string
	// ExposeErrorDescriptions adds error_description to error responses.
	ExposeErrorDescriptions bool
	// EnableRegistration mounts the client registration endpoint.
	EnableRegistration bool
	// TokenRateLimit is the sustained token endpoint rate in requests per
	// second. Negative disables limiting.
	TokenRateLimit float64
	// TokenRateBurst is the token endpoint burst size.
	TokenRateBurst int
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	cfg        Config
	codes      *authcode.Manager
	issuer     *token.Issuer
	revocation *revocation.Service
	keys       keys.KeyProvider
	stores     *storage.Stores
	limiter    *rate.Limiter
	metrics    *Metrics
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source used for expires_in.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMetrics records request metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	cfg Config,
	codes *authcode.Manager,
	issuer *token.Issuer,
	rev *revocation.Service,
	provider keys.KeyProvider,
	stores *storage.Stores,
	opts ...Option,
) *Handler {
	limit := rate.Limit(cfg.TokenRateLimit)
	switch {
	case cfg.TokenRateLimit < 0:
		limit = rate.Inf
	case cfg.TokenRateLimit == 0:
		limit = DefaultTokenRateLimit
	}
	burst := cfg.TokenRateBurst
	if burst <= 0 {
		burst = DefaultTokenRateBurst
	}

	h := &Handler{
		cfg:        cfg,
		codes:      codes,
		issuer:     issuer,
		revocation: rev,
		keys:       provider,
		stores:     stores,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	return h
}

// Metrics returns the handler's metrics.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		h.metrics.Middleware,
	)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", h.HealthHandler)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	return r
}

// OAuthRoutes registers the authorization, token, introspection and
// revocation endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Post("/consent", h.ConsentHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/introspect", h.IntrospectHandler)
	r.Post("/revoke", h.RevokeHandler)
	if h.cfg.EnableRegistration {
		r.Post("/register", h.RegisterClientHandler)
	}
}

// WellKnownRoutes registers the JWKS and RFC 8414 metadata endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
}
