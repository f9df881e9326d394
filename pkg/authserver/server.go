// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/indieauth/pkg/authserver/authcode"
	"github.com/stacklok/indieauth/pkg/authserver/revocation"
	"github.com/stacklok/indieauth/pkg/authserver/server/handlers"
	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/authserver/storage"
	"github.com/stacklok/indieauth/pkg/authserver/token"
	"github.com/stacklok/indieauth/pkg/logger"
	"github.com/stacklok/indieauth/pkg/networking"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the assembled authorization server.
type Server struct {
	cfg     Config
	stores  *storage.Stores
	reaper  *storage.Reaper
	remote  *revocation.RemoteKeySource
	handler *handlers.Handler

	closeOnce sync.Once
	closeErr  error
}

// serverOptions holds optional dependencies, used by tests.
type serverOptions struct {
	stores *storage.Stores
	clock  func() time.Time
}

// Option configures the server during construction.
type Option func(*serverOptions)

// WithStores uses stores instead of building them from Config.Storage.
func WithStores(stores *storage.Stores) Option {
	return func(o *serverOptions) { o.stores = stores }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.clock = now }
}

// New creates the server and starts the reaper. Close releases it.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	options := &serverOptions{clock: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	stores := options.stores
	if stores == nil {
		var err error
		stores, err = storage.New(ctx, cfg.Storage, storage.WithClock(options.clock))
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}

	s := &Server{cfg: cfg, stores: stores}
	if err := s.init(ctx, options.clock); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.reaper = storage.NewReaper(stores, cfg.CleanupInterval, options.clock)
	s.reaper.Start(context.WithoutCancel(ctx))

	logger.Infow("authorization server initialized",
		"issuer", cfg.Issuer,
		"storage", string(stores.Backend()),
	)
	return s, nil
}

func (s *Server) init(ctx context.Context, clock func() time.Time) error {
	cfg := s.cfg

	issuer, err := token.NewIssuer(token.Config{
		Issuer:          cfg.Issuer,
		AccessTokenTTL:  cfg.AccessTokenLifespan,
		RefreshTokenTTL: cfg.RefreshTokenLifespan,
	}, cfg.KeyProvider, s.stores, token.WithClock(clock))
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	var source revocation.KeySource = revocation.NewLocalKeySource(cfg.KeyProvider)
	if cfg.RemoteJWKSURL != "" {
		httpClient, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.RemoteJWKSTimeout).
			WithCABundle(cfg.RemoteJWKSCABundle).
			WithPrivateIPs(cfg.RemoteJWKSAllowPrivate).
			Build()
		if err != nil {
			return fmt.Errorf("failed to build JWKS HTTP client: %w", err)
		}
		s.remote, err = revocation.NewRemoteKeySource(ctx, revocation.RemoteConfig{
			URL:        cfg.RemoteJWKSURL,
			HTTPClient: httpClient,
			Timeout:    cfg.RemoteJWKSTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote key source: %w", err)
		}
		source = s.remote
	}

	verifier, err := revocation.NewVerifier(revocation.VerifierConfig{
		Issuer: cfg.Issuer,
		MaxAge: cfg.TokenMaxAge,
	}, source, revocation.WithVerifierClock(clock))
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	codes := authcode.NewManager(authcode.Config{
		Issuer: cfg.Issuer,
		TTL:    cfg.AuthCodeLifespan,
	}, s.stores, authcode.WithClock(clock))

	s.handler = handlers.NewHandler(handlers.Config{
		Issuer:                  cfg.Issuer,
		ExposeErrorDescriptions: cfg.ExposeErrorDescriptions,
		EnableRegistration:      cfg.EnableRegistration,
		TokenRateLimit:          cfg.TokenRateLimit,
		TokenRateBurst:          cfg.TokenRateBurst,
	}, codes, issuer, revocation.NewService(verifier, s.stores), cfg.KeyProvider, s.stores,
		handlers.WithClock(clock),
	)
	return nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler.Routes()
}

// Stores returns the server's storage.
func (s *Server) Stores() *storage.Stores {
	return s.stores
}

// ReloadKeys re-reads key material when the provider supports it. In-flight
// requests keep the key set they started with.
func (s *Server) ReloadKeys(ctx context.Context) error {
	reloader, ok := s.cfg.KeyProvider.(keys.Reloader)
	if !ok {
		logger.Infow("key provider does not support reloading")
		return nil
	}
	if err := reloader.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload keys: %w", err)
	}
	logger.Infow("reloaded signing keys")
	return nil
}

// ListenAndServe serves HTTP on the configured address until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves HTTP on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infow("starting HTTP server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infow("HTTP server stopped")
	return nil
}

// Close stops the reaper and releases storage and the remote key cache.
// It is idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.reaper != nil {
			s.reaper.Stop()
		}
		var errs []error
		if s.remote != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = append(errs, s.remote.Close(ctx))
			cancel()
		}
		if s.stores != nil {
			errs = append(errs, s.stores.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
