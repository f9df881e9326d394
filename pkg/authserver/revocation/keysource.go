// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package revocation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/indieauth/pkg/authserver/server/keys"
	"github.com/stacklok/indieauth/pkg/logger"
)

// DefaultJWKSTimeout bounds every remote JWKS fetch.
const DefaultJWKSTimeout = 5 * time.Second

// defaultRefreshInterval limits refetches triggered by unknown key IDs.
const defaultRefreshInterval = 10 * time.Second

// KeySource resolves the public key for a key ID.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// LocalKeySource reads public keys from the in-process key provider.
type LocalKeySource struct {
	provider keys.KeyProvider
}

// NewLocalKeySource creates a key source over provider.
func NewLocalKeySource(provider keys.KeyProvider) *LocalKeySource {
	return &LocalKeySource{provider: provider}
}

// Key implements KeySource.
func (s *LocalKeySource) Key(ctx context.Context, kid string) (any, error) {
	set, err := s.provider.KeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load key set: %w", err)
	}
	key, err := set.VerificationKey(kid)
	if err != nil {
		return nil, err
	}
	return key.Key, nil
}

// RemoteConfig configures a RemoteKeySource.
type RemoteConfig struct {
	// URL is the JWKS document location.
	URL string
	// HTTPClient is used for fetches. Defaults to a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds each fetch.
	Timeout time.Duration
	// RefreshInterval is the minimum spacing of refetches caused by an
	// unknown kid. Negative disables the limit.
	RefreshInterval time.Duration
}

// RemoteKeySource fetches and caches a JWKS document over HTTP. A lookup for
// an unknown kid triggers one rate limited refetch, so rotated keys are picked
// up without waiting for the cache to expire.
type RemoteKeySource struct {
	url     string
	timeout time.Duration
	cache   *jwk.Cache
	limiter *rate.Limiter
	group   singleflight.Group

	registered bool
	registerMu sync.Mutex
}

// NewRemoteKeySource starts the JWKS cache. The document is fetched lazily on
// the first lookup. Call Close to stop the background refresher.
func NewRemoteKeySource(ctx context.Context, cfg RemoteConfig) (*RemoteKeySource, error) {
	if cfg.URL == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJWKSTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(cfg.HTTPClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	limit := rate.Every(defaultRefreshInterval)
	switch {
	case cfg.RefreshInterval < 0:
		limit = rate.Inf
	case cfg.RefreshInterval > 0:
		limit = rate.Every(cfg.RefreshInterval)
	}

	return &RemoteKeySource{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		cache:   cache,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// URL returns the JWKS location.
func (s *RemoteKeySource) URL() string {
	return s.url
}

// ensureRegistered registers the URL with the cache, fetching it once.
// A failed registration is retried on the next lookup.
func (s *RemoteKeySource) ensureRegistered(ctx context.Context) error {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	if s.registered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.cache.Register(registrationCtx, s.url); err != nil {
		_ = s.cache.Unregister(context.WithoutCancel(ctx), s.url)
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	s.registered = true
	return nil
}

// Key implements KeySource.
func (s *RemoteKeySource) Key(ctx context.Context, kid string) (any, error) {
	if err := s.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		if set, err = s.refresh(ctx); err != nil {
			return nil, err
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("%w: %s", keys.ErrUnknownKid, kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// refresh refetches the document. Concurrent callers share one fetch and
// refetches beyond the rate limit reuse the cached set.
func (s *RemoteKeySource) refresh(ctx context.Context) (jwk.Set, error) {
	if !s.limiter.Allow() {
		return s.cache.Lookup(ctx, s.url)
	}

	v, err, _ := s.group.Do(s.url, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		logger.Debugw("refreshing remote JWKS", "url", s.url)
		return s.cache.Refresh(fetchCtx, s.url)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	return v.(jwk.Set), nil
}

// Close stops the cache's background refresher.
func (s *RemoteKeySource) Close(ctx context.Context) error {
	return s.cache.Shutdown(ctx)
}
