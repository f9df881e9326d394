// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// Stores groups the collections of the authorization server. All of them use
// the same backend, selected once at start-up.
type Stores struct {
	AuthorizationCodes Collection[*AuthorizationCode]
	AccessTokens       Collection[*AccessToken]
	RefreshTokens      Collection[*RefreshToken]
	ClientApplications Collection[*ClientApplication]
	UserProfiles       Collection[*UserProfile]

	backend Type
	tx      Transactor
	closer  func() error
}

// Backend returns the backend type the stores were built with.
func (s *Stores) Backend() Type {
	return s.backend
}

// RunInTx runs fn as one batch. On the sqlite backend the batch is a single
// transaction rolled back on failure; elsewhere fn simply runs.
func (s *Stores) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.RunInTx(ctx, fn)
}

// Close releases the resources held by the backend.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Compactor is implemented by collections that can drop superseded record versions.
type Compactor interface {
	Compact(ctx context.Context) (int, error)
}

// collections returns every collection, for maintenance tasks.
func (s *Stores) collections() map[string]any {
	return map[string]any{
		CollectionAuthorizationCodes: s.AuthorizationCodes,
		CollectionAccessTokens:       s.AccessTokens,
		CollectionRefreshTokens:      s.RefreshTokens,
		CollectionClientApplications: s.ClientApplications,
		CollectionUserProfiles:       s.UserProfiles,
	}
}

// New builds the stores for cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Stores, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debugw("creating storage", "type", string(cfg.Type))

	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStores(opts...), nil
	case TypeFile:
		return newFileStores(cfg, opts)
	case TypeLog:
		return newLogStores(cfg, opts)
	case TypeSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, DefaultSQLiteFile)
		}
		store, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return NewSQLStores(store, opts...), nil
	case TypeRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		stores := NewRedisStores(client, cfg.Redis.KeyPrefix, opts...)
		stores.closer = client.Close
		return stores, nil
	default:
		return nil, autherrors.NewConfigurationError(fmt.Sprintf("unknown storage type %q", cfg.Type), nil)
	}
}

// NewMemoryStores builds in-memory stores.
func NewMemoryStores(opts ...Option) *Stores {
	return &Stores{
		AuthorizationCodes: NewMemoryCollection[*AuthorizationCode](AuthorizationCodeSchema, opts...),
		AccessTokens:       NewMemoryCollection[*AccessToken](AccessTokenSchema, opts...),
		RefreshTokens:      NewMemoryCollection[*RefreshToken](RefreshTokenSchema, opts...),
		ClientApplications: NewMemoryCollection[*ClientApplication](ClientApplicationSchema, opts...),
		UserProfiles:       NewMemoryCollection[*UserProfile](UserProfileSchema, opts...),
		backend:            TypeMemory,
	}
}

func newFileStores(cfg Config, opts []Option) (*Stores, error) {
	codes, err := NewFileCollection[*AuthorizationCode](cfg.Dir, AuthorizationCodeSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	access, err := NewFileCollection[*AccessToken](cfg.Dir, AccessTokenSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	refresh, err := NewFileCollection[*RefreshToken](cfg.Dir, RefreshTokenSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	clients, err := NewFileCollection[*ClientApplication](cfg.Dir, ClientApplicationSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	profiles, err := NewFileCollection[*UserProfile](cfg.Dir, UserProfileSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	return &Stores{
		AuthorizationCodes: codes,
		AccessTokens:       access,
		RefreshTokens:      refresh,
		ClientApplications: clients,
		UserProfiles:       profiles,
		backend:            TypeFile,
	}, nil
}

func newLogStores(cfg Config, opts []Option) (*Stores, error) {
	codes, err := NewLogCollection[*AuthorizationCode](cfg.Dir, AuthorizationCodeSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	access, err := NewLogCollection[*AccessToken](cfg.Dir, AccessTokenSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	refresh, err := NewLogCollection[*RefreshToken](cfg.Dir, RefreshTokenSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	clients, err := NewLogCollection[*ClientApplication](cfg.Dir, ClientApplicationSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	profiles, err := NewLogCollection[*UserProfile](cfg.Dir, UserProfileSchema, cfg.Lock, opts...)
	if err != nil {
		return nil, err
	}
	return &Stores{
		AuthorizationCodes: codes,
		AccessTokens:       access,
		RefreshTokens:      refresh,
		ClientApplications: clients,
		UserProfiles:       profiles,
		backend:            TypeLog,
	}, nil
}

// NewSQLStores builds stores over an open SQLite database. Closing the stores
// closes the database.
func NewSQLStores(store *SQLStore, opts ...Option) *Stores {
	return &Stores{
		AuthorizationCodes: NewSQLCollection[*AuthorizationCode](store, AuthorizationCodeSchema, opts...),
		AccessTokens:       NewSQLCollection[*AccessToken](store, AccessTokenSchema, opts...),
		RefreshTokens:      NewSQLCollection[*RefreshToken](store, RefreshTokenSchema, opts...),
		ClientApplications: NewSQLCollection[*ClientApplication](store, ClientApplicationSchema, opts...),
		UserProfiles:       NewSQLCollection[*UserProfile](store, UserProfileSchema, opts...),
		backend:            TypeSQLite,
		tx:                 store,
		closer:             store.Close,
	}
}

// NewRedisStores builds stores over a Redis client. The client is not closed
// by Stores.Close; the caller owns it.
func NewRedisStores(client redis.UniversalClient, keyPrefix string, opts ...Option) *Stores {
	return &Stores{
		AuthorizationCodes: NewRedisCollection[*AuthorizationCode](client, keyPrefix, AuthorizationCodeSchema, opts...),
		AccessTokens:       NewRedisCollection[*AccessToken](client, keyPrefix, AccessTokenSchema, opts...),
		RefreshTokens:      NewRedisCollection[*RefreshToken](client, keyPrefix, RefreshTokenSchema, opts...),
		ClientApplications: NewRedisCollection[*ClientApplication](client, keyPrefix, ClientApplicationSchema, opts...),
		UserProfiles:       NewRedisCollection[*UserProfile](client, keyPrefix, UserProfileSchema, opts...),
		backend:            TypeRedis,
	}
}
