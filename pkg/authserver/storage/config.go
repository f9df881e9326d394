// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"time"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory keeps every collection in process memory (default).
	TypeMemory Type = "memory"

	// TypeFile keeps each collection in a single JSON file.
	TypeFile Type = "file"

	// TypeLog keeps each collection in an append-only JSONL log.
	TypeLog Type = "log"

	// TypeSQLite keeps every collection in a table of an embedded SQLite database.
	TypeSQLite Type = "sqlite"

	// TypeRedis keeps each collection in a Redis hash.
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often the reaper runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultLockTimeout bounds a single file lock acquisition attempt.
	DefaultLockTimeout = 1 * time.Second

	// DefaultLockRetryInterval is the delay between lock attempts.
	DefaultLockRetryInterval = 100 * time.Millisecond

	// DefaultLockMaxTries is how many acquisition attempts are made before
	// failing with a retryable storage error.
	DefaultLockMaxTries uint = 5

	// DefaultSQLiteFile is the database file name used when only a directory is configured.
	DefaultSQLiteFile = "indieauth.db"

	// DefaultRedisKeyPrefix namespaces the collection hashes.
	DefaultRedisKeyPrefix = "indieauth:"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// LockConfig bounds file lock acquisition.
type LockConfig struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	MaxTries      uint
}

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists the Redis endpoints. A single address selects a standalone
	// client; with SentinelMasterName set they are Sentinel addresses.
	Addrs []string

	// SentinelMasterName enables Sentinel failover.
	SentinelMasterName string

	DB       int
	Username string
	Password string

	// KeyPrefix for multi-tenancy, e.g. "indieauth:prod:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// Dir holds the collection files of the file and log backends, and the
	// SQLite database when SQLitePath is empty.
	Dir string

	// SQLitePath is the SQLite database file.
	SQLitePath string

	Redis RedisConfig
	Lock  LockConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
		Lock: LockConfig{
			Timeout:       DefaultLockTimeout,
			RetryInterval: DefaultLockRetryInterval,
			MaxTries:      DefaultLockMaxTries,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = TypeMemory
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = DefaultLockTimeout
	}
	if c.Lock.RetryInterval == 0 {
		c.Lock.RetryInterval = DefaultLockRetryInterval
	}
	if c.Lock.MaxTries == 0 {
		c.Lock.MaxTries = DefaultLockMaxTries
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = DefaultDialTimeout
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = DefaultReadTimeout
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = DefaultWriteTimeout
	}
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory, "":
	case TypeFile, TypeLog:
		if c.Dir == "" {
			return autherrors.NewConfigurationError(fmt.Sprintf("storage type %q requires a directory", c.Type), nil)
		}
	case TypeSQLite:
		if c.Dir == "" && c.SQLitePath == "" {
			return autherrors.NewConfigurationError("storage type \"sqlite\" requires a directory or a database path", nil)
		}
	case TypeRedis:
		if len(c.Redis.Addrs) == 0 {
			return autherrors.NewConfigurationError("storage type \"redis\" requires at least one address", nil)
		}
	default:
		return autherrors.NewConfigurationError(fmt.Sprintf("unknown storage type %q", c.Type), nil)
	}
	return nil
}

// RunConfig is the serializable storage configuration read from the config file.
type RunConfig struct {
	// Type specifies the storage backend type. Defaults to "memory".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Dir is the data directory of the file, log and sqlite backends.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// SQLitePath overrides the database file of the sqlite backend.
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisRunConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisRunConfig is the serializable Redis configuration. The password is
// read from the environment variable named by PasswordEnvVar.
type RedisRunConfig struct {
	Addrs              []string `json:"addrs" yaml:"addrs"`
	SentinelMasterName string   `json:"sentinel_master_name,omitempty" yaml:"sentinel_master_name,omitempty"`
	DB                 int      `json:"db,omitempty" yaml:"db,omitempty"`
	Username           string   `json:"username,omitempty" yaml:"username,omitempty"`
	PasswordEnvVar     string   `json:"password_env_var,omitempty" yaml:"password_env_var,omitempty"`
	KeyPrefix          string   `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}
