// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

const (
	// redisMaxTxTries bounds the optimistic transaction retries of one mutation.
	redisMaxTxTries uint = 10

	redisTxRetryInterval = 10 * time.Millisecond
)

// NewRedisClient creates a Redis client from cfg and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	cfg.applyDefaults()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.SentinelMasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, autherrors.NewStorageIOError("failed to connect to redis", err)
	}
	return client, nil
}

func (c *RedisConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// RedisCollection keeps a collection in one Redis hash: field = record id,
// value = record JSON. Mutations run as WATCH/MULTI transactions on the hash
// and are retried a bounded number of times when another writer interferes.
type RedisCollection[R Record] struct {
	engine[R]

	client redis.UniversalClient
	key    string
}

var _ Collection[*AuthorizationCode] = (*RedisCollection[*AuthorizationCode])(nil)

// NewRedisCollection creates a collection stored under keyPrefix+collection.
func NewRedisCollection[R Record](client redis.UniversalClient, keyPrefix string, schema *Schema, opts ...Option) *RedisCollection[R] {
	return &RedisCollection[R]{
		engine: newEngine[R](schema, opts),
		client: client,
		key:    keyPrefix + schema.Name,
	}
}

func (c *RedisCollection[R]) load(ctx context.Context, cmd redis.Cmdable) ([]map[string]any, error) {
	raw, err := cmd.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to read %s", c.key), err)
	}
	rows := make([]map[string]any, 0, len(raw))
	for id, value := range raw {
		var fields map[string]any
		if err := json.Unmarshal([]byte(value), &fields); err != nil {
			return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to parse %s/%s", c.key, id), err)
		}
		rows = append(rows, fields)
	}
	// Hash iteration order is random; present records in insertion order.
	slices.SortFunc(rows, func(a, b map[string]any) int {
		ca, _ := a["created_at"].(float64)
		cb, _ := b["created_at"].(float64)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		ia, _ := a["id"].(string)
		ib, _ := b["id"].(string)
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	})
	return rows, nil
}

// transact runs fn in an optimistic transaction on the collection hash.
func (c *RedisCollection[R]) transact(ctx context.Context, fn func(tx *redis.Tx) error) error {
	attempt := func() (struct{}, error) {
		err := c.client.Watch(ctx, fn, c.key)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, redis.TxFailedErr):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(redisTxRetryInterval)),
		backoff.WithMaxTries(redisMaxTxTries),
		backoff.WithNotify(func(err error, _ time.Duration) {
			logger.Debugw("redis transaction conflict, retrying", "key", c.key, "error", err)
		}),
	)
	if errors.Is(err, redis.TxFailedErr) {
		return autherrors.NewRetryableStorageIOError(fmt.Sprintf("concurrent writers on %s", c.key), err)
	}
	return err
}

func (c *RedisCollection[R]) write(ctx context.Context, tx *redis.Tx, set []map[string]any, del []map[string]any) error {
	values := make([]any, 0, 2*len(set))
	for _, fields := range set {
		data, err := json.Marshal(fields)
		if err != nil {
			return autherrors.NewStorageIOError(fmt.Sprintf("failed to encode %s record", c.key), err)
		}
		values = append(values, fields["id"], string(data))
	}
	ids := make([]string, 0, len(del))
	for _, fields := range del {
		id, _ := fields["id"].(string)
		ids = append(ids, id)
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			pipe.HSet(ctx, c.key, values...)
		}
		if len(ids) > 0 {
			pipe.HDel(ctx, c.key, ids...)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to write %s", c.key), err)
	}
	return err
}

// StoreOne implements Collection.
func (c *RedisCollection[R]) StoreOne(ctx context.Context, r R) (R, error) {
	var zero R
	if err := c.ensureNotNil(r); err != nil {
		return zero, err
	}
	var stored map[string]any
	err := c.transact(ctx, func(tx *redis.Tx) error {
		rows, err := c.load(ctx, tx)
		if err != nil {
			return err
		}
		fields, err := c.prepareInsert(r, rows)
		if err != nil {
			return err
		}
		stored = fields
		return c.write(ctx, tx, []map[string]any{fields}, nil)
	})
	if err != nil {
		return zero, err
	}
	return decode[R](stored)
}

// RetrieveOne implements Collection.
func (c *RedisCollection[R]) RetrieveOne(ctx context.Context, q Query) (R, error) {
	rows, err := c.load(ctx, c.client)
	if err != nil {
		var zero R
		return zero, err
	}
	return c.retrieveOne(rows, q)
}

// RetrieveMany implements Collection.
func (c *RedisCollection[R]) RetrieveMany(ctx context.Context, q *Query) ([]R, error) {
	rows, err := c.load(ctx, c.client)
	if err != nil {
		return nil, err
	}
	return c.retrieveMany(rows, q)
}

// UpdateMany implements Collection.
func (c *RedisCollection[R]) UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error) {
	var updated []map[string]any
	err := c.transact(ctx, func(tx *redis.Tx) error {
		rows, err := c.load(ctx, tx)
		if err != nil {
			return err
		}
		_, changed, err := c.updateRows(rows, q)
		if err != nil || len(changed) == 0 {
			updated = nil
			return err
		}
		updated = changed
		return c.write(ctx, tx, changed, nil)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(updated, nil)
}

// RemoveMany implements Collection.
func (c *RedisCollection[R]) RemoveMany(ctx context.Context, q *Query) ([]R, error) {
	var removed []map[string]any
	err := c.transact(ctx, func(tx *redis.Tx) error {
		rows, err := c.load(ctx, tx)
		if err != nil {
			return err
		}
		_, gone, err := c.removeRows(rows, q)
		if err != nil || len(gone) == 0 {
			removed = nil
			return err
		}
		removed = gone
		return c.write(ctx, tx, nil, gone)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(removed, nil)
}
