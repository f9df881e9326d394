// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryCollection keeps a collection in process memory. Every mutation builds
// a new snapshot and swaps it in atomically, so readers never observe a
// partially applied write. Writers are serialized by a mutex.
type MemoryCollection[R Record] struct {
	engine[R]

	mu   sync.Mutex
	rows atomic.Pointer[[]map[string]any]
}

// Compile-time interface checks.
var (
	_ Collection[*AuthorizationCode] = (*MemoryCollection[*AuthorizationCode])(nil)
	_ Collection[*UserProfile]       = (*MemoryCollection[*UserProfile])(nil)
)

// NewMemoryCollection creates an empty in-memory collection.
func NewMemoryCollection[R Record](schema *Schema, opts ...Option) *MemoryCollection[R] {
	c := &MemoryCollection[R]{engine: newEngine[R](schema, opts)}
	empty := []map[string]any{}
	c.rows.Store(&empty)
	return c
}

func (c *MemoryCollection[R]) snapshot() []map[string]any {
	return *c.rows.Load()
}

func (c *MemoryCollection[R]) swap(rows []map[string]any) {
	if rows == nil {
		rows = []map[string]any{}
	}
	c.rows.Store(&rows)
}

// StoreOne implements Collection.
func (c *MemoryCollection[R]) StoreOne(ctx context.Context, r R) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := c.ensureNotNil(r); err != nil {
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rows := c.snapshot()
	fields, err := c.prepareInsert(r, rows)
	if err != nil {
		return zero, err
	}

	next := make([]map[string]any, len(rows), len(rows)+1)
	copy(next, rows)
	c.swap(append(next, fields))

	return decode[R](fields)
}

// RetrieveOne implements Collection.
func (c *MemoryCollection[R]) RetrieveOne(ctx context.Context, q Query) (R, error) {
	if err := ctx.Err(); err != nil {
		var zero R
		return zero, err
	}
	return c.retrieveOne(c.snapshot(), q)
}

// RetrieveMany implements Collection.
func (c *MemoryCollection[R]) RetrieveMany(ctx context.Context, q *Query) ([]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.retrieveMany(c.snapshot(), q)
}

// UpdateMany implements Collection.
func (c *MemoryCollection[R]) UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next, updated, err := c.updateRows(c.snapshot(), q)
	if err != nil {
		return nil, err
	}
	if len(updated) > 0 {
		c.swap(next)
	}
	return c.decodeAll(updated, nil)
}

// RemoveMany implements Collection.
func (c *MemoryCollection[R]) RemoveMany(ctx context.Context, q *Query) ([]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept, removed, err := c.removeRows(c.snapshot(), q)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		c.swap(kept)
	}
	return c.decodeAll(removed, nil)
}
