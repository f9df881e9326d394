// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// FileCollection keeps a collection in a single JSON file holding an array of
// records. Every mutation is a whole-file read-modify-write under an exclusive
// file lock; reads take a shared lock.
type FileCollection[R Record] struct {
	engine[R]

	path string
	lock LockConfig
	// mu serializes writers of this process so they do not contend on the file lock.
	mu sync.Mutex
}

var _ Collection[*RefreshToken] = (*FileCollection[*RefreshToken])(nil)

// NewFileCollection creates a collection stored in dir/<collection>.json. The
// directory is created if needed; the file is created on the first write.
func NewFileCollection[R Record](dir string, schema *Schema, lock LockConfig, opts ...Option) (*FileCollection[R], error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to create data directory %s", dir), err)
	}
	return &FileCollection[R]{
		engine: newEngine[R](schema, opts),
		path:   filepath.Join(dir, schema.Name+".json"),
		lock:   lock,
	}, nil
}

// Path returns the collection file.
func (c *FileCollection[R]) Path() string {
	return c.path
}

func (c *FileCollection[R]) read() ([]map[string]any, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to read %s", c.path), err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to parse %s", c.path), err)
	}
	return rows, nil
}

func (c *FileCollection[R]) write(rows []map[string]any) error {
	if rows == nil {
		rows = []map[string]any{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to encode %s", c.path), err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to write %s", c.path), err)
	}
	return nil
}

func (c *FileCollection[R]) readLocked(ctx context.Context) ([]map[string]any, error) {
	var rows []map[string]any
	err := withFileLock(ctx, c.path, c.lock, lockShared, func() error {
		var err error
		rows, err = c.read()
		return err
	})
	return rows, err
}

// mutate runs fn over the current rows under the exclusive lock and writes
// back the rows it returns. Nothing is written when fn fails.
func (c *FileCollection[R]) mutate(ctx context.Context, fn func(rows []map[string]any) ([]map[string]any, bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return withFileLock(ctx, c.path, c.lock, lockExclusive, func() error {
		rows, err := c.read()
		if err != nil {
			return err
		}
		next, changed, err := fn(rows)
		if err != nil || !changed {
			return err
		}
		return c.write(next)
	})
}

// StoreOne implements Collection.
func (c *FileCollection[R]) StoreOne(ctx context.Context, r R) (R, error) {
	var zero R
	if err := c.ensureNotNil(r); err != nil {
		return zero, err
	}
	var stored map[string]any
	err := c.mutate(ctx, func(rows []map[string]any) ([]map[string]any, bool, error) {
		fields, err := c.prepareInsert(r, rows)
		if err != nil {
			return nil, false, err
		}
		stored = fields
		return append(rows, fields), true, nil
	})
	if err != nil {
		return zero, err
	}
	return decode[R](stored)
}

// RetrieveOne implements Collection.
func (c *FileCollection[R]) RetrieveOne(ctx context.Context, q Query) (R, error) {
	rows, err := c.readLocked(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	return c.retrieveOne(rows, q)
}

// RetrieveMany implements Collection.
func (c *FileCollection[R]) RetrieveMany(ctx context.Context, q *Query) ([]R, error) {
	rows, err := c.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.retrieveMany(rows, q)
}

// UpdateMany implements Collection.
func (c *FileCollection[R]) UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error) {
	var updated []map[string]any
	err := c.mutate(ctx, func(rows []map[string]any) ([]map[string]any, bool, error) {
		next, changed, err := c.updateRows(rows, q)
		if err != nil {
			return nil, false, err
		}
		updated = changed
		return next, len(changed) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(updated, nil)
}

// RemoveMany implements Collection.
func (c *FileCollection[R]) RemoveMany(ctx context.Context, q *Query) ([]R, error) {
	var removed []map[string]any
	err := c.mutate(ctx, func(rows []map[string]any) ([]map[string]any, bool, error) {
		kept, gone, err := c.removeRows(rows, q)
		if err != nil {
			return nil, false, err
		}
		removed = gone
		return kept, len(gone) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(removed, nil)
}
