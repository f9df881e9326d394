// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

// maxLogLine bounds a single JSONL entry.
const maxLogLine = 1 << 20

// LogCollection keeps a collection in an append-only JSONL file. Each line is
// one version of a record; the latest version of an id wins on read. Inserts
// and updates only ever append. Removal is the one operation that rewrites
// the file, filtering out every version of the removed records.
type LogCollection[R Record] struct {
	engine[R]

	path string
	lock LockConfig
	mu   sync.Mutex
}

var _ Collection[*AccessToken] = (*LogCollection[*AccessToken])(nil)

// NewLogCollection creates a collection stored in dir/<collection>.jsonl.
func NewLogCollection[R Record](dir string, schema *Schema, lock LockConfig, opts ...Option) (*LogCollection[R], error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to create data directory %s", dir), err)
	}
	return &LogCollection[R]{
		engine: newEngine[R](schema, opts),
		path:   filepath.Join(dir, schema.Name+".jsonl"),
		lock:   lock,
	}, nil
}

// Path returns the log file.
func (c *LogCollection[R]) Path() string {
	return c.path
}

// readVersions returns every entry of the log in append order.
func (c *LogCollection[R]) readVersions() ([]map[string]any, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to open %s", c.path), err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Debugw("failed to close log file", "path", c.path, "error", err)
		}
	}()

	var versions []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to parse %s line %d", c.path, line), err)
		}
		versions = append(versions, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("failed to read %s", c.path), err)
	}
	return versions, nil
}

// latest collapses versions to the newest entry per id, ordered by first appearance.
func latest(versions []map[string]any) []map[string]any {
	pos := make(map[any]int)
	var rows []map[string]any
	for _, v := range versions {
		id := v["id"]
		if i, ok := pos[id]; ok {
			rows[i] = v
			continue
		}
		pos[id] = len(rows)
		rows = append(rows, v)
	}
	return rows
}

func (c *LogCollection[R]) current() ([]map[string]any, error) {
	versions, err := c.readVersions()
	if err != nil {
		return nil, err
	}
	return latest(versions), nil
}

func (c *LogCollection[R]) readLocked(ctx context.Context) ([]map[string]any, error) {
	var rows []map[string]any
	err := withFileLock(ctx, c.path, c.lock, lockShared, func() error {
		var err error
		rows, err = c.current()
		return err
	})
	return rows, err
}

func encodeLines(entries []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// appendEntries writes entries at the end of the log in a single write.
func (c *LogCollection[R]) appendEntries(entries []map[string]any) error {
	data, err := encodeLines(entries)
	if err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to encode %s entries", c.path), err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to open %s", c.path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to append to %s", c.path), err)
	}
	if err := f.Close(); err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to close %s", c.path), err)
	}
	return nil
}

// rewrite replaces the log with entries through a temporary file and a rename.
func (c *LogCollection[R]) rewrite(entries []map[string]any) error {
	data, err := encodeLines(entries)
	if err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to encode %s entries", c.path), err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to write %s", tmp), err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to replace %s", c.path), err)
	}
	return nil
}

func (c *LogCollection[R]) exclusive(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return withFileLock(ctx, c.path, c.lock, lockExclusive, fn)
}

// StoreOne implements Collection.
func (c *LogCollection[R]) StoreOne(ctx context.Context, r R) (R, error) {
	var zero R
	if err := c.ensureNotNil(r); err != nil {
		return zero, err
	}
	var stored map[string]any
	err := c.exclusive(ctx, func() error {
		rows, err := c.current()
		if err != nil {
			return err
		}
		fields, err := c.prepareInsert(r, rows)
		if err != nil {
			return err
		}
		stored = fields
		return c.appendEntries([]map[string]any{fields})
	})
	if err != nil {
		return zero, err
	}
	return decode[R](stored)
}

// RetrieveOne implements Collection.
func (c *LogCollection[R]) RetrieveOne(ctx context.Context, q Query) (R, error) {
	rows, err := c.readLocked(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	return c.retrieveOne(rows, q)
}

// RetrieveMany implements Collection.
func (c *LogCollection[R]) RetrieveMany(ctx context.Context, q *Query) ([]R, error) {
	rows, err := c.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.retrieveMany(rows, q)
}

// UpdateMany implements Collection. Every match gets a new version appended.
func (c *LogCollection[R]) UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error) {
	var updated []map[string]any
	err := c.exclusive(ctx, func() error {
		rows, err := c.current()
		if err != nil {
			return err
		}
		_, changed, err := c.updateRows(rows, q)
		if err != nil || len(changed) == 0 {
			return err
		}
		updated = changed
		return c.appendEntries(changed)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(updated, nil)
}

// RemoveMany implements Collection.
func (c *LogCollection[R]) RemoveMany(ctx context.Context, q *Query) ([]R, error) {
	var removed []map[string]any
	err := c.exclusive(ctx, func() error {
		versions, err := c.readVersions()
		if err != nil {
			return err
		}
		_, gone, err := c.removeRows(latest(versions), q)
		if err != nil || len(gone) == 0 {
			return err
		}
		removed = gone

		ids := make(map[any]struct{}, len(gone))
		for _, row := range gone {
			ids[row["id"]] = struct{}{}
		}
		kept := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			if _, drop := ids[v["id"]]; !drop {
				kept = append(kept, v)
			}
		}
		return c.rewrite(kept)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(removed, nil)
}

// Compact rewrites the log keeping only the latest version of each record.
// It returns the number of superseded versions dropped.
func (c *LogCollection[R]) Compact(ctx context.Context) (int, error) {
	dropped := 0
	err := c.exclusive(ctx, func() error {
		versions, err := c.readVersions()
		if err != nil {
			return err
		}
		rows := latest(versions)
		dropped = len(versions) - len(rows)
		if dropped == 0 {
			return nil
		}
		return c.rewrite(rows)
	})
	return dropped, err
}
