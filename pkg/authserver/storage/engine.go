// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// Option configures a collection.
type Option func(*options)

type options struct {
	clock func() time.Time
	newID func() string
}

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithIDGenerator overrides the generator of record ids.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		o.newID = newID
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// engine holds the backend independent part of a collection: record
// encoding, validation, metadata assignment and in-memory query evaluation.
// Backends that hold their records as field maps (memory, file, log, redis)
// run every operation through it.
type engine[R Record] struct {
	schema *Schema
	options
}

func newEngine[R Record](schema *Schema, opts []Option) engine[R] {
	return engine[R]{schema: schema, options: buildOptions(opts)}
}

func (e *engine[R]) nowMillis() int64 {
	return e.clock().UnixMilli()
}

// encode converts a record into its persisted field map.
func encode(r Record) (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// decode converts a field map back into a record.
func decode[R Record](fields map[string]any) (R, error) {
	var r R
	data, err := json.Marshal(fields)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, err
	}
	return r, nil
}

func (e *engine[R]) decodeAll(rows []map[string]any, sel []string) ([]R, error) {
	out := make([]R, 0, len(rows))
	for _, row := range rows {
		r, err := decode[R](project(row, sel))
		if err != nil {
			return nil, autherrors.NewStorageIOError(
				fmt.Sprintf("collection %s: failed to decode record", e.schema.Name), err)
		}
		out = append(out, r)
	}
	return out, nil
}

// project keeps the selected fields and the id.
func project(fields map[string]any, sel []string) map[string]any {
	if len(sel) == 0 {
		return fields
	}
	out := map[string]any{"id": fields["id"]}
	for _, name := range sel {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

func (e *engine[R]) checkSelect(sel []string) error {
	for _, name := range sel {
		if _, err := e.schema.lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// prepareInsert validates r, assigns metadata and returns the field map to
// persist. r itself is left untouched. existing is the current content of
// the collection, used for the natural key uniqueness check.
func (e *engine[R]) prepareInsert(r R, existing []map[string]any) (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, asValidation(e.schema.Name, err)
	}

	fields, err := encode(r)
	if err != nil {
		return nil, autherrors.NewValidationError(
			fmt.Sprintf("collection %s: record is not serializable", e.schema.Name), err)
	}
	now := float64(e.nowMillis())
	fields["id"] = e.newID()
	fields["created_at"] = now
	fields["updated_at"] = now

	if err := e.checkUnique(fields, existing); err != nil {
		return nil, err
	}
	if err := e.schema.validateOutput(fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (e *engine[R]) checkUnique(candidate map[string]any, existing []map[string]any) error {
	key := e.schema.Key
	for _, row := range existing {
		if row["id"] == candidate["id"] {
			continue
		}
		if valuesEqual(row[key], candidate[key]) {
			return autherrors.NewConflictError(
				fmt.Sprintf("collection %s: a record with this %s already exists", e.schema.Name, key), nil)
		}
	}
	return nil
}

// compileUpdate checks the set clause and normalizes its values.
func (e *engine[R]) compileUpdate(set map[string]any) (map[string]any, error) {
	if len(set) == 0 {
		return nil, autherrors.NewValidationError("update requires at least one field to set", nil)
	}
	out := make(map[string]any, len(set))
	for name, value := range set {
		switch name {
		case "id", "created_at", "updated_at":
			return nil, autherrors.NewValidationError(fmt.Sprintf("field %q is managed by storage", name), nil)
		}
		f, err := e.schema.lookup(name)
		if err != nil {
			return nil, err
		}
		v, err := normalizeValue(value)
		if err != nil {
			return nil, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", name), err)
		}
		if !f.kind.accepts(v) {
			return nil, autherrors.NewValidationError(
				fmt.Sprintf("collection %s: value %v (%T) does not fit field %q", e.schema.Name, v, v, name), nil)
		}
		out[name] = v
	}
	return out, nil
}

// applyUpdate merges set into row and validates both the input and the
// persisted shape of the result.
func (e *engine[R]) applyUpdate(row, set map[string]any) (map[string]any, error) {
	merged := maps.Clone(row)
	maps.Copy(merged, set)
	merged["updated_at"] = float64(e.nowMillis())

	r, err := decode[R](merged)
	if err != nil {
		return nil, autherrors.NewValidationError(
			fmt.Sprintf("collection %s: update does not match the record type", e.schema.Name), err)
	}
	if err := r.Validate(); err != nil {
		return nil, asValidation(e.schema.Name, err)
	}
	fields, err := encode(r)
	if err != nil {
		return nil, autherrors.NewValidationError(
			fmt.Sprintf("collection %s: record is not serializable", e.schema.Name), err)
	}
	if err := e.schema.validateOutput(fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// match returns the indexes of the rows selected by pred.
func match(rows []map[string]any, pred Predicate) ([]int, error) {
	var idx []int
	for i, row := range rows {
		ok, err := pred(row)
		if err != nil {
			return nil, err
		}
		if ok {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

// updateRows returns a copy of rows with every match of q updated, plus the
// updated rows themselves.
func (e *engine[R]) updateRows(rows []map[string]any, q UpdateQuery) (next, updated []map[string]any, err error) {
	set, err := e.compileUpdate(q.Set)
	if err != nil {
		return nil, nil, err
	}
	pred, err := Compile(e.schema, q.Where, q.Condition)
	if err != nil {
		return nil, nil, err
	}
	idx, err := match(rows, pred)
	if err != nil {
		return nil, nil, err
	}

	next = make([]map[string]any, len(rows))
	copy(next, rows)
	for _, i := range idx {
		fields, err := e.applyUpdate(rows[i], set)
		if err != nil {
			return nil, nil, err
		}
		next[i] = fields
		updated = append(updated, fields)
	}
	if _, touchesKey := set[e.schema.Key]; touchesKey {
		for _, fields := range updated {
			if err := e.checkUnique(fields, next); err != nil {
				return nil, nil, err
			}
		}
	}
	return next, updated, nil
}

// removeRows splits rows into the rows kept and the rows removed by q. A nil
// query removes everything.
func (e *engine[R]) removeRows(rows []map[string]any, q *Query) (kept, removed []map[string]any, err error) {
	if q == nil {
		return nil, rows, nil
	}
	pred, err := Compile(e.schema, q.Where, q.Condition)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		ok, err := pred(row)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	return kept, removed, nil
}

// selectRows evaluates q over rows.
func (e *engine[R]) selectRows(rows []map[string]any, q *Query) ([]map[string]any, error) {
	if q == nil {
		return rows, nil
	}
	if err := e.checkSelect(q.Select); err != nil {
		return nil, err
	}
	pred, err := Compile(e.schema, q.Where, q.Condition)
	if err != nil {
		return nil, err
	}
	idx, err := match(rows, pred)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out, nil
}

func (e *engine[R]) retrieveMany(rows []map[string]any, q *Query) ([]R, error) {
	selected, err := e.selectRows(rows, q)
	if err != nil {
		return nil, err
	}
	var sel []string
	if q != nil {
		sel = q.Select
	}
	return e.decodeAll(selected, sel)
}

func (e *engine[R]) retrieveOne(rows []map[string]any, q Query) (R, error) {
	var zero R
	selected, err := e.selectRows(rows, &q)
	if err != nil {
		return zero, err
	}
	if len(selected) != 1 {
		return zero, notExactlyOne(e.schema.Name, len(selected))
	}
	out, err := e.decodeAll(selected, q.Select)
	if err != nil {
		return zero, err
	}
	return out[0], nil
}

func (e *engine[R]) ensureNotNil(r R) error {
	var zero R
	if any(r) == any(zero) {
		return autherrors.NewValidationError(fmt.Sprintf("collection %s: nil record", e.schema.Name), nil)
	}
	return nil
}

func notExactlyOne(collection string, n int) error {
	return autherrors.NewNotFoundError(
		fmt.Sprintf("collection %s: expected exactly one record, found %d", collection, n), ErrNotExactlyOne)
}

func asValidation(collection string, err error) error {
	if autherrors.IsValidation(err) {
		return err
	}
	return autherrors.NewValidationError(fmt.Sprintf("collection %s: invalid record", collection), err)
}
