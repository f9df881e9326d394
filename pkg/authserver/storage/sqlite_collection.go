// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// SQLCollection maps a collection onto a table of the embedded SQLite
// database. Queries compile to parameterized statements; mutations use
// RETURNING so the stored rows can be validated before the transaction commits.
type SQLCollection[R Record] struct {
	engine[R]

	store   *SQLStore
	columns string
}

var _ Collection[*ClientApplication] = (*SQLCollection[*ClientApplication])(nil)

// NewSQLCollection creates a collection over the table named after the schema.
func NewSQLCollection[R Record](store *SQLStore, schema *Schema, opts ...Option) *SQLCollection[R] {
	quoted := make([]string, len(schema.fields))
	for i, f := range schema.fields {
		quoted[i] = quoteIdent(f.name)
	}
	return &SQLCollection[R]{
		engine:  newEngine[R](schema, opts),
		store:   store,
		columns: strings.Join(quoted, ", "),
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// toSQLValue maps a field value onto a SQLite storage class.
func toSQLValue(kind fieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case kindInt:
		// Fractional operands only reach here from where clauses; SQLite
		// compares INTEGER and REAL numerically, so keep them as REAL.
		if f, ok := v.(float64); ok {
			if f == math.Trunc(f) {
				return int64(f), nil
			}
			return f, nil
		}
	case kindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	switch t := v.(type) {
	case string, float64, int64:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// fromSQLValue maps a scanned column back onto the field map representation.
func fromSQLValue(kind fieldKind, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		switch t := v.(type) {
		case int64:
			return t != 0, nil
		case bool:
			return t, nil
		}
	case kindInt, kindFloat:
		switch t := v.(type) {
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		}
	case kindJSON:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	case kindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected column value %T", v)
}

// compileWhere translates where expressions into a SQL condition and its
// arguments. Equality compiles to IS / IS NOT so that NULL compares like a
// missing field does in the other backends.
func (c *SQLCollection[R]) compileWhere(where []TestExpression, cond Condition) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	var joiner string
	switch cond {
	case And, "":
		joiner = " AND "
	case Or:
		joiner = " OR "
	default:
		return "", nil, autherrors.NewUnsupportedOperationError(fmt.Sprintf("unknown condition %q", cond), nil)
	}

	clauses := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for _, expr := range where {
		f, err := c.schema.lookup(expr.Key)
		if err != nil {
			return "", nil, err
		}
		value, err := normalizeValue(expr.Value)
		if err != nil {
			return "", nil, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", expr.Key), err)
		}

		var op string
		switch expr.Op {
		case OpEqual:
			op = "IS"
		case OpNotEqual:
			op = "IS NOT"
		case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
			if _, ok := value.(float64); !ok || !f.kind.numeric() {
				return "", nil, unsupportedOrdering(expr, value)
			}
			op = string(expr.Op)
		default:
			return "", nil, autherrors.NewUnsupportedOperationError(fmt.Sprintf("unknown operator %q", expr.Op), nil)
		}

		arg, err := toSQLValue(f.kind, value)
		if err != nil {
			return "", nil, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", expr.Key), err)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", quoteIdent(expr.Key), op))
		args = append(args, arg)
	}
	return " WHERE " + strings.Join(clauses, joiner), args, nil
}

func (c *SQLCollection[R]) scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer func() { _ = rows.Close() }()

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(c.schema.fields))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, autherrors.NewStorageIOError(fmt.Sprintf("collection %s: failed to scan row", c.schema.Name), err)
		}
		fields := make(map[string]any, len(values))
		for i, f := range c.schema.fields {
			v, err := fromSQLValue(f.kind, values[i])
			if err != nil {
				return nil, autherrors.NewStorageIOError(
					fmt.Sprintf("collection %s: failed to read column %s", c.schema.Name, f.name), err)
			}
			fields[f.name] = v
		}
		out = append(out, fields)
	}
	if err := rows.Err(); err != nil {
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("collection %s: failed to iterate rows", c.schema.Name), err)
	}
	return out, nil
}

func (c *SQLCollection[R]) query(ctx context.Context, q querier, stmt string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, autherrors.NewConflictError(
				fmt.Sprintf("collection %s: a record with this %s already exists", c.schema.Name, c.schema.Key), err)
		}
		return nil, autherrors.NewStorageIOError(fmt.Sprintf("collection %s: query failed", c.schema.Name), err)
	}
	out, err := c.scanRows(rows)
	if err != nil && isUniqueViolation(err) {
		return nil, autherrors.NewConflictError(
			fmt.Sprintf("collection %s: a record with this %s already exists", c.schema.Name, c.schema.Key), err)
	}
	return out, err
}

// validateStored checks both shapes of rows returned by a mutation.
func (c *SQLCollection[R]) validateStored(rows []map[string]any) error {
	for _, fields := range rows {
		r, err := decode[R](fields)
		if err != nil {
			return autherrors.NewValidationError(
				fmt.Sprintf("collection %s: stored row does not match the record type", c.schema.Name), err)
		}
		if err := r.Validate(); err != nil {
			return asValidation(c.schema.Name, err)
		}
		if err := c.schema.validateOutput(fields); err != nil {
			return err
		}
	}
	return nil
}

// StoreOne implements Collection.
func (c *SQLCollection[R]) StoreOne(ctx context.Context, r R) (R, error) {
	var zero R
	if err := c.ensureNotNil(r); err != nil {
		return zero, err
	}
	fields, err := c.prepareInsert(r, nil)
	if err != nil {
		return zero, err
	}

	placeholders := make([]string, len(c.schema.fields))
	args := make([]any, len(c.schema.fields))
	for i, f := range c.schema.fields {
		placeholders[i] = "?"
		if args[i], err = toSQLValue(f.kind, fields[f.name]); err != nil {
			return zero, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", f.name), err)
		}
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		quoteIdent(c.schema.Name), c.columns, strings.Join(placeholders, ", "), c.columns)

	var stored []map[string]any
	err = c.store.withTx(ctx, func(q querier) error {
		var err error
		if stored, err = c.query(ctx, q, stmt, args...); err != nil {
			return err
		}
		return c.validateStored(stored)
	})
	if err != nil {
		return zero, err
	}
	if len(stored) != 1 {
		return zero, autherrors.NewStorageIOError(fmt.Sprintf("collection %s: insert returned %d rows", c.schema.Name, len(stored)), nil)
	}
	return decode[R](stored[0])
}

func (c *SQLCollection[R]) selectStmt(q *Query) (string, []any, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s", c.columns, quoteIdent(c.schema.Name))
	if q == nil {
		return stmt + " ORDER BY rowid", nil, nil
	}
	if err := c.checkSelect(q.Select); err != nil {
		return "", nil, err
	}
	where, args, err := c.compileWhere(q.Where, q.Condition)
	if err != nil {
		return "", nil, err
	}
	return stmt + where + " ORDER BY rowid", args, nil
}

// RetrieveOne implements Collection.
func (c *SQLCollection[R]) RetrieveOne(ctx context.Context, q Query) (R, error) {
	var zero R
	stmt, args, err := c.selectStmt(&q)
	if err != nil {
		return zero, err
	}
	// Two rows are enough to tell "exactly one" from "ambiguous".
	rows, err := c.query(ctx, c.store.reader(ctx), stmt+" LIMIT 2", args...)
	if err != nil {
		return zero, err
	}
	if len(rows) != 1 {
		return zero, notExactlyOne(c.schema.Name, len(rows))
	}
	out, err := c.decodeAll(rows, q.Select)
	if err != nil {
		return zero, err
	}
	return out[0], nil
}

// RetrieveMany implements Collection.
func (c *SQLCollection[R]) RetrieveMany(ctx context.Context, q *Query) ([]R, error) {
	stmt, args, err := c.selectStmt(q)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, c.store.reader(ctx), stmt, args...)
	if err != nil {
		return nil, err
	}
	var sel []string
	if q != nil {
		sel = q.Select
	}
	return c.decodeAll(rows, sel)
}

// UpdateMany implements Collection.
func (c *SQLCollection[R]) UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error) {
	set, err := c.compileUpdate(q.Set)
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := c.compileWhere(q.Where, q.Condition)
	if err != nil {
		return nil, err
	}

	assignments := make([]string, 0, len(set)+1)
	args := make([]any, 0, len(set)+1+len(whereArgs))
	// Iterate in schema order so the statement text is stable.
	for _, f := range c.schema.fields {
		v, ok := set[f.name]
		if !ok {
			continue
		}
		arg, err := toSQLValue(f.kind, v)
		if err != nil {
			return nil, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", f.name), err)
		}
		assignments = append(assignments, quoteIdent(f.name)+" = ?")
		args = append(args, arg)
	}
	assignments = append(assignments, `"updated_at" = ?`)
	args = append(args, c.nowMillis())
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE %s SET %s%s RETURNING %s",
		quoteIdent(c.schema.Name), strings.Join(assignments, ", "), where, c.columns)

	var updated []map[string]any
	err = c.store.withTx(ctx, func(tx querier) error {
		var err error
		if updated, err = c.query(ctx, tx, stmt, args...); err != nil {
			return err
		}
		return c.validateStored(updated)
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(updated, nil)
}

// RemoveMany implements Collection.
func (c *SQLCollection[R]) RemoveMany(ctx context.Context, q *Query) ([]R, error) {
	var (
		where string
		args  []any
		err   error
	)
	if q != nil {
		if where, args, err = c.compileWhere(q.Where, q.Condition); err != nil {
			return nil, err
		}
	}
	stmt := fmt.Sprintf("DELETE FROM %s%s RETURNING %s", quoteIdent(c.schema.Name), where, c.columns)

	var removed []map[string]any
	err = c.store.withTx(ctx, func(tx querier) error {
		var err error
		removed, err = c.query(ctx, tx, stmt, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(removed, nil)
}
