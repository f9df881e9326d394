// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the record query engine used by the authorization
// server. A Collection offers the same select/insert/update/delete-by-predicate
// contract over several persistence strategies: an in-process map, a single
// mutable JSON file, an append-only JSONL log, an embedded SQLite database and
// a Redis hash.
package storage

import (
	"context"
)

// Operator is a comparison operator of a TestExpression.
type Operator string

const (
	// OpEqual matches when the field equals the value.
	OpEqual Operator = "=="
	// OpNotEqual matches when the field differs from the value.
	OpNotEqual Operator = "!="
	// OpLess matches when the numeric field is less than the value.
	OpLess Operator = "<"
	// OpLessOrEqual matches when the numeric field is less than or equal to the value.
	OpLessOrEqual Operator = "<="
	// OpGreater matches when the numeric field is greater than the value.
	OpGreater Operator = ">"
	// OpGreaterOrEqual matches when the numeric field is greater than or equal to the value.
	OpGreaterOrEqual Operator = ">="
)

// IsOrdering reports whether the operator requires numeric operands.
func (o Operator) IsOrdering() bool {
	switch o {
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	default:
		return false
	}
}

// Condition combines the expressions of a query.
type Condition string

const (
	// And requires every expression to hold. It is the default.
	And Condition = "AND"
	// Or requires at least one expression to hold.
	Or Condition = "OR"
)

// TestExpression is a single field comparison.
type TestExpression struct {
	Key   string
	Op    Operator
	Value any
}

// Eq is shorthand for an equality expression.
func Eq(key string, value any) TestExpression {
	return TestExpression{Key: key, Op: OpEqual, Value: value}
}

// Ne is shorthand for an inequality expression.
func Ne(key string, value any) TestExpression {
	return TestExpression{Key: key, Op: OpNotEqual, Value: value}
}

// Le is shorthand for a less-or-equal expression.
func Le(key string, value any) TestExpression {
	return TestExpression{Key: key, Op: OpLessOrEqual, Value: value}
}

// Query selects records. An empty Where matches every record.
type Query struct {
	// Select projects returned records onto the named fields. The id is always kept.
	Select    []string
	Where     []TestExpression
	Condition Condition
}

// Where builds an AND query from the given expressions.
func Where(exprs ...TestExpression) *Query {
	return &Query{Where: exprs, Condition: And}
}

// UpdateQuery merges Set into every record matched by Where.
type UpdateQuery struct {
	Set       map[string]any
	Where     []TestExpression
	Condition Condition
}

// Metadata is the storage-assigned part of every record. Timestamps are
// milliseconds since the Unix epoch.
type Metadata struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Meta returns the record metadata.
func (m *Metadata) Meta() *Metadata {
	return m
}

// Record is implemented by pointers to the record structs of this package.
type Record interface {
	Meta() *Metadata
	// Validate checks the input shape of the record before it is persisted.
	Validate() error
}

// Collection is the CRUD contract every backend implements for one record kind.
type Collection[R Record] interface {
	// StoreOne validates r, assigns its id and timestamps, persists it and
	// returns the stored record.
	StoreOne(ctx context.Context, r R) (R, error)

	// RetrieveOne returns the single record matching q. Zero or several
	// matches fail with a not found error.
	RetrieveOne(ctx context.Context, q Query) (R, error)

	// RetrieveMany returns every record matching q. A nil query returns all records.
	RetrieveMany(ctx context.Context, q *Query) ([]R, error)

	// UpdateMany merges q.Set into every matching record and returns the updated records.
	UpdateMany(ctx context.Context, q UpdateQuery) ([]R, error)

	// RemoveMany removes every matching record and returns what was removed.
	// A nil query empties the collection.
	RemoveMany(ctx context.Context, q *Query) ([]R, error)
}

// Transactor runs a batch of operations spanning several collections.
// Backends with real transactions roll the whole batch back when fn fails.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
