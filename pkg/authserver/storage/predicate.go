// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"reflect"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

// Predicate tests the field map of a record.
type Predicate func(fields map[string]any) (bool, error)

// MatchAll is the predicate of a query without expressions.
func MatchAll(map[string]any) (bool, error) {
	return true, nil
}

// ComposeAnd holds when every predicate holds. Evaluation stops at the first
// false result or error.
func ComposeAnd(preds ...Predicate) Predicate {
	return func(fields map[string]any) (bool, error) {
		for _, p := range preds {
			ok, err := p(fields)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// ComposeOr holds when at least one predicate holds. Evaluation stops at the
// first true result or error.
func ComposeOr(preds ...Predicate) Predicate {
	return func(fields map[string]any) (bool, error) {
		for _, p := range preds {
			ok, err := p(fields)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
}

// Compile turns where expressions into a predicate over records of schema.
// Unknown fields and ordering comparisons against non-numeric values fail here,
// before any record is read.
func Compile(schema *Schema, where []TestExpression, cond Condition) (Predicate, error) {
	if len(where) == 0 {
		return MatchAll, nil
	}
	preds := make([]Predicate, 0, len(where))
	for _, expr := range where {
		p, err := compileExpression(schema, expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	switch cond {
	case And, "":
		return ComposeAnd(preds...), nil
	case Or:
		return ComposeOr(preds...), nil
	default:
		return nil, autherrors.NewUnsupportedOperationError(fmt.Sprintf("unknown condition %q", cond), nil)
	}
}

func compileExpression(schema *Schema, expr TestExpression) (Predicate, error) {
	f, err := schema.lookup(expr.Key)
	if err != nil {
		return nil, err
	}
	value, err := normalizeValue(expr.Value)
	if err != nil {
		return nil, autherrors.NewValidationError(fmt.Sprintf("value for %q is not serializable", expr.Key), err)
	}

	switch expr.Op {
	case OpEqual:
		return func(fields map[string]any) (bool, error) {
			return valuesEqual(fields[expr.Key], value), nil
		}, nil
	case OpNotEqual:
		return func(fields map[string]any) (bool, error) {
			return !valuesEqual(fields[expr.Key], value), nil
		}, nil
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		right, ok := value.(float64)
		if !ok || !f.kind.numeric() {
			return nil, unsupportedOrdering(expr, value)
		}
		op := expr.Op
		return func(fields map[string]any) (bool, error) {
			left, ok := fields[expr.Key].(float64)
			if !ok {
				return false, unsupportedOrdering(expr, fields[expr.Key])
			}
			return compareNumbers(op, left, right), nil
		}, nil
	default:
		return nil, autherrors.NewUnsupportedOperationError(fmt.Sprintf("unknown operator %q", expr.Op), nil)
	}
}

func unsupportedOrdering(expr TestExpression, operand any) error {
	return autherrors.NewUnsupportedOperationError(
		fmt.Sprintf("operator %s on field %q requires numeric operands, got %T", expr.Op, expr.Key, operand), nil)
}

func compareNumbers(op Operator, left, right float64) bool {
	switch op {
	case OpLess:
		return left < right
	case OpLessOrEqual:
		return left <= right
	case OpGreater:
		return left > right
	default:
		return left >= right
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// normalizeValue maps a caller supplied value onto the representation used in
// record field maps, so integers compare equal to decoded JSON numbers.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
