// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
)

func constPredicate(v bool) Predicate {
	return func(map[string]any) (bool, error) { return v, nil }
}

func TestComposeMatchesBooleanOperators(t *testing.T) {
	t.Parallel()

	for _, p1 := range []bool{false, true} {
		for _, p2 := range []bool{false, true} {
			or, err := ComposeOr(constPredicate(p1), constPredicate(p2))(nil)
			require.NoError(t, err)
			assert.Equal(t, p1 || p2, or, "or(%v, %v)", p1, p2)

			and, err := ComposeAnd(constPredicate(p1), constPredicate(p2))(nil)
			require.NoError(t, err)
			assert.Equal(t, p1 && p2, and, "and(%v, %v)", p1, p2)
		}
	}

	empty, err := ComposeAnd()(nil)
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = ComposeOr()(nil)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestComposePropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	failing := func(map[string]any) (bool, error) { return false, boom }

	_, err := ComposeAnd(constPredicate(true), failing)(nil)
	assert.ErrorIs(t, err, boom)

	_, err = ComposeOr(constPredicate(false), failing)(nil)
	assert.ErrorIs(t, err, boom)

	// Short-circuit: the failing predicate is never reached.
	ok, err := ComposeOr(constPredicate(true), failing)(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompile(t *testing.T) {
	t.Parallel()

	record := map[string]any{
		"code":  "abc",
		"exp":   float64(100),
		"used":  false,
		"scope": "create",
	}

	tests := []struct {
		name       string
		where      []TestExpression
		cond       Condition
		want       bool
		wantErr    func(error) bool
		compileErr bool
	}{
		{name: "no expressions", want: true},
		{name: "equal string", where: []TestExpression{Eq("code", "abc")}, want: true},
		{name: "equal int against decoded number", where: []TestExpression{Eq("exp", 100)}, want: true},
		{name: "not equal bool", where: []TestExpression{Ne("used", true)}, want: true},
		{name: "equal nil on missing field", where: []TestExpression{Eq("iss", nil)}, want: true},
		{name: "less or equal", where: []TestExpression{Le("exp", int64(100))}, want: true},
		{name: "greater", where: []TestExpression{{Key: "exp", Op: OpGreater, Value: 100}}, want: false},
		{name: "and", where: []TestExpression{Eq("code", "abc"), Eq("used", true)}, want: false},
		{name: "or", where: []TestExpression{Eq("code", "abc"), Eq("used", true)}, cond: Or, want: true},
		{
			name:       "ordering on string operand",
			where:      []TestExpression{{Key: "exp", Op: OpLess, Value: "soon"}},
			wantErr:    autherrors.IsUnsupportedOperation,
			compileErr: true,
		},
		{
			name:       "ordering on string field",
			where:      []TestExpression{{Key: "scope", Op: OpLess, Value: 3}},
			wantErr:    autherrors.IsUnsupportedOperation,
			compileErr: true,
		},
		{
			name:       "unknown operator",
			where:      []TestExpression{{Key: "exp", Op: "~=", Value: 3}},
			wantErr:    autherrors.IsUnsupportedOperation,
			compileErr: true,
		},
		{
			name:       "unknown field",
			where:      []TestExpression{Eq("missing", 3)},
			wantErr:    autherrors.IsValidation,
			compileErr: true,
		},
		{
			name:       "unknown condition",
			where:      []TestExpression{Eq("code", "abc")},
			cond:       "XOR",
			wantErr:    autherrors.IsUnsupportedOperation,
			compileErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pred, err := Compile(AuthorizationCodeSchema, tt.where, tt.cond)
			if tt.compileErr {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "unexpected error type: %v", err)
				return
			}
			require.NoError(t, err)
			got, err := pred(record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_NonNumericRecordValue(t *testing.T) {
	t.Parallel()

	pred, err := Compile(AuthorizationCodeSchema, []TestExpression{Le("exp", 10)}, And)
	require.NoError(t, err)

	_, err = pred(map[string]any{"exp": "later"})
	require.Error(t, err)
	assert.True(t, autherrors.IsUnsupportedOperation(err))
}

func TestFieldKindAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  fieldKind
		value any
		want  bool
	}{
		{kindString, "x", true},
		{kindString, 1.0, false},
		{kindBool, true, true},
		{kindBool, "yes", false},
		{kindInt, 100.0, true},
		{kindInt, 100.5, false},
		{kindInt, "soon", false},
		{kindFloat, 0.25, true},
		{kindFloat, false, false},
		{kindJSON, []any{"a"}, true},
		{kindInt, nil, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.accepts(tt.value), "kind %d value %v", tt.kind, tt.value)
	}
}
