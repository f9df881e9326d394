// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrValidation,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "validation: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrStorageIO,
				Message: "test message",
			},
			want: "storage_io: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := NewStorageIOError("test message", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

func TestIsType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"validation", NewValidationError("bad", nil), IsValidation, true},
		{"not found", NewNotFoundError("missing", nil), IsNotFound, true},
		{"expired", NewExpiredError("late", nil), IsExpired, true},
		{"already used", NewAlreadyUsedError("twice", nil), IsAlreadyUsed, true},
		{"revoked", NewRevokedError("gone", nil), IsRevoked, true},
		{"signature", NewSignatureError("forged", nil), IsSignature, true},
		{"storage io", NewStorageIOError("disk", nil), IsStorageIO, true},
		{"unsupported", NewUnsupportedOperationError("<", nil), IsUnsupportedOperation, true},
		{"conflict", NewConflictError("dup", nil), IsConflict, true},
		{"configuration", NewConfigurationError("cfg", nil), IsConfiguration, true},
		{"wrapped with fmt", fmt.Errorf("outer: %w", NewExpiredError("late", nil)), IsExpired, true},
		{"nested typed error", NewStorageIOError("outer", NewNotFoundError("inner", nil)), IsNotFound, true},
		{"mismatch", NewExpiredError("late", nil), IsRevoked, false},
		{"plain error", errors.New("plain"), IsValidation, false},
		{"nil", nil, IsValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewRetryableStorageIOError("lock busy", nil)))
	assert.True(t, IsRetryable(fmt.Errorf("store: %w", NewRetryableStorageIOError("lock busy", nil))))
	assert.False(t, IsRetryable(NewStorageIOError("disk full", nil)))
	assert.False(t, IsRetryable(NewValidationError("bad", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestWithHTTPCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, httperr.Code(WithHTTPCode(NewValidationError("bad", nil))))
	assert.Equal(t, http.StatusNotFound, httperr.Code(WithHTTPCode(NewNotFoundError("missing", nil))))
	assert.Equal(t, http.StatusConflict, httperr.Code(WithHTTPCode(NewConflictError("dup", nil))))
	assert.Equal(t, http.StatusInternalServerError, httperr.Code(WithHTTPCode(NewStorageIOError("disk", nil))))
	assert.NoError(t, WithHTTPCode(nil))

	wrapped := WithHTTPCode(NewExpiredError("late", nil))
	assert.True(t, IsExpired(wrapped))
}
