// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the authorization server
// components. Every error carries a Type that the HTTP layer maps onto a status
// code and an OAuth error code.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// Error types
const (
	// ErrValidation is returned when a record or request does not match its expected shape
	ErrValidation = "validation"

	// ErrNotFound is returned when a lookup matched zero records, or more than one
	// where exactly one was required
	ErrNotFound = "not_found"

	// ErrExpired is returned when a code or token is past its expiry
	ErrExpired = "expired"

	// ErrAlreadyUsed is returned when a single-use authorization code is redeemed again
	ErrAlreadyUsed = "already_used"

	// ErrRevoked is returned when a token has been revoked
	ErrRevoked = "revoked"

	// ErrSignature is returned for bad or missing JWT signatures and claims
	ErrSignature = "signature"

	// ErrStorageIO is returned for lock timeouts, disk and database failures
	ErrStorageIO = "storage_io"

	// ErrUnsupportedOperation is returned for invalid predicate comparisons
	ErrUnsupportedOperation = "unsupported_operation"

	// ErrConflict is returned when a record with the same natural key already exists
	ErrConflict = "conflict"

	// ErrConfiguration is returned for invalid server configuration
	ErrConfiguration = "configuration"
)

// Error represents an error in the authorization server
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// Retryable marks failures the caller may retry locally (lock acquisition timeouts).
	Retryable bool
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewExpiredError creates a new expired error
func NewExpiredError(message string, cause error) *Error {
	return NewError(ErrExpired, message, cause)
}

// NewAlreadyUsedError creates a new already used error
func NewAlreadyUsedError(message string, cause error) *Error {
	return NewError(ErrAlreadyUsed, message, cause)
}

// NewRevokedError creates a new revoked error
func NewRevokedError(message string, cause error) *Error {
	return NewError(ErrRevoked, message, cause)
}

// NewSignatureError creates a new signature error
func NewSignatureError(message string, cause error) *Error {
	return NewError(ErrSignature, message, cause)
}

// NewStorageIOError creates a new storage I/O error
func NewStorageIOError(message string, cause error) *Error {
	return NewError(ErrStorageIO, message, cause)
}

// NewRetryableStorageIOError creates a storage I/O error the caller may retry.
func NewRetryableStorageIOError(message string, cause error) *Error {
	e := NewError(ErrStorageIO, message, cause)
	e.Retryable = true
	return e
}

// NewUnsupportedOperationError creates a new unsupported operation error
func NewUnsupportedOperationError(message string, cause error) *Error {
	return NewError(ErrUnsupportedOperation, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// TypeOf returns the type of the first *Error in err's chain, or "" if there is none.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func isType(err error, errorType string) bool {
	var e *Error
	// Walk the whole chain; an outer error may wrap an inner one of another type.
	for err != nil {
		if errors.As(err, &e) {
			if e.Type == errorType {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsExpired checks if the error is an expired error
func IsExpired(err error) bool {
	return isType(err, ErrExpired)
}

// IsAlreadyUsed checks if the error is an already used error
func IsAlreadyUsed(err error) bool {
	return isType(err, ErrAlreadyUsed)
}

// IsRevoked checks if the error is a revoked error
func IsRevoked(err error) bool {
	return isType(err, ErrRevoked)
}

// IsSignature checks if the error is a signature error
func IsSignature(err error) bool {
	return isType(err, ErrSignature)
}

// IsStorageIO checks if the error is a storage I/O error
func IsStorageIO(err error) bool {
	return isType(err, ErrStorageIO)
}

// IsUnsupportedOperation checks if the error is an unsupported operation error
func IsUnsupportedOperation(err error) bool {
	return isType(err, ErrUnsupportedOperation)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return isType(err, ErrConflict)
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsRetryable reports whether err is a storage failure eligible for a bounded local retry.
func IsRetryable(err error) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == ErrStorageIO && e.Retryable {
			return true
		}
		err = e.Cause
	}
	return false
}

var statusByType = map[string]int{
	ErrValidation:           http.StatusBadRequest,
	ErrNotFound:             http.StatusNotFound,
	ErrExpired:              http.StatusBadRequest,
	ErrAlreadyUsed:          http.StatusBadRequest,
	ErrRevoked:              http.StatusUnauthorized,
	ErrSignature:            http.StatusUnauthorized,
	ErrStorageIO:            http.StatusInternalServerError,
	ErrUnsupportedOperation: http.StatusInternalServerError,
	ErrConflict:             http.StatusConflict,
	ErrConfiguration:        http.StatusInternalServerError,
}

// WithHTTPCode attaches the HTTP status matching err's type so that
// httperr.Code reports it. Errors without a known type are returned as is.
func WithHTTPCode(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := statusByType[TypeOf(err)]; ok {
		return httperr.WithCode(err, code)
	}
	return err
}
