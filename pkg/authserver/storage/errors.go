// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotExactlyOne is the cause of the not found error returned by
	// RetrieveOne when zero or several records match.
	ErrNotExactlyOne = httperr.WithCode(errors.New("expected exactly one record"), http.StatusNotFound)

	// errLockBusy is returned by a single lock attempt that did not get the lock.
	errLockBusy = errors.New("lock is held by another process")
)
