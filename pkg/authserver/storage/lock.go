// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"

	autherrors "github.com/stacklok/indieauth/pkg/errors"
	"github.com/stacklok/indieauth/pkg/logger"
)

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// withFileLock runs fn while holding a lock on path+".lock". Acquisition is
// attempted up to cfg.MaxTries times; running out of attempts yields a
// retryable storage error. The lock is released even when fn fails.
func withFileLock(ctx context.Context, path string, cfg LockConfig, mode lockMode, fn func() error) error {
	fileLock := flock.New(path + ".lock")

	attempt := func() (struct{}, error) {
		lockCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		var (
			locked bool
			err    error
		)
		if mode == lockExclusive {
			locked, err = fileLock.TryLockContext(lockCtx, cfg.RetryInterval)
		} else {
			locked, err = fileLock.TryRLockContext(lockCtx, cfg.RetryInterval)
		}
		switch {
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			return struct{}{}, backoff.Permanent(err)
		case !locked:
			return struct{}{}, errLockBusy
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.RetryInterval)),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugw("file lock busy, retrying", "path", path, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		if errors.Is(err, errLockBusy) || errors.Is(err, context.DeadlineExceeded) {
			return autherrors.NewRetryableStorageIOError(fmt.Sprintf("failed to acquire lock on %s", path), err)
		}
		return autherrors.NewStorageIOError(fmt.Sprintf("failed to acquire lock on %s", path), err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnf("failed to release lock on %s: %v", path, err)
		}
	}()

	return fn()
}
