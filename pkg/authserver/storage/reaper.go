// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/indieauth/pkg/logger"
)

// SweepResult counts the records removed by one sweep.
type SweepResult struct {
	AuthorizationCodes int
	AccessTokens       int
	RefreshTokens      int
	// Compacted counts superseded log entries dropped.
	Compacted int
}

// Total returns the number of records removed.
func (r SweepResult) Total() int {
	return r.AuthorizationCodes + r.AccessTokens + r.RefreshTokens
}

// Reaper periodically removes authorization codes that are expired or used and
// token records past their expiry. Sweeps are idempotent: a record removed
// twice is simply not found the second time.
type Reaper struct {
	stores   *Stores
	interval time.Duration
	clock    func() time.Time

	stopOnce sync.Once
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper sweeping stores every interval.
func NewReaper(stores *Stores, interval time.Duration, clock func() time.Time) *Reaper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Reaper{
		stores:   stores,
		interval: interval,
		clock:    clock,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop is called or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop(ctx)
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.Sweep(ctx)
			if err != nil {
				logger.Warnw("storage sweep failed", "error", err)
				continue
			}
			if result.Total() > 0 || result.Compacted > 0 {
				logger.Debugw("storage sweep removed expired records",
					"authorization_codes", result.AuthorizationCodes,
					"access_tokens", result.AccessTokens,
					"refresh_tokens", result.RefreshTokens,
					"compacted", result.Compacted)
			}
		}
	}
}

// Sweep removes expired records from every collection once.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	now := r.clock().Unix()
	var result SweepResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		removed, err := r.stores.AuthorizationCodes.RemoveMany(gctx, &Query{
			Where:     []TestExpression{Le("exp", now), Eq("used", true)},
			Condition: Or,
		})
		result.AuthorizationCodes = len(removed)
		return err
	})
	g.Go(func() error {
		removed, err := r.stores.AccessTokens.RemoveMany(gctx, Where(Le("exp", now)))
		result.AccessTokens = len(removed)
		return err
	})
	g.Go(func() error {
		removed, err := r.stores.RefreshTokens.RemoveMany(gctx, Where(Le("exp", now)))
		result.RefreshTokens = len(removed)
		return err
	})
	if err := g.Wait(); err != nil {
		return result, err
	}

	for name, c := range r.stores.collections() {
		compactor, ok := c.(Compactor)
		if !ok {
			continue
		}
		dropped, err := compactor.Compact(ctx)
		if err != nil {
			return result, err
		}
		if dropped > 0 {
			logger.Debugw("compacted collection log", "collection", name, "dropped", dropped)
		}
		result.Compacted += dropped
	}
	return result, nil
}
