// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock for metadata timestamps.
type testClock struct {
	millis atomic.Int64
}

func newTestClock(start time.Time) *testClock {
	c := &testClock{}
	c.millis.Store(start.UnixMilli())
	return c
}

func (c *testClock) Now() time.Time {
	return time.UnixMilli(c.millis.Load())
}

func (c *testClock) Advance(d time.Duration) {
	c.millis.Add(d.Milliseconds())
}

var testLock = LockConfig{
	Timeout:       200 * time.Millisecond,
	RetryInterval: 10 * time.Millisecond,
	MaxTries:      3,
}

type backendFactory func(t *testing.T, opts ...Option) *Stores

// backends returns a factory per storage backend. Each call builds fresh,
// isolated stores.
func backends() map[Type]backendFactory {
	return map[Type]backendFactory{
		TypeMemory: func(_ *testing.T, opts ...Option) *Stores {
			return NewMemoryStores(opts...)
		},
		TypeFile: func(t *testing.T, opts ...Option) *Stores {
			t.Helper()
			stores, err := newFileStores(Config{Dir: t.TempDir(), Lock: testLock}, opts)
			require.NoError(t, err)
			return stores
		},
		TypeLog: func(t *testing.T, opts ...Option) *Stores {
			t.Helper()
			stores, err := newLogStores(Config{Dir: t.TempDir(), Lock: testLock}, opts)
			require.NoError(t, err)
			return stores
		},
		TypeSQLite: func(t *testing.T, opts ...Option) *Stores {
			t.Helper()
			store, err := OpenSQLite(context.Background(), t.TempDir()+"/test.db")
			require.NoError(t, err)
			stores := NewSQLStores(store, opts...)
			t.Cleanup(func() { _ = stores.Close() })
			return stores
		},
		TypeRedis: func(t *testing.T, opts ...Option) *Stores {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStores(client, "test:", opts...)
		},
	}
}

// forEachBackend runs fn as a parallel subtest against every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, newStores backendFactory)) {
	t.Helper()
	for name, factory := range backends() {
		t.Run(string(name), func(t *testing.T) {
			t.Parallel()
			fn(t, factory)
		})
	}
}

func testCode(n int) *AuthorizationCode {
	return &AuthorizationCode{
		Code:                fmt.Sprintf("%032x", n),
		ClientID:            "https://app.example/id",
		RedirectURI:         "https://app.example/cb",
		Scope:               "create update",
		Me:                  "https://user.example/",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: ChallengeMethodS256,
		Exp:                 time.Now().Add(10 * time.Minute).Unix(),
		Iss:                 "https://auth.example/",
	}
}

func testProfile(me, name string) *UserProfile {
	return &UserProfile{Me: me, Name: name, Photo: me + "photo.jpg"}
}
