// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package kv is the thin adapter over the backend store.  Keys passed in
// are always fully qualified; values are raw bytes, so other clients of
// the same backend see them plainly.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the bounded set of backend operations the gateway performs.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key.  A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the key, returning the number of keys removed (0 or 1).
	Del(ctx context.Context, key string) (int64, error)

	// Exists reports whether the key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// MGet returns one value per key; missing keys yield nil entries.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// Expire sets a ttl on an existing key, reporting whether it was set.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining ttl in seconds, -1 when the key has no
	// expiry and -2 when the key does not exist.
	TTL(ctx context.Context, key string) (int64, error)

	// LPush prepends value to the list at key.
	LPush(ctx context.Context, key string, value []byte) error

	// LTrim bounds the list at key to the inclusive range [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the list elements in the inclusive range [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	Close() error
}

// Open connects a Store for the given backend URL.  Supported schemes are
// redis:// and rediss:// for a Redis compatible backend and memory:// for
// the in-process store.
func Open(url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return openRedis(url)
	case strings.HasPrefix(url, "memory://"):
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kv: unsupported backend URL: %q", url)
	}
}
