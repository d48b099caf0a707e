// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nostrkv/kvconnect/core/retry"
)

const (
	redisRetryAttempts = 3
	redisRetryBase     = 50 * time.Millisecond
)

// redisStore adapts a Redis compatible backend.  Transient network errors
// are retried a bounded number of times in-call; persistent failures
// surface to the router as-is.
type redisStore struct {
	client *redis.Client
}

func openRedis(url string) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	// The adapter does its own bounded retries with backoff.
	opts.MaxRetries = -1
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) do(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, redisRetryAttempts, redisRetryBase, fn)
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := s.do(ctx, func() error {
		b, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			val, found = nil, false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	return val, found, err
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *redisStore) Del(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, func() error {
		var err error
		n, err = s.client.Del(ctx, key).Result()
		return err
	})
	return n, err
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do(ctx, func() error {
		var err error
		n, err = s.client.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

func (s *redisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	var out [][]byte
	err := s.do(ctx, func() error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(vals))
		for i, v := range vals {
			switch t := v.(type) {
			case nil:
				out[i] = nil
			case string:
				out[i] = []byte(t)
			case []byte:
				out[i] = t
			}
		}
		return nil
	})
	return out, err
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, func() error {
		var err error
		ok, err = s.client.Expire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

func (s *redisStore) TTL(ctx context.Context, key string) (int64, error) {
	var secs int64
	err := s.do(ctx, func() error {
		d, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		// go-redis passes the -1 (no expiry) and -2 (no key) markers
		// through as raw negative durations.
		if d < 0 {
			secs = int64(d)
			return nil
		}
		secs = int64(d / time.Second)
		return nil
	})
	return secs, err
}

func (s *redisStore) LPush(ctx context.Context, key string, value []byte) error {
	return s.do(ctx, func() error {
		return s.client.LPush(ctx, key, value).Err()
	})
}

func (s *redisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.do(ctx, func() error {
		return s.client.LTrim(ctx, key, start, stop).Err()
	})
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.do(ctx, func() error {
		vals, err := s.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(vals))
		for i, v := range vals {
			out[i] = []byte(v)
		}
		return nil
	})
	return out, err
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
