// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestMemory() (*Memory, *clock.Mock) {
	m := NewMemory()
	clk := clock.NewMock()
	m.SetClock(clk.Now)
	return m, clk
}

func TestMemoryGetSetDel(t *testing.T) {
	require := require.New(t)
	m, _ := newTestMemory()
	ctx := context.Background()

	_, found, err := m.Get(ctx, "k")
	require.NoError(err)
	require.False(found)

	require.NoError(m.Set(ctx, "k", []byte("v"), 0))
	val, found, err := m.Get(ctx, "k")
	require.NoError(err)
	require.True(found)
	require.Equal("v", string(val))

	ok, err := m.Exists(ctx, "k")
	require.NoError(err)
	require.True(ok)

	n, err := m.Del(ctx, "k")
	require.NoError(err)
	require.Equal(int64(1), n)

	n, err = m.Del(ctx, "k")
	require.NoError(err)
	require.Equal(int64(0), n)
}

func TestMemoryValueIsolation(t *testing.T) {
	require := require.New(t)
	m, _ := newTestMemory()
	ctx := context.Background()

	src := []byte("mutable")
	require.NoError(m.Set(ctx, "k", src, 0))
	src[0] = 'X'

	val, _, err := m.Get(ctx, "k")
	require.NoError(err)
	require.Equal("mutable", string(val))

	// And mutating a returned value must not poison the store.
	val[0] = 'Y'
	val2, _, err := m.Get(ctx, "k")
	require.NoError(err)
	require.Equal("mutable", string(val2))
}

func TestMemoryTTL(t *testing.T) {
	require := require.New(t)
	m, clk := newTestMemory()
	ctx := context.Background()

	// Redis TTL markers: -2 missing, -1 no expiry.
	ttl, err := m.TTL(ctx, "missing")
	require.NoError(err)
	require.Equal(int64(-2), ttl)

	require.NoError(m.Set(ctx, "k", []byte("v"), 0))
	ttl, err = m.TTL(ctx, "k")
	require.NoError(err)
	require.Equal(int64(-1), ttl)

	require.NoError(m.Set(ctx, "k", []byte("v"), 30*time.Second))
	ttl, err = m.TTL(ctx, "k")
	require.NoError(err)
	require.Equal(int64(30), ttl)

	clk.Add(29500 * time.Millisecond)
	ttl, err = m.TTL(ctx, "k")
	require.NoError(err)
	require.Equal(int64(1), ttl, "fractional seconds round up")

	clk.Add(time.Second)
	_, found, err := m.Get(ctx, "k")
	require.NoError(err)
	require.False(found, "expired keys vanish")

	ttl, err = m.TTL(ctx, "k")
	require.NoError(err)
	require.Equal(int64(-2), ttl)
}

func TestMemoryExpire(t *testing.T) {
	require := require.New(t)
	m, clk := newTestMemory()
	ctx := context.Background()

	ok, err := m.Expire(ctx, "missing", 10*time.Second)
	require.NoError(err)
	require.False(ok)

	require.NoError(m.Set(ctx, "k", []byte("v"), 0))
	ok, err = m.Expire(ctx, "k", 10*time.Second)
	require.NoError(err)
	require.True(ok)

	clk.Add(11 * time.Second)
	ok, err = m.Exists(ctx, "k")
	require.NoError(err)
	require.False(ok)
}

func TestMemoryMGet(t *testing.T) {
	require := require.New(t)
	m, _ := newTestMemory()
	ctx := context.Background()

	require.NoError(m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(m.Set(ctx, "c", []byte("3"), 0))

	vals, err := m.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(err)
	require.Len(vals, 3)
	require.Equal("1", string(vals[0]))
	require.Nil(vals[1])
	require.Equal("3", string(vals[2]))
}

func TestMemoryListOps(t *testing.T) {
	require := require.New(t)
	m, _ := newTestMemory()
	ctx := context.Background()

	// Head-pushed, so reads come back newest first.
	for _, v := range []string{"one", "two", "three"} {
		require.NoError(m.LPush(ctx, "l", []byte(v)))
	}

	vals, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(err)
	require.Equal([]string{"three", "two", "one"}, toStrings(vals))

	vals, err = m.LRange(ctx, "l", 0, 1)
	require.NoError(err)
	require.Equal([]string{"three", "two"}, toStrings(vals))

	vals, err = m.LRange(ctx, "l", -2, -1)
	require.NoError(err)
	require.Equal([]string{"two", "one"}, toStrings(vals))

	require.NoError(m.LTrim(ctx, "l", 0, 1))
	vals, err = m.LRange(ctx, "l", 0, -1)
	require.NoError(err)
	require.Equal([]string{"three", "two"}, toStrings(vals))

	// Trimming to an empty range deletes the list.
	require.NoError(m.LTrim(ctx, "l", 5, 10))
	vals, err = m.LRange(ctx, "l", 0, -1)
	require.NoError(err)
	require.Empty(vals)

	// Ranges on a missing list are empty, not errors.
	vals, err = m.LRange(ctx, "nope", 0, -1)
	require.NoError(err)
	require.Empty(vals)
}

func toStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = string(b)
	}
	return out
}

func TestOpen(t *testing.T) {
	require := require.New(t)

	s, err := Open("memory://")
	require.NoError(err)
	require.NoError(s.Ping(context.Background()))
	require.NoError(s.Close())

	_, err = Open("bolt:///tmp/x")
	require.Error(err)
}
