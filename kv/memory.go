// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	deadline time.Time // zero = no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Memory is an in-process Store with Redis-like TTL semantics.  It backs
// the memory:// URL scheme and the package tests.
type Memory struct {
	sync.Mutex

	entries map[string]*memoryEntry
	lists   map[string][][]byte

	// now is swappable so tests can control expiry.
	now func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		lists:   make(map[string][][]byte),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.Lock()
	defer m.Unlock()
	m.now = now
}

// lookup returns a live entry, reaping it if expired.  Caller holds the lock.
func (m *Memory) lookup(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.Lock()
	defer m.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.Lock()
	defer m.Unlock()
	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, key string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	if m.lookup(key) == nil {
		return 0, nil
	}
	delete(m.entries, key)
	return 1, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *Memory) MGet(_ context.Context, keys []string) ([][]byte, error) {
	m.Lock()
	defer m.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e := m.lookup(k); e != nil {
			out[i] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.Lock()
	defer m.Unlock()
	e := m.lookup(key)
	if e == nil {
		return false, nil
	}
	e.deadline = m.now().Add(ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	e := m.lookup(key)
	if e == nil {
		return -2, nil
	}
	if e.deadline.IsZero() {
		return -1, nil
	}
	remaining := e.deadline.Sub(m.now())
	return int64((remaining + time.Second - 1) / time.Second), nil
}

func (m *Memory) LPush(_ context.Context, key string, value []byte) error {
	m.Lock()
	defer m.Unlock()
	l := m.lists[key]
	m.lists[key] = append([][]byte{append([]byte(nil), value...)}, l...)
	return nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.Lock()
	defer m.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = l[start : stop+1]
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.Lock()
	defer m.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range l[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
