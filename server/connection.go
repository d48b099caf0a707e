// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// budgetWindow is the rolling accounting interval for both the
	// request and byte budgets.
	budgetWindow = 60 * time.Second

	// idempotencyCacheSize bounds cached responses per connection; the
	// rate limit keeps a window's worth of requests well below this.
	idempotencyCacheSize = 4096
)

type byteEvent struct {
	at time.Time
	n  int
}

// Connection is the per-client mutable state: the authorized policy plus
// sliding-window counters and the idempotency cache.  The router holds
// the connection's mutex for the whole of a request, which both
// linearizes counter updates and serializes same-client requests in
// arrival order.  Distinct connections never contend.
type Connection struct {
	sync.Mutex

	pubkey string
	policy *Policy

	clk        clock.Clock
	reqTimes   []time.Time
	byteEvents []byteEvent

	idem *expirable.LRU[string, []byte]
}

func newConnection(pubkey string, policy *Policy, clk clock.Clock, idemWindow time.Duration) *Connection {
	return &Connection{
		pubkey: pubkey,
		policy: policy,
		clk:    clk,
		idem:   expirable.NewLRU[string, []byte](idempotencyCacheSize, nil, idemWindow),
	}
}

// Policy returns the connection's authorized policy.
func (c *Connection) Policy() *Policy {
	return c.policy
}

// purge drops window entries older than 60s.  Caller holds the lock.
func (c *Connection) purge(now time.Time) {
	cutoff := now.Add(-budgetWindow)
	i := 0
	for ; i < len(c.reqTimes) && !c.reqTimes[i].After(cutoff); i++ {
	}
	c.reqTimes = c.reqTimes[i:]

	j := 0
	for ; j < len(c.byteEvents) && !c.byteEvents[j].at.After(cutoff); j++ {
	}
	c.byteEvents = c.byteEvents[j:]
}

// checkRate reports whether the window has a free request slot.  It
// records nothing; consumeRequest does, once the request is actually
// processed.  Caller holds the lock.
func (c *Connection) checkRate() bool {
	c.purge(c.clk.Now())
	return len(c.reqTimes) < c.policy.Limits.MPS
}

// checkBytes reports whether n more bytes fit in the byte budget.  Like
// checkRate it records nothing.  Caller holds the lock.
func (c *Connection) checkBytes(n int) bool {
	c.purge(c.clk.Now())
	used := 0
	for _, e := range c.byteEvents {
		used += e.n
	}
	return used+n <= c.policy.Limits.BPS
}

// consumeRequest charges one request slot and n bytes against the
// window.  Caller holds the lock.
func (c *Connection) consumeRequest(n int) {
	now := c.clk.Now()
	c.reqTimes = append(c.reqTimes, now)
	c.byteEvents = append(c.byteEvents, byteEvent{at: now, n: n})
}

// cachedResponse returns the memoized response for a request id, if it is
// still inside the idempotency window.  Caller holds the lock.
func (c *Connection) cachedResponse(id string) ([]byte, bool) {
	return c.idem.Get(id)
}

// cacheResponse memoizes the serialized response for a request id.
// Caller holds the lock.
func (c *Connection) cacheResponse(id string, resp []byte) {
	c.idem.Add(id, resp)
}
