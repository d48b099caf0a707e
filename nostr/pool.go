// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package nostr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/nostrkv/kvconnect/core/log"
)

const (
	defaultDialTimeout  = 45 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultDedupeSize   = 8192
)

// ErrPublishFailed is returned when no relay accepted a published event.
var ErrPublishFailed = errors.New("nostr: no relay accepted event")

// PoolConfig configures a relay pool.
type PoolConfig struct {
	// URLs are the relay websocket endpoints.
	URLs []string

	// ReconnectMaxAttempts caps consecutive failed connection attempts per
	// relay before that relay is abandoned.  0 means never give up.
	ReconnectMaxAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// DedupeSize bounds the duplicate-suppression window, in event ids.
	DedupeSize int
}

func (cfg *PoolConfig) applyDefaults() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DedupeSize == 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
}

type subscription struct {
	id      string
	filter  *Filter
	handler func(*Event)
}

// Pool maintains durable sessions to a set of relays, fans published
// events out to all of them and delivers each unique matching inbound
// event to subscription handlers exactly once, regardless of how many
// relays carried it.
type Pool struct {
	sync.RWMutex

	cfg        *PoolConfig
	logBackend *log.Backend
	log        *logging.Logger

	relays []*relayConn
	seen   *lru.Cache[string, struct{}]
	subs   map[string]*subscription
}

// NewPool creates a pool and starts its per-relay connection workers.
func NewPool(cfg *PoolConfig, logBackend *log.Backend) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("nostr: no relay URLs configured")
	}
	cfg.applyDefaults()

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("nostr/pool"),
		seen:       seen,
		subs:       make(map[string]*subscription),
	}
	for _, u := range cfg.URLs {
		p.relays = append(p.relays, newRelayConn(p, u))
	}
	return p, nil
}

// Subscribe registers an interest and returns the subscription id.  The
// handler runs on the delivering relay's read loop and must not block.
func (p *Pool) Subscribe(f *Filter, handler func(*Event)) string {
	sub := &subscription{
		id:      uuid.NewString(),
		filter:  f,
		handler: handler,
	}
	p.Lock()
	p.subs[sub.id] = sub
	p.Unlock()

	for _, r := range p.relays {
		if err := r.send(reqFrame(sub.id, f)); err != nil {
			// The relay re-requests all subscriptions on (re)connect.
			continue
		}
	}
	return sub.id
}

// Unsubscribe drops a subscription.
func (p *Pool) Unsubscribe(id string) {
	p.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.Unlock()
	if !ok {
		return
	}
	for _, r := range p.relays {
		_ = r.send(closeFrame(id))
	}
}

// Publish fans a signed event out to every connected relay and succeeds
// once any relay accepts it.
func (p *Pool) Publish(ctx context.Context, ev *Event) error {
	res := make(chan bool, len(p.relays))
	sent := 0
	for _, r := range p.relays {
		if err := r.publish(ev, res); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return ErrPublishFailed
	}

	for i := 0; i < sent; i++ {
		select {
		case accepted := <-res:
			if accepted {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrPublishFailed
}

// NumConnected returns the number of currently established sessions.
func (p *Pool) NumConnected() int {
	n := 0
	for _, r := range p.relays {
		if r.isConnected() {
			n++
		}
	}
	return n
}

// Halt closes every subscription and relay session and waits for the
// connection workers to exit.
func (p *Pool) Halt() {
	p.Lock()
	p.subs = make(map[string]*subscription)
	p.Unlock()
	for _, r := range p.relays {
		r.halt()
	}
	p.log.Noticef("Relay pool halted")
}

// onRelayConnected replays active subscriptions onto a fresh session.
func (p *Pool) onRelayConnected(r *relayConn) {
	p.RLock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.RUnlock()

	for _, s := range subs {
		if err := r.send(reqFrame(s.id, s.filter)); err != nil {
			p.log.Debugf("Failed to replay subscription %s: %v", s.id, err)
		}
	}
}

// dispatch routes one inbound event to matching subscriptions, suppressing
// duplicates received from multiple relays by event id.
func (p *Pool) dispatch(ev *Event) {
	if ev.ID == "" {
		return
	}
	if found, _ := p.seen.ContainsOrAdd(ev.ID, struct{}{}); found {
		return
	}

	p.RLock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.RUnlock()

	for _, s := range subs {
		if s.filter.Matches(ev) {
			s.handler(ev)
		}
	}
}
