// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package nostr

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/nostrkv/kvconnect/core/retry"
	"github.com/nostrkv/kvconnect/core/worker"
)

var errNotConnected = errors.New("nostr: relay not connected")

// relayConn is one durable outbound relay session.  A background worker
// dials, reads frames and reconnects with exponential backoff until the
// attempt cap is reached or the pool halts.
type relayConn struct {
	worker.Worker
	sync.Mutex

	pool *Pool
	url  string
	log  *logging.Logger

	ws        *websocket.Conn
	pending   map[string]chan<- bool
	connected bool
	closed    atomic.Bool
}

func newRelayConn(p *Pool, url string) *relayConn {
	r := &relayConn{
		pool:    p,
		url:     url,
		log:     p.logBackend.GetLogger("nostr/relay:" + url),
		pending: make(map[string]chan<- bool),
	}
	r.Go(r.connectionWorker)
	return r
}

func (r *relayConn) connectionWorker() {
	attempts := 0
	for {
		select {
		case <-r.HaltCh():
			return
		default:
		}
		if r.closed.Load() {
			return
		}

		dialer := &websocket.Dialer{HandshakeTimeout: r.pool.cfg.DialTimeout}
		ws, _, err := dialer.Dial(r.url, nil)
		if err != nil {
			attempts++
			if max := r.pool.cfg.ReconnectMaxAttempts; max > 0 && attempts >= max {
				r.log.Errorf("Giving up after %d connect attempts: %v", attempts, err)
				return
			}
			delay := retry.Delay(retry.DefaultBaseDelay, retry.DefaultMaxDelay, retry.DefaultJitter, attempts-1)
			r.log.Debugf("Connect failed (attempt %d): %v; retrying in %v", attempts, err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-r.HaltCh():
				return
			}
		}
		attempts = 0

		r.Lock()
		r.ws = ws
		r.connected = true
		r.Unlock()
		r.log.Noticef("Connected")

		r.pool.onRelayConnected(r)
		r.readLoop(ws)

		r.Lock()
		r.ws = nil
		r.connected = false
		stale := r.pending
		r.pending = make(map[string]chan<- bool)
		r.Unlock()
		for _, ch := range stale {
			ch <- false
		}
		ws.Close()
		r.log.Noticef("Disconnected")
	}
}

func (r *relayConn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !r.closed.Load() {
				r.log.Debugf("Read failed: %v", err)
			}
			return
		}
		fr, err := parseFrame(data)
		if err != nil {
			r.log.Debugf("Dropping malformed frame")
			continue
		}

		switch fr.label {
		case labelEvent:
			// ["EVENT", subID, event]
			ev, err := fr.event(1)
			if err != nil {
				r.log.Debugf("Dropping malformed event frame")
				continue
			}
			r.pool.dispatch(ev)
		case labelOK:
			// ["OK", eventID, accepted, message]
			id, accepted := fr.str(0), fr.boolean(1)
			r.Lock()
			ch := r.pending[id]
			delete(r.pending, id)
			r.Unlock()
			if ch != nil {
				ch <- accepted
			}
			if !accepted {
				r.log.Warningf("Relay rejected event %s: %s", id, fr.str(2))
			}
		case labelClosed:
			r.log.Warningf("Subscription closed by relay: %s", fr.str(1))
		case labelNotice:
			r.log.Debugf("Relay notice: %s", fr.str(0))
		case labelEOSE:
			// End of stored events; live events follow.
		default:
			r.log.Debugf("Ignoring %s frame", fr.label)
		}
	}
}

// send writes a frame if the session is up.  gorilla websocket permits a
// single writer, which the session mutex provides.
func (r *relayConn) send(v interface{}) error {
	r.Lock()
	defer r.Unlock()
	return r.sendLocked(v)
}

func (r *relayConn) sendLocked(v interface{}) error {
	if r.ws == nil {
		return errNotConnected
	}
	r.ws.SetWriteDeadline(time.Now().Add(r.pool.cfg.WriteTimeout))
	return r.ws.WriteJSON(v)
}

// publish writes the event and registers interest in its OK result, which
// is delivered on res exactly once per successful write.
func (r *relayConn) publish(ev *Event, res chan<- bool) error {
	r.Lock()
	defer r.Unlock()
	if err := r.sendLocked(eventFrame(ev)); err != nil {
		return err
	}
	r.pending[ev.ID] = res
	return nil
}

func (r *relayConn) isConnected() bool {
	r.Lock()
	defer r.Unlock()
	return r.connected
}

// halt tears down the session and stops the connection worker.
func (r *relayConn) halt() {
	r.closed.Store(true)
	r.Lock()
	if r.ws != nil {
		r.ws.Close()
	}
	r.Unlock()
	r.Halt()
}
