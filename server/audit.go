// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/nostrkv/kvconnect/core/log"
	"github.com/nostrkv/kvconnect/core/worker"
	"github.com/nostrkv/kvconnect/kv"
)

const (
	// auditSuffix names the audit list under the server namespace.  The
	// namespace guard reserves the suffixed key, so no routed request can
	// reach the trail.
	auditSuffix = "__audit"

	// auditTrim bounds the audit list length.
	auditTrim = 10000

	auditPushTimeout = 5 * time.Second
)

// AuditRecord is one redacted per-request record.  It never carries raw
// keys or raw values.
type AuditRecord struct {
	Method    string `json:"method"`
	KeyHash   string `json:"key_hash,omitempty"`
	ValueSize int    `json:"value_size"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Client    string `json:"client"`
	Timestamp int64  `json:"timestamp"`
}

// AuditStats aggregates records over a window.
type AuditStats struct {
	Total         int            `json:"total"`
	ByMethod      map[string]int `json:"by_method"`
	ByError       map[string]int `json:"by_error"`
	SuccessRate   float64        `json:"success_rate"`
	MeanLatencyMS float64        `json:"mean_latency_ms"`
}

// keyHash is the redacted key form recorded in the audit trail: the first
// 8 characters of the base64 of the fully qualified key.  Not
// cryptographic; it only keeps raw keys out of the trail.
func keyHash(fqKey string) string {
	h := base64.StdEncoding.EncodeToString([]byte(fqKey))
	if len(h) > 8 {
		h = h[:8]
	}
	return h
}

// redactClient keeps the first and last four hex characters of a pubkey.
func redactClient(pubkey string) string {
	if len(pubkey) <= 8 {
		return pubkey
	}
	return pubkey[:4] + "…" + pubkey[len(pubkey)-4:]
}

// Auditor appends redacted records to a bounded backend list.  Appends
// are asynchronous and best-effort: a degraded backend must never stall
// request processing, so a full queue drops records (with a local log
// line) instead of blocking.
type Auditor struct {
	worker.Worker

	store   kv.Store
	listKey string
	log     *logging.Logger
	clk     clock.Clock

	ch chan *AuditRecord
}

// NewAuditor creates an auditor writing to `<namespace>__audit` and
// starts its append worker.
func NewAuditor(store kv.Store, namespace string, queueSize int, logBackend *log.Backend, clk clock.Clock) *Auditor {
	a := &Auditor{
		store:   store,
		listKey: namespace + auditSuffix,
		log:     logBackend.GetLogger("server/audit"),
		clk:     clk,
		ch:      make(chan *AuditRecord, queueSize),
	}
	a.Go(a.appendWorker)
	return a
}

// Emit queues a record for appending.  Never blocks.
func (a *Auditor) Emit(r *AuditRecord) {
	select {
	case a.ch <- r:
	default:
		a.log.Warningf("Audit queue full, dropping record for %s", r.Method)
	}
}

func (a *Auditor) appendWorker() {
	for {
		select {
		case r := <-a.ch:
			a.append(r)
		case <-a.HaltCh():
			// Drain what is already queued, then stop.
			for {
				select {
				case r := <-a.ch:
					a.append(r)
				default:
					return
				}
			}
		}
	}
}

func (a *Auditor) append(r *AuditRecord) {
	b, err := json.Marshal(r)
	if err != nil {
		a.log.Errorf("Failed to marshal audit record: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditPushTimeout)
	defer cancel()
	if err := a.store.LPush(ctx, a.listKey, b); err != nil {
		a.log.Warningf("Audit append failed, skipping record: %v", err)
		return
	}
	if err := a.store.LTrim(ctx, a.listKey, 0, auditTrim-1); err != nil {
		a.log.Warningf("Audit trim failed: %v", err)
	}
}

// Stats aggregates the records whose timestamps fall inside the trailing
// window.
func (a *Auditor) Stats(ctx context.Context, window time.Duration) (*AuditStats, error) {
	raw, err := a.store.LRange(ctx, a.listKey, 0, auditTrim-1)
	if err != nil {
		return nil, err
	}

	cutoff := a.clk.Now().Add(-window).UnixMilli()
	stats := &AuditStats{
		ByMethod: make(map[string]int),
		ByError:  make(map[string]int),
	}
	ok := 0
	var latencySum int64
	for _, b := range raw {
		var r AuditRecord
		if json.Unmarshal(b, &r) != nil {
			continue
		}
		if r.Timestamp < cutoff {
			// Records are head-pushed, newest first.
			break
		}
		stats.Total++
		stats.ByMethod[r.Method]++
		if r.ErrorCode != "" {
			stats.ByError[r.ErrorCode]++
		} else {
			ok++
		}
		latencySum += r.LatencyMS
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(ok) / float64(stats.Total)
		stats.MeanLatencyMS = float64(latencySum) / float64(stats.Total)
	}
	return stats, nil
}
