// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/nostrkv/kvconnect/core/log"
	"github.com/nostrkv/kvconnect/kv"
)

// auditInfo is what a handler reports for the audit trail: the fully
// qualified key it touched (already safe to hash) and the decoded value
// size involved.
type auditInfo struct {
	key       string
	valueSize int
}

// Router orchestrates validation, dispatch and response construction for
// every decrypted request.  One router serves all connections; it owns
// the lazily created connections and one namespace guard per namespace,
// reused across requests but never shared across differently-namespaced
// connections.
type Router struct {
	sync.Mutex

	store    kv.Store
	auditor  *Auditor
	registry *Registry
	log      *logging.Logger
	clk      clock.Clock

	idemWindow time.Duration
	encV2      bool
	encV1      bool

	guards map[string]*NamespaceGuard
	conns  map[string]*Connection
}

// NewRouter creates a router over the given store and registry.
func NewRouter(store kv.Store, auditor *Auditor, registry *Registry, logBackend *log.Backend, clk clock.Clock, idemWindow time.Duration, encV2, encV1 bool) *Router {
	return &Router{
		store:      store,
		auditor:    auditor,
		registry:   registry,
		log:        logBackend.GetLogger("server/router"),
		clk:        clk,
		idemWindow: idemWindow,
		encV2:      encV2,
		encV1:      encV1,
		guards:     make(map[string]*NamespaceGuard),
		conns:      make(map[string]*Connection),
	}
}

// Connection returns the client's connection, creating it with the
// registry policy on first contact.
func (rt *Router) Connection(pubkey string) *Connection {
	rt.Lock()
	defer rt.Unlock()
	if c, ok := rt.conns[pubkey]; ok {
		return c
	}
	c := newConnection(pubkey, rt.registry.Lookup(pubkey), rt.clk, rt.idemWindow)
	rt.conns[pubkey] = c
	return c
}

func (rt *Router) guard(ns string) *NamespaceGuard {
	rt.Lock()
	defer rt.Unlock()
	g, ok := rt.guards[ns]
	if !ok {
		g = NewNamespaceGuard(ns)
		rt.guards[ns] = g
	}
	return g
}

// Reset drops all per-connection caches.  Used on shutdown.
func (rt *Router) Reset() {
	rt.Lock()
	defer rt.Unlock()
	rt.guards = make(map[string]*NamespaceGuard)
	rt.conns = make(map[string]*Connection)
}

// Route processes one decrypted request and returns the serialized
// response, or nil when the request must be dropped without reply.
// reqLen is the plaintext request size charged against the byte budget.
func (rt *Router) Route(ctx context.Context, conn *Connection, req *Request, reqLen int) []byte {
	if req == nil || req.ID == "" {
		return nil
	}
	start := rt.clk.Now()

	conn.Lock()
	defer conn.Unlock()
	pol := conn.policy

	if pol.Revoked {
		return rt.finish(conn, req, reqLen, start, nil, errUnauthorized, auditInfo{}, false)
	}

	if cached, ok := conn.cachedResponse(req.ID); ok {
		replaysTotal.Inc()
		rt.audit(req.Method, auditInfo{}, "replay", "", start, conn.pubkey)
		return cached
	}

	if !pol.Allows(req.Method) {
		return rt.finish(conn, req, reqLen, start, nil, errRestricted, auditInfo{}, false)
	}
	if !conn.checkRate() {
		return rt.finish(conn, req, reqLen, start, nil, errRateLimited, auditInfo{}, false)
	}
	if !conn.checkBytes(reqLen) {
		return rt.finish(conn, req, reqLen, start, nil, errRateLimited, auditInfo{}, false)
	}

	result, info, rerr := rt.dispatch(ctx, pol, req)
	return rt.finish(conn, req, reqLen, start, result, rerr, info, true)
}

// finish builds, serializes, caches, charges and audits a response.
// accounted marks requests that passed both budget checks; only those
// consume a request slot plus request+response bytes, and only those
// are memoized (UNAUTHORIZED is never memoized so that revocation bites
// replays too).
func (rt *Router) finish(conn *Connection, req *Request, reqLen int, start time.Time, result interface{}, rerr *Error, info auditInfo, accounted bool) []byte {
	resp := &Response{Result: result, Error: rerr, ID: req.ID}
	b, err := json.Marshal(resp)
	if err != nil {
		rt.log.Errorf("Failed to marshal response for %s: %v", req.Method, err)
		rerr = errInternal
		b, _ = json.Marshal(&Response{Error: rerr, ID: req.ID})
	}

	if accounted {
		conn.cacheResponse(req.ID, b)
		conn.consumeRequest(reqLen + len(b))
	}

	code := "ok"
	status := "ok"
	errCode := ""
	if rerr != nil {
		code = rerr.Code
		status = "error"
		errCode = rerr.Code
	}
	requestsVec.WithLabelValues(req.Method, code).Inc()
	rt.audit(req.Method, info, status, errCode, start, conn.pubkey)
	return b
}

func (rt *Router) audit(method string, info auditInfo, status, errCode string, start time.Time, pubkey string) {
	now := rt.clk.Now()
	requestLatency.Observe(now.Sub(start).Seconds())
	rec := &AuditRecord{
		Method:    method,
		ValueSize: info.valueSize,
		Status:    status,
		ErrorCode: errCode,
		LatencyMS: now.Sub(start).Milliseconds(),
		Client:    redactClient(pubkey),
		Timestamp: now.UnixMilli(),
	}
	if info.key != "" {
		rec.KeyHash = keyHash(info.key)
	}
	rt.auditor.Emit(rec)
}

// dispatch validates parameters, resolves keys into the connection's
// namespace and performs the backend operation.
func (rt *Router) dispatch(ctx context.Context, pol *Policy, req *Request) (interface{}, auditInfo, *Error) {
	switch req.Method {
	case MethodGetInfo:
		return rt.handleGetInfo(pol), auditInfo{}, nil
	case MethodGet:
		return rt.handleGet(ctx, pol, req.Params)
	case MethodSet:
		return rt.handleSet(ctx, pol, req.Params)
	case MethodDel:
		return rt.handleDel(ctx, pol, req.Params)
	case MethodExists:
		return rt.handleExists(ctx, pol, req.Params)
	case MethodMget:
		return rt.handleMget(ctx, pol, req.Params)
	case MethodExpire:
		return rt.handleExpire(ctx, pol, req.Params)
	case MethodTTL:
		return rt.handleTTL(ctx, pol, req.Params)
	default:
		return nil, auditInfo{}, errNotImplemented
	}
}

func (rt *Router) handleGetInfo(pol *Policy) *infoResult {
	methods := append([]string(nil), pol.AllowedMethods...)
	limits := pol.Limits
	return &infoResult{
		Methods:    methods,
		NS:         pol.Namespace,
		Limits:     &limits,
		Encryption: encryptionInfo{V2: rt.encV2, V1: rt.encV1},
	}
}

// resolveKey runs the shared key pipeline: presence/length validation
// then namespace resolution.
func (rt *Router) resolveKey(pol *Policy, key string) (string, *Error) {
	if verr := validateKey(key, pol.Limits.MaxKey); verr != nil {
		return "", verr
	}
	return rt.guard(pol.Namespace).Resolve(key)
}

func (rt *Router) handleGet(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	val, found, err := rt.store.Get(ctx, fq)
	if err != nil {
		return nil, auditInfo{key: fq}, rt.internal("get", err)
	}
	res := &getResult{}
	size := 0
	if found {
		s := base64.StdEncoding.EncodeToString(val)
		res.Value = &s
		size = len(val)
	}
	return res, auditInfo{key: fq, valueSize: size}, nil
}

func (rt *Router) handleSet(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p setParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	raw, verr := decodeValue(p.Value, pol.Limits.MaxVal)
	if verr != nil {
		return nil, auditInfo{}, verr
	}
	var ttl time.Duration
	if p.TTL != nil {
		if verr := validateTTL(*p.TTL); verr != nil {
			return nil, auditInfo{}, verr
		}
		ttl = time.Duration(*p.TTL) * time.Second
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	if err := rt.store.Set(ctx, fq, raw, ttl); err != nil {
		return nil, auditInfo{key: fq}, rt.internal("set", err)
	}
	return &setResult{OK: true}, auditInfo{key: fq, valueSize: len(raw)}, nil
}

func (rt *Router) handleDel(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	n, err := rt.store.Del(ctx, fq)
	if err != nil {
		return nil, auditInfo{key: fq}, rt.internal("del", err)
	}
	return &delResult{Deleted: n}, auditInfo{key: fq}, nil
}

func (rt *Router) handleExists(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	ok, err := rt.store.Exists(ctx, fq)
	if err != nil {
		return nil, auditInfo{key: fq}, rt.internal("exists", err)
	}
	return &existsResult{Exists: ok}, auditInfo{key: fq}, nil
}

func (rt *Router) handleMget(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p mgetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	if verr := validateMgetCount(len(p.Keys), pol.Limits.MgetMax); verr != nil {
		return nil, auditInfo{}, verr
	}

	fqKeys := make([]string, len(p.Keys))
	for i, k := range p.Keys {
		fq, rerr := rt.resolveKey(pol, k)
		if rerr != nil {
			return nil, auditInfo{}, rerr
		}
		fqKeys[i] = fq
	}

	vals, err := rt.store.MGet(ctx, fqKeys)
	if err != nil {
		return nil, auditInfo{key: fqKeys[0]}, rt.internal("mget", err)
	}
	res := &mgetResult{Values: make([]*string, len(vals))}
	size := 0
	for i, v := range vals {
		if v == nil {
			continue
		}
		s := base64.StdEncoding.EncodeToString(v)
		res.Values[i] = &s
		size += len(v)
	}
	return res, auditInfo{key: fqKeys[0], valueSize: size}, nil
}

func (rt *Router) handleExpire(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p expireParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	if verr := validateTTL(p.TTL); verr != nil {
		return nil, auditInfo{}, verr
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	ok, err := rt.store.Expire(ctx, fq, time.Duration(p.TTL)*time.Second)
	if err != nil {
		return nil, auditInfo{key: fq}, rt.internal("expire", err)
	}
	return &expireResult{OK: ok}, auditInfo{key: fq}, nil
}

func (rt *Router) handleTTL(ctx context.Context, pol *Policy, params json.RawMessage) (interface{}, auditInfo, *Error) {
	var p keyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, auditInfo{}, newError(CodeInvalidKey, "bad parameters")
	}
	fq, rerr := rt.resolveKey(pol, p.Key)
	if rerr != nil {
		return nil, auditInfo{}, rerr
	}

	ttl, err := rt.store.TTL(ctx, fq)
	if err != nil {
		return nil, auditInfo{key: fq}, rt.internal("ttl", err)
	}
	return &ttlResult{TTL: ttl}, auditInfo{key: fq}, nil
}

// internal logs the backend failure and maps it to the INTERNAL taxonomy;
// backend error text never reaches a client.
func (rt *Router) internal(op string, err error) *Error {
	rt.log.Errorf("Backend %s failed: %v", op, err)
	return errInternal
}
