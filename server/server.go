// server.go - kvconnect gateway orchestrator.
// Copyright (C) 2025  The kvconnect authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package server implements the kvconnect gateway: the request router, the
// connection registry and budgets, the audit trail and the orchestrator
// that binds them to the relay pool.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/nostrkv/kvconnect/config"
	"github.com/nostrkv/kvconnect/core/log"
	"github.com/nostrkv/kvconnect/core/worker"
	"github.com/nostrkv/kvconnect/crypto/envelope"
	"github.com/nostrkv/kvconnect/crypto/keyring"
	"github.com/nostrkv/kvconnect/kv"
	"github.com/nostrkv/kvconnect/nostr"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the GenerateOnly debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

const backendPingTimeout = 5 * time.Second

// Server is a kvconnect gateway instance.
type Server struct {
	worker.Worker

	cfg *config.Config

	identity *keyring.Keyring

	logBackend *log.Backend
	log        *logging.Logger

	store    kv.Store
	registry *Registry
	auditor  *Auditor
	router   *Router
	pool     *nostr.Pool

	envPolicy  envelope.Policy
	metricsSrv *http.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	d := s.cfg.Server.DataDir
	fi, err := os.Stat(d)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode().Perm() != 0700 {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode().Perm())
		}
		return nil
	case os.IsNotExist(err):
		return os.MkdirAll(d, 0700)
	default:
		return err
	}
}

func (s *Server) initLogging() error {
	var err error
	s.logBackend, err = log.New(s.cfg.Logging.File, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initIdentity loads the signing identity from the config or the secret
// key file, generating and persisting a fresh one when neither exists.
func (s *Server) initIdentity() error {
	if s.cfg.Server.SecretKey != "" {
		k, err := keyring.FromBech32(s.cfg.Server.SecretKey)
		if err != nil {
			return fmt.Errorf("server: bad SecretKey: %v", err)
		}
		s.identity = k
		return nil
	}

	f := s.cfg.Server.SecretKeyFile
	b, err := os.ReadFile(f)
	switch {
	case err == nil:
		k, kerr := keyring.FromBech32(strings.TrimSpace(string(b)))
		if kerr != nil {
			return fmt.Errorf("server: bad secret key file '%v': %v", f, kerr)
		}
		s.identity = k
		return nil
	case os.IsNotExist(err):
		k, kerr := keyring.Generate()
		if kerr != nil {
			return kerr
		}
		nsec, kerr := k.SecretBech32()
		if kerr != nil {
			return kerr
		}
		if werr := os.WriteFile(f, []byte(nsec+"\n"), 0600); werr != nil {
			return werr
		}
		s.identity = k
		s.log.Noticef("Generated new identity key: %v", f)
		return nil
	default:
		return err
	}
}

func (s *Server) defaultPolicy() *Policy {
	l := s.cfg.Limits
	return &Policy{
		Namespace:      s.cfg.Server.Namespace,
		AllowedMethods: AllMethods(),
		Limits: Limits{
			MPS:     l.MPS,
			BPS:     l.BPS,
			MaxKey:  l.MaxKey,
			MaxVal:  l.MaxVal,
			MgetMax: l.MgetMax,
		},
	}
}

func (s *Server) envelopePolicy() envelope.Policy {
	e := s.cfg.Encryption
	pol := envelope.Policy{
		Preference: envelope.SchemeV2,
		V2Enabled:  !e.DisableV2,
		V1Enabled:  !e.DisableV1,
	}
	if e.Preference == "v1" {
		pol.Preference = envelope.SchemeV1
	}
	return pol
}

// onEvent runs on a relay read loop and must not block; the actual
// processing happens on a managed go routine.
func (s *Server) onEvent(ev *nostr.Event) {
	s.Go(func() { s.processEvent(ev) })
}

// processEvent runs one inbound event through the envelope gate and, when
// it survives, the router.  Every drop before routing is silent on the
// wire and counted by reason.
func (s *Server) processEvent(ev *nostr.Event) {
	if ev.Kind != nostr.KindRequest || ev.CounterpartyTag() != s.identity.PublicKeyHex() {
		envelopeDropsVec.WithLabelValues("misaddressed").Inc()
		return
	}
	if !ev.Verify() {
		envelopeDropsVec.WithLabelValues("signature").Inc()
		s.log.Debugf("Dropping event %s: bad signature", ev.ID)
		return
	}

	now := time.Now().Unix()
	if ev.CreatedAt < now-int64(s.cfg.Debug.EventMaxAge) {
		envelopeDropsVec.WithLabelValues("stale").Inc()
		return
	}
	if ev.CreatedAt > now+int64(s.cfg.Debug.ClockSkewMax) {
		envelopeDropsVec.WithLabelValues("future").Inc()
		return
	}

	keys, err := s.peerKeys(ev.Pubkey)
	if err != nil {
		envelopeDropsVec.WithLabelValues("keys").Inc()
		s.log.Debugf("Dropping event %s: key derivation: %v", ev.ID, err)
		return
	}

	plaintext, _, err := envelope.Decrypt(keys, ev.Content, s.envPolicy)
	if err != nil {
		// Wrong key, tampering or a disabled scheme.  No reply: a reply
		// would have to be encrypted to a peer we share no secret with.
		envelopeDropsVec.WithLabelValues("decrypt").Inc()
		return
	}

	var req Request
	if err = json.Unmarshal(plaintext, &req); err != nil || req.ID == "" {
		envelopeDropsVec.WithLabelValues("parse").Inc()
		return
	}

	conn := s.router.Connection(ev.Pubkey)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Debug.RequestTimeout)*time.Millisecond)
	respBytes := s.router.Route(ctx, conn, &req, len(plaintext))
	cancel()
	if respBytes == nil {
		return
	}

	s.respond(ev, keys, respBytes)
}

// respond encrypts, signs and publishes a response event addressed back to
// the requester.
func (s *Server) respond(req *nostr.Event, keys envelope.Keys, respBytes []byte) {
	content, _, err := envelope.Encrypt(keys, respBytes, s.envPolicy)
	if err != nil {
		publishVec.WithLabelValues("encrypt_failed").Inc()
		s.log.Errorf("Failed to encrypt response to %s: %v", redactClient(req.Pubkey), err)
		return
	}

	resp := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindResponse,
		Tags:      [][]string{{"p", req.Pubkey}, {"e", req.ID}},
		Content:   content,
	}
	if err = resp.Sign(s.identity); err != nil {
		publishVec.WithLabelValues("sign_failed").Inc()
		s.log.Errorf("Failed to sign response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Debug.PublishTimeout)*time.Millisecond)
	defer cancel()
	if err = s.pool.Publish(ctx, resp); err != nil {
		publishVec.WithLabelValues("failed").Inc()
		s.log.Warningf("Failed to publish response to %s: %v", redactClient(req.Pubkey), err)
		return
	}
	publishVec.WithLabelValues("ok").Inc()
}

func (s *Server) peerKeys(peerPubHex string) (envelope.Keys, error) {
	var keys envelope.Keys
	conv, err := s.identity.ConversationKey(peerPubHex)
	if err != nil {
		return keys, err
	}
	shared, err := s.identity.SharedX(peerPubHex)
	if err != nil {
		return keys, err
	}
	keys.Conversation = conv
	keys.SharedX = shared
	return keys, nil
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Auditor returns the audit trail writer.
func (s *Server) Auditor() *Auditor {
	return s.auditor
}

// PublicKeyBech32 returns the gateway's npub identity.
func (s *Server) PublicKeyBech32() (string, error) {
	return s.identity.PublicKeyBech32()
}

// RotateLog rotates the log file if logging to disk.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file, shutting down: %v", err)
	}
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown")

	if s.pool != nil {
		s.pool.Halt()
	}

	// In-flight event handlers.
	s.Worker.Halt()

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if s.auditor != nil {
		s.auditor.Halt()
	}
	if s.router != nil {
		s.router.Reset()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warningf("Failed to close backend: %v", err)
		}
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Gateway identifier is: '%v'", cfg.Server.Identifier)

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Initialize the identity key.
	if err := s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	if npub, err := s.identity.PublicKeyBech32(); err == nil {
		s.log.Noticef("Gateway public key is: %v", npub)
	}

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Bring up the backend store.
	var err error
	if s.store, err = kv.Open(cfg.Backend.URL); err != nil {
		s.log.Errorf("Failed to open backend: %v", err)
		return nil, err
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), backendPingTimeout)
	err = s.store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		s.log.Errorf("Backend is unreachable: %v", err)
		return nil, err
	}

	// Load the connection registry.
	if s.registry, err = LoadRegistry(cfg.Registry.File, s.defaultPolicy()); err != nil {
		s.log.Errorf("Failed to load registry: %v", err)
		return nil, err
	}

	// Assemble the request path.
	clk := clock.New()
	s.envPolicy = s.envelopePolicy()
	s.auditor = NewAuditor(s.store, cfg.Server.Namespace, cfg.Debug.AuditQueueSize, s.logBackend, clk)
	s.router = NewRouter(s.store, s.auditor, s.registry, s.logBackend, clk,
		time.Duration(cfg.Debug.IdempotencyWindow)*time.Second,
		s.envPolicy.V2Enabled, s.envPolicy.V1Enabled)

	// Start the metrics endpoint.
	if cfg.Server.MetricsAddress != "" {
		s.metricsSrv = newMetricsServer(cfg.Server.MetricsAddress)
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.fatalErrCh <- err
			}
		}()
		s.log.Noticef("Metrics endpoint is: %v", cfg.Server.MetricsAddress)
	}

	// Start listening for fatal errors.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Errorf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Connect to the relays and subscribe to addressed requests.
	poolCfg := &nostr.PoolConfig{
		URLs:                 cfg.Server.Relays,
		ReconnectMaxAttempts: cfg.Debug.ReconnectMaxAttempts,
	}
	if s.pool, err = nostr.NewPool(poolCfg, s.logBackend); err != nil {
		s.log.Errorf("Failed to create relay pool: %v", err)
		return nil, err
	}
	s.pool.Subscribe(&nostr.Filter{
		Kinds: []int{nostr.KindRequest},
		PTags: []string{s.identity.PublicKeyHex()},
		Since: time.Now().Add(-time.Duration(cfg.Debug.EventMaxAge) * time.Second).Unix(),
	}, s.onEvent)

	isOk = true
	return s, nil
}
