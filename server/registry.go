// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nostrkv/kvconnect/config"
)

// Limits is a connection's quota vector.  All values are positive.
type Limits struct {
	// MPS is the request budget per rolling 60 second window.
	MPS int `json:"mps"`

	// BPS is the aggregate request+response byte budget per rolling 60
	// second window.
	BPS int `json:"bps"`

	// MaxKey bounds the unqualified key length.
	MaxKey int `json:"maxkey"`

	// MaxVal bounds the decoded value length.
	MaxVal int `json:"maxval"`

	// MgetMax bounds the number of keys per mget.
	MgetMax int `json:"mget_max"`
}

func (l *Limits) validate() error {
	if l.MPS <= 0 || l.BPS <= 0 || l.MaxKey <= 0 || l.MaxVal <= 0 || l.MgetMax <= 0 {
		return fmt.Errorf("server: limits must be positive")
	}
	return nil
}

// Policy is what a client public key is authorized to do.
type Policy struct {
	Namespace      string   `json:"namespace"`
	AllowedMethods []string `json:"allowedMethods"`
	Limits         Limits   `json:"limits"`
	AppName        string   `json:"appName,omitempty"`
	Created        int64    `json:"created,omitempty"`
	Revoked        bool     `json:"revoked,omitempty"`
}

// Allows reports whether the policy's method allowlist contains m.
func (p *Policy) Allows(m string) bool {
	for _, am := range p.AllowedMethods {
		if am == m {
			return true
		}
	}
	return false
}

func (p *Policy) validate() error {
	if !config.ValidNamespace(p.Namespace) {
		return fmt.Errorf("server: malformed namespace %q", p.Namespace)
	}
	if len(p.AllowedMethods) == 0 {
		return fmt.Errorf("server: empty method allowlist")
	}
	for _, m := range p.AllowedMethods {
		if !KnownMethod(m) {
			return fmt.Errorf("server: unknown method %q in allowlist", m)
		}
	}
	return p.Limits.validate()
}

// Registry maps client public keys to their authorized policies.  It is
// persisted as a JSON document and read-mostly at runtime; lookups for
// unknown clients return the process default policy.
type Registry struct {
	sync.RWMutex

	path     string
	fallback *Policy
	entries  map[string]*Policy
}

// LoadRegistry reads the registry document at path.  A missing file is an
// empty registry; a malformed entry is a load failure.
func LoadRegistry(path string, fallback *Policy) (*Registry, error) {
	if err := fallback.validate(); err != nil {
		return nil, fmt.Errorf("server: bad default policy: %v", err)
	}

	r := &Registry{
		path:     path,
		fallback: fallback,
		entries:  make(map[string]*Policy),
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]*Policy
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("server: malformed registry: %v", err)
	}
	for pk, pol := range doc {
		if raw, err := hex.DecodeString(pk); err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("server: registry: bad public key %q", pk)
		}
		if err := pol.validate(); err != nil {
			return nil, fmt.Errorf("server: registry entry %s: %v", pk, err)
		}
		r.entries[pk] = pol
	}
	return r, nil
}

// Lookup returns the policy bound to pubkey, or the default policy for an
// unknown client.
func (r *Registry) Lookup(pubkey string) *Policy {
	r.RLock()
	defer r.RUnlock()
	if p, ok := r.entries[pubkey]; ok {
		return p
	}
	return r.fallback
}

// Known reports whether pubkey has a registered (non-default) policy.
func (r *Registry) Known(pubkey string) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.entries[pubkey]
	return ok
}

// Put installs or replaces the policy for pubkey.
func (r *Registry) Put(pubkey string, p *Policy) error {
	if raw, err := hex.DecodeString(pubkey); err != nil || len(raw) != 32 {
		return fmt.Errorf("server: bad public key %q", pubkey)
	}
	if err := p.validate(); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	r.entries[pubkey] = p
	return nil
}

// Revoke marks the policy for pubkey revoked.
func (r *Registry) Revoke(pubkey string) error {
	r.Lock()
	defer r.Unlock()
	p, ok := r.entries[pubkey]
	if !ok {
		return fmt.Errorf("server: unknown public key %q", pubkey)
	}
	p.Revoked = true
	return nil
}

// Save writes the registry document atomically.
func (r *Registry) Save() error {
	r.RLock()
	b, err := json.MarshalIndent(r.entries, "", "  ")
	r.RUnlock()
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
