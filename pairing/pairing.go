// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pairing builds and parses kvconnect pairing URIs.  A pairing URI
// carries everything a client needs to talk to a gateway: the gateway's
// public key, the relays it listens on, a freshly minted client secret and
// the policy granted to that client.
package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nostrkv/kvconnect/config"
	"github.com/nostrkv/kvconnect/crypto/keyring"
	"github.com/nostrkv/kvconnect/server"
)

// Scheme is the pairing URI scheme.
const Scheme = "nostr+kvconnect"

// Pairing is the decoded form of a pairing URI.
type Pairing struct {
	// ServerNpub is the gateway's bech32 public key.
	ServerNpub string

	// Relays are the relay websocket URLs the gateway listens on.
	Relays []string

	// ClientSecret is the client's bech32 secret scalar.
	ClientSecret string

	// Policy is the grant bound to the client's public key.
	Policy *server.Policy
}

func (p *Pairing) validate() error {
	hrp, raw, err := keyring.DecodeBech32(p.ServerNpub)
	if err != nil || hrp != keyring.PublicHRP || len(raw) != 32 {
		return errors.New("pairing: bad server public key")
	}
	if len(p.Relays) == 0 {
		return errors.New("pairing: no relays")
	}
	for _, r := range p.Relays {
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("pairing: bad relay URL %q", r)
		}
	}
	if p.ClientSecret != "" {
		hrp, raw, err = keyring.DecodeBech32(p.ClientSecret)
		if err != nil || hrp != keyring.SecretHRP || len(raw) != 32 {
			return errors.New("pairing: bad client secret")
		}
	}
	if p.Policy == nil {
		return errors.New("pairing: no policy")
	}
	if !config.ValidNamespace(p.Policy.Namespace) {
		return fmt.Errorf("pairing: malformed namespace %q", p.Policy.Namespace)
	}
	if len(p.Policy.AllowedMethods) == 0 {
		return errors.New("pairing: empty method list")
	}
	for _, m := range p.Policy.AllowedMethods {
		if !server.KnownMethod(m) {
			return fmt.Errorf("pairing: unknown method %q", m)
		}
	}
	l := p.Policy.Limits
	if l.MPS <= 0 || l.BPS <= 0 || l.MaxKey <= 0 || l.MaxVal <= 0 || l.MgetMax <= 0 {
		return errors.New("pairing: limits must be positive")
	}
	return nil
}

// URI encodes the pairing in wire form.
func (p *Pairing) URI() (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	q := url.Values{}
	for _, r := range p.Relays {
		q.Add("relay", r)
	}
	if p.ClientSecret != "" {
		q.Set("secret", p.ClientSecret)
	}
	q.Set("ns", p.Policy.Namespace)
	q.Set("cmds", strings.Join(p.Policy.AllowedMethods, ","))
	q.Set("mps", strconv.Itoa(p.Policy.Limits.MPS))
	q.Set("bps", strconv.Itoa(p.Policy.Limits.BPS))
	q.Set("maxkey", strconv.Itoa(p.Policy.Limits.MaxKey))
	q.Set("maxval", strconv.Itoa(p.Policy.Limits.MaxVal))
	q.Set("mget_max", strconv.Itoa(p.Policy.Limits.MgetMax))
	if p.Policy.AppName != "" {
		q.Set("name", p.Policy.AppName)
	}
	return Scheme + "://" + p.ServerNpub + "?" + q.Encode(), nil
}

// Parse decodes a pairing URI.
func Parse(uri string) (*Pairing, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("pairing: malformed URI: %v", err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("pairing: unexpected scheme %q", u.Scheme)
	}

	q := u.Query()
	p := &Pairing{
		ServerNpub:   u.Host,
		Relays:       q["relay"],
		ClientSecret: q.Get("secret"),
		Policy: &server.Policy{
			Namespace: q.Get("ns"),
			AppName:   q.Get("name"),
		},
	}
	if cmds := q.Get("cmds"); cmds != "" {
		p.Policy.AllowedMethods = strings.Split(cmds, ",")
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"mps", &p.Policy.Limits.MPS},
		{"bps", &p.Policy.Limits.BPS},
		{"maxkey", &p.Policy.Limits.MaxKey},
		{"maxval", &p.Policy.Limits.MaxVal},
		{"mget_max", &p.Policy.Limits.MgetMax},
	} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("pairing: bad %s value %q", f.name, v)
		}
		*f.dst = n
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
