// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package pairing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrkv/kvconnect/crypto/keyring"
	"github.com/nostrkv/kvconnect/server"
)

func testPairing(t *testing.T) *Pairing {
	gw, err := keyring.Generate()
	require.NoError(t, err)
	npub, err := gw.PublicKeyBech32()
	require.NoError(t, err)

	client, err := keyring.Generate()
	require.NoError(t, err)
	nsec, err := client.SecretBech32()
	require.NoError(t, err)

	return &Pairing{
		ServerNpub:   npub,
		Relays:       []string{"wss://relay-a.example.com", "wss://relay-b.example.com"},
		ClientSecret: nsec,
		Policy: &server.Policy{
			Namespace:      "mobile:",
			AllowedMethods: []string{"get_info", "get", "set"},
			Limits: server.Limits{
				MPS:     30,
				BPS:     1 << 19,
				MaxKey:  128,
				MaxVal:  4096,
				MgetMax: 8,
			},
			AppName: "mobile app",
		},
	}
}

func TestURIRoundTrip(t *testing.T) {
	require := require.New(t)
	p := testPairing(t)

	uri, err := p.URI()
	require.NoError(err)
	require.True(strings.HasPrefix(uri, Scheme+"://"+p.ServerNpub+"?"))

	got, err := Parse(uri)
	require.NoError(err)
	require.Equal(p.ServerNpub, got.ServerNpub)
	require.Equal(p.Relays, got.Relays)
	require.Equal(p.ClientSecret, got.ClientSecret)
	require.Equal(p.Policy.Namespace, got.Policy.Namespace)
	require.Equal(p.Policy.AllowedMethods, got.Policy.AllowedMethods)
	require.Equal(p.Policy.Limits, got.Policy.Limits)
	require.Equal(p.Policy.AppName, got.Policy.AppName)
}

func TestURIWithoutSecret(t *testing.T) {
	require := require.New(t)
	p := testPairing(t)
	p.ClientSecret = ""

	uri, err := p.URI()
	require.NoError(err)
	require.NotContains(uri, "secret=")

	got, err := Parse(uri)
	require.NoError(err)
	require.Empty(got.ClientSecret)
}

func TestURIRejectsBadInput(t *testing.T) {
	require := require.New(t)

	mutate := func(fn func(p *Pairing)) error {
		p := testPairing(t)
		fn(p)
		_, err := p.URI()
		return err
	}

	require.Error(mutate(func(p *Pairing) { p.ServerNpub = "npub1garbage" }))
	require.Error(mutate(func(p *Pairing) { p.ServerNpub = p.ClientSecret }), "nsec where npub expected")
	require.Error(mutate(func(p *Pairing) { p.Relays = nil }))
	require.Error(mutate(func(p *Pairing) { p.Relays = []string{"https://nope"} }))
	require.Error(mutate(func(p *Pairing) { p.ClientSecret = "nsec1garbage" }))
	require.Error(mutate(func(p *Pairing) { p.Policy = nil }))
	require.Error(mutate(func(p *Pairing) { p.Policy.Namespace = "no-colon" }))
	require.Error(mutate(func(p *Pairing) { p.Policy.AllowedMethods = nil }))
	require.Error(mutate(func(p *Pairing) { p.Policy.AllowedMethods = []string{"flushall"} }))
	require.Error(mutate(func(p *Pairing) { p.Policy.Limits.MPS = 0 }))
}

func TestParseRejects(t *testing.T) {
	require := require.New(t)
	p := testPairing(t)
	uri, err := p.URI()
	require.NoError(err)

	_, err = Parse("http://" + strings.TrimPrefix(uri, Scheme+"://"))
	require.Error(err, "wrong scheme")

	_, err = Parse("::not a uri::")
	require.Error(err)

	_, err = Parse(strings.Replace(uri, "mps=30", "mps=zero", 1))
	require.Error(err)

	_, err = Parse(strings.Replace(uri, "mps=30", "mps=-4", 1))
	require.Error(err)

	_, err = Parse(Scheme + "://" + p.ServerNpub)
	require.Error(err, "no parameters at all")
}
