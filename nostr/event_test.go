// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package nostr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrkv/kvconnect/crypto/keyring"
)

func TestSerializeCanonical(t *testing.T) {
	require := require.New(t)

	e := &Event{
		Pubkey:    "ab",
		CreatedAt: 1700000000,
		Kind:      KindRequest,
		Tags:      [][]string{{"p", "cd"}},
		Content:   "a<b&c>",
	}
	raw, err := e.Serialize()
	require.NoError(err)

	// HTML escaping stays off and there is no trailing newline.
	require.Equal(`[0,"ab",1700000000,23194,[["p","cd"]],"a<b&c>"]`, string(raw))

	id1, err := e.ComputeID()
	require.NoError(err)
	id2, err := e.ComputeID()
	require.NoError(err)
	require.Equal(id1, id2)
	require.Len(id1, 64)
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	k, err := keyring.Generate()
	require.NoError(err)

	e := &Event{
		CreatedAt: 1700000000,
		Kind:      KindResponse,
		Content:   "ciphertext",
	}
	require.NoError(e.Sign(k))
	require.Equal(k.PublicKeyHex(), e.Pubkey)
	require.NotNil(e.Tags)
	require.True(e.Verify())
}

func TestVerifyRejectsTampering(t *testing.T) {
	require := require.New(t)

	k, err := keyring.Generate()
	require.NoError(err)

	mk := func() *Event {
		e := &Event{
			CreatedAt: 1700000000,
			Kind:      KindRequest,
			Tags:      [][]string{{"p", "00"}},
			Content:   "payload",
		}
		require.NoError(e.Sign(k))
		return e
	}

	e := mk()
	e.Content = "other payload"
	require.False(e.Verify(), "content swap must break the id")

	e = mk()
	e.CreatedAt++
	require.False(e.Verify(), "timestamp swap must break the id")

	e = mk()
	e.Sig = e.Sig[:126] + "00"
	require.False(e.Verify(), "mangled signature")

	e = mk()
	other, err := keyring.Generate()
	require.NoError(err)
	e.Pubkey = other.PublicKeyHex()
	require.False(e.Verify(), "pubkey swap must break the id")

	require.False((&Event{}).Verify())
}

func TestCounterpartyTag(t *testing.T) {
	require := require.New(t)

	e := &Event{Tags: [][]string{{"e", "aa"}, {"p", "bb"}, {"p", "cc"}}}
	require.Equal("bb", e.CounterpartyTag())

	require.Empty((&Event{}).CounterpartyTag())
	require.Empty((&Event{Tags: [][]string{{"p"}}}).CounterpartyTag())
}

func TestFilterMatches(t *testing.T) {
	require := require.New(t)

	f := &Filter{Kinds: []int{KindRequest}, PTags: []string{"bb"}, Since: 100}
	ev := &Event{Kind: KindRequest, CreatedAt: 200, Tags: [][]string{{"p", "bb"}}}
	require.True(f.Matches(ev))

	require.False(f.Matches(&Event{Kind: KindResponse, CreatedAt: 200, Tags: [][]string{{"p", "bb"}}}))
	require.False(f.Matches(&Event{Kind: KindRequest, CreatedAt: 200, Tags: [][]string{{"p", "zz"}}}))
	require.False(f.Matches(&Event{Kind: KindRequest, CreatedAt: 50, Tags: [][]string{{"p", "bb"}}}))

	// The empty filter matches everything.
	require.True((&Filter{}).Matches(ev))
}

func TestFilterWireForm(t *testing.T) {
	f := &Filter{Kinds: []int{KindRequest}, PTags: []string{"bb"}, Since: 123}
	b, err := f.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"kinds":[23194],"#p":["bb"],"since":123}`, string(b))
}
