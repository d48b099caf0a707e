// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package nostr implements the envelope event model and the relay pool the
// gateway rides on.  Only the small slice of the relay protocol the gateway
// needs is implemented: publishing signed events and subscribing to the
// request kind addressed to the server.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nostrkv/kvconnect/crypto/keyring"
)

const (
	// KindRequest is the event kind carrying an encrypted request.
	KindRequest = 23194

	// KindResponse is the event kind carrying an encrypted response.
	KindResponse = 23195
)

// Event is a signed, addressed envelope event.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form the event id is derived from:
// [0,pubkey,created_at,kind,tags,content] with HTML escaping disabled.
func (e *Event) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	arr := []interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex encoded sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in Pubkey, ID and Sig using the given keyring.
func (e *Event) Sign(k *keyring.Keyring) error {
	e.Pubkey = k.PublicKeyHex()
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := k.Sign(digest)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks that the id matches the canonical serialization and that
// the signature verifies under the event's own pubkey.
func (e *Event) Verify() bool {
	if e.Sig == "" || e.Pubkey == "" {
		return false
	}
	id, err := e.ComputeID()
	if err != nil || id != e.ID {
		return false
	}
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != 64 {
		return false
	}
	return keyring.VerifySchnorr(e.Pubkey, digest, sig)
}

// CounterpartyTag returns the value of the first "p" tag, the event's
// addressed counterparty.
func (e *Event) CounterpartyTag() string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "p" {
			return t[1]
		}
	}
	return ""
}
