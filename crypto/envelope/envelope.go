// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope encrypts and decrypts request and response payloads
// under the gateway's two-scheme policy.  The modern scheme (v2) is an
// HKDF/ChaCha20/HMAC construction over a conversation key; the legacy
// scheme (v1) is AES-CBC keyed directly from the ECDH shared point.  The
// ciphertext framing is self identifying, so decryption never needs to be
// told which scheme a peer used.
package envelope

import (
	"errors"
	"strings"
)

// Scheme identifies the encryption scheme applied to a payload.
type Scheme int

const (
	// SchemeV2 is the preferred AEAD style scheme.
	SchemeV2 Scheme = iota

	// SchemeV1 is the legacy CBC scheme.
	SchemeV1
)

func (s Scheme) String() string {
	switch s {
	case SchemeV2:
		return "v2"
	case SchemeV1:
		return "v1"
	default:
		return "unknown"
	}
}

// ErrDecryptFailed is returned when a payload decrypts under neither
// scheme.
var ErrDecryptFailed = errors.New("envelope: decrypt failed")

var errNoScheme = errors.New("envelope: no scheme available")

// Keys carries the per-peer symmetric material derived by the keyring.
type Keys struct {
	// Conversation is the v2 conversation key.
	Conversation [32]byte

	// SharedX is the raw ECDH x coordinate used by the legacy scheme.
	SharedX [32]byte
}

// Policy selects which schemes are enabled process-wide and which one is
// preferred for outbound payloads.
type Policy struct {
	Preference Scheme
	V2Enabled  bool
	V1Enabled  bool
}

// DefaultPolicy prefers v2 with v1 accepted for legacy peers.
func DefaultPolicy() Policy {
	return Policy{Preference: SchemeV2, V2Enabled: true, V1Enabled: true}
}

// Encrypt encrypts plaintext under the preferred enabled scheme and
// reports which scheme was used.
func Encrypt(keys Keys, plaintext []byte, pol Policy) (string, Scheme, error) {
	useV2 := pol.V2Enabled && (pol.Preference == SchemeV2 || !pol.V1Enabled)
	if useV2 {
		ct, err := encryptV2(keys.Conversation, plaintext)
		return ct, SchemeV2, err
	}
	if pol.V1Enabled {
		ct, err := encryptV1(keys.SharedX, plaintext)
		return ct, SchemeV1, err
	}
	return "", SchemeV2, errNoScheme
}

// Decrypt decrypts content, selecting the scheme from the ciphertext
// framing.  It returns ErrDecryptFailed when every enabled scheme rejects
// the payload.
func Decrypt(keys Keys, content string, pol Policy) ([]byte, Scheme, error) {
	if strings.Contains(content, legacyIVSeparator) {
		if !pol.V1Enabled {
			return nil, SchemeV1, ErrDecryptFailed
		}
		pt, err := decryptV1(keys.SharedX, content)
		if err != nil {
			return nil, SchemeV1, ErrDecryptFailed
		}
		return pt, SchemeV1, nil
	}

	if pol.V2Enabled {
		if pt, err := decryptV2(keys.Conversation, content); err == nil {
			return pt, SchemeV2, nil
		}
	}
	// Some legacy senders omit the iv marker only when the payload is
	// malformed anyway; still give v1 a chance before giving up.
	if pol.V1Enabled {
		if pt, err := decryptV1(keys.SharedX, content); err == nil {
			return pt, SchemeV1, nil
		}
	}
	return nil, SchemeV2, ErrDecryptFailed
}
