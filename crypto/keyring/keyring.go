// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyring holds the server's long term signing identity and derives
// the symmetric conversation keys used for envelope encryption.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretHRP is the bech32 human readable prefix of serialized secret
	// scalars.
	SecretHRP = "nsec"

	// PublicHRP is the bech32 human readable prefix of serialized public
	// keys.
	PublicHRP = "npub"

	conversationSalt = "nip44-v2"
)

var errMalformedKey = errors.New("keyring: malformed key")

// Keyring wraps an immutable secp256k1 signing scalar.  A Keyring is safe
// for concurrent use; derived conversation keys are cached per peer.
type Keyring struct {
	sk    *secp256k1.PrivateKey
	pkHex string

	sync.Mutex
	convCache map[string][32]byte
}

func newKeyring(sk *secp256k1.PrivateKey) *Keyring {
	return &Keyring{
		sk:        sk,
		pkHex:     hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
		convCache: make(map[string][32]byte),
	}
}

// Generate creates a Keyring around a fresh random scalar.
func Generate() (*Keyring, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeyring(sk), nil
}

// FromSecretBytes loads a Keyring from a raw 32 byte scalar.
func FromSecretBytes(b []byte) (*Keyring, error) {
	if len(b) != 32 {
		return nil, errMalformedKey
	}
	sk := secp256k1.PrivKeyFromBytes(b)
	if sk.Key.IsZero() {
		return nil, errMalformedKey
	}
	return newKeyring(sk), nil
}

// FromBech32 loads a Keyring from an nsec encoded secret scalar.
func FromBech32(nsec string) (*Keyring, error) {
	hrp, raw, err := DecodeBech32(nsec)
	if err != nil {
		return nil, err
	}
	if hrp != SecretHRP {
		return nil, fmt.Errorf("keyring: expected %s, got %s", SecretHRP, hrp)
	}
	return FromSecretBytes(raw)
}

// PublicKeyHex returns the x-only public key as lowercase hex.
func (k *Keyring) PublicKeyHex() string {
	return k.pkHex
}

// PublicKeyBech32 returns the npub form of the public key.
func (k *Keyring) PublicKeyBech32() (string, error) {
	raw, _ := hex.DecodeString(k.pkHex)
	return EncodeBech32(PublicHRP, raw)
}

// SecretBech32 returns the nsec form of the secret scalar.
func (k *Keyring) SecretBech32() (string, error) {
	return EncodeBech32(SecretHRP, k.sk.Serialize())
}

// Sign produces a 64 byte BIP-340 signature over a 32 byte digest.
func (k *Keyring) Sign(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(k.sk, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// SharedX computes the x coordinate of the ECDH shared point with the peer.
// This is the legacy scheme's symmetric key material.
func (k *Keyring) SharedX(peerPubHex string) ([32]byte, error) {
	var out [32]byte
	pub, err := parseXOnly(peerPubHex)
	if err != nil {
		return out, err
	}

	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&k.sk.Key, &point, &result)
	result.ToAffine()
	result.X.PutBytes(&out)
	return out, nil
}

// ConversationKey derives the symmetric conversation key shared with the
// peer.  The derivation is deterministic and identical in both directions
// of a channel.
func (k *Keyring) ConversationKey(peerPubHex string) ([32]byte, error) {
	k.Lock()
	if ck, ok := k.convCache[peerPubHex]; ok {
		k.Unlock()
		return ck, nil
	}
	k.Unlock()

	var out [32]byte
	shared, err := k.SharedX(peerPubHex)
	if err != nil {
		return out, err
	}
	ck := hkdf.Extract(sha256.New, shared[:], []byte(conversationSalt))
	copy(out[:], ck)

	k.Lock()
	k.convCache[peerPubHex] = out
	k.Unlock()
	return out, nil
}

func parseXOnly(pubHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != 32 {
		return nil, errMalformedKey
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid public key: %v", err)
	}
	return pub, nil
}

// VerifySchnorr verifies a 64 byte BIP-340 signature over digest under the
// given x-only public key.
func VerifySchnorr(pubHex string, digest, sig []byte) bool {
	pub, err := parseXOnly(pubHex)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, pub)
}

// EncodeBech32 encodes raw bytes under the given human readable prefix.
func EncodeBech32(hrp string, raw []byte) (string, error) {
	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, grouped)
}

// DecodeBech32 decodes a bech32 string into its prefix and raw bytes.
func DecodeBech32(s string) (string, []byte, error) {
	hrp, grouped, err := bech32.Decode(s)
	if err != nil {
		return "", nil, fmt.Errorf("keyring: bad bech32: %v", err)
	}
	raw, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, raw, nil
}
