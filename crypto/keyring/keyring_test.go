// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package keyring

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	require := require.New(t)

	k, err := Generate()
	require.NoError(err)
	require.Len(k.PublicKeyHex(), 64)
	require.Equal(strings.ToLower(k.PublicKeyHex()), k.PublicKeyHex())
}

func TestBech32RoundTrip(t *testing.T) {
	require := require.New(t)

	k, err := Generate()
	require.NoError(err)

	nsec, err := k.SecretBech32()
	require.NoError(err)
	require.True(strings.HasPrefix(nsec, SecretHRP+"1"))

	npub, err := k.PublicKeyBech32()
	require.NoError(err)
	require.True(strings.HasPrefix(npub, PublicHRP+"1"))

	k2, err := FromBech32(nsec)
	require.NoError(err)
	require.Equal(k.PublicKeyHex(), k2.PublicKeyHex())

	hrp, raw, err := DecodeBech32(npub)
	require.NoError(err)
	require.Equal(PublicHRP, hrp)
	require.Len(raw, 32)
}

func TestFromBech32Rejects(t *testing.T) {
	require := require.New(t)

	k, err := Generate()
	require.NoError(err)
	npub, err := k.PublicKeyBech32()
	require.NoError(err)

	// A public key is not a secret key.
	_, err = FromBech32(npub)
	require.Error(err)

	_, err = FromBech32("nsec1notvalidbech32")
	require.Error(err)

	_, err = FromBech32("")
	require.Error(err)
}

func TestFromSecretBytesRejects(t *testing.T) {
	_, err := FromSecretBytes(make([]byte, 31))
	require.Error(t, err)
	_, err = FromSecretBytes(make([]byte, 32))
	require.Error(t, err, "the zero scalar is not a key")
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)

	k, err := Generate()
	require.NoError(err)

	digest := sha256.Sum256([]byte("signed payload"))
	sig, err := k.Sign(digest[:])
	require.NoError(err)
	require.Len(sig, 64)

	require.True(VerifySchnorr(k.PublicKeyHex(), digest[:], sig))

	// Wrong digest, wrong key, mangled signature.
	other := sha256.Sum256([]byte("other payload"))
	require.False(VerifySchnorr(k.PublicKeyHex(), other[:], sig))

	k2, err := Generate()
	require.NoError(err)
	require.False(VerifySchnorr(k2.PublicKeyHex(), digest[:], sig))

	mangled := append([]byte(nil), sig...)
	mangled[5] ^= 0x01
	require.False(VerifySchnorr(k.PublicKeyHex(), digest[:], mangled))
}

func TestConversationKeySymmetry(t *testing.T) {
	require := require.New(t)

	alice, err := Generate()
	require.NoError(err)
	bob, err := Generate()
	require.NoError(err)

	ab, err := alice.ConversationKey(bob.PublicKeyHex())
	require.NoError(err)
	ba, err := bob.ConversationKey(alice.PublicKeyHex())
	require.NoError(err)
	require.Equal(ab, ba)

	// And so is the raw shared point.
	abx, err := alice.SharedX(bob.PublicKeyHex())
	require.NoError(err)
	bax, err := bob.SharedX(alice.PublicKeyHex())
	require.NoError(err)
	require.Equal(abx, bax)

	// A third party derives something else.
	carol, err := Generate()
	require.NoError(err)
	cb, err := carol.ConversationKey(bob.PublicKeyHex())
	require.NoError(err)
	require.NotEqual(ab, cb)
}

func TestConversationKeyCached(t *testing.T) {
	require := require.New(t)

	alice, err := Generate()
	require.NoError(err)
	bob, err := Generate()
	require.NoError(err)

	first, err := alice.ConversationKey(bob.PublicKeyHex())
	require.NoError(err)
	second, err := alice.ConversationKey(bob.PublicKeyHex())
	require.NoError(err)
	require.Equal(first, second)
}

func TestSharedXRejectsBadPeer(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	_, err = k.SharedX("not hex")
	require.Error(t, err)
	_, err = k.SharedX("abcd")
	require.Error(t, err)
	_, err = k.SharedX(strings.Repeat("ff", 32))
	require.Error(t, err, "x coordinate not on the curve")
}
