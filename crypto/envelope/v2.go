// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	v2Version = 0x02

	v2MinPlaintext = 1
	v2MaxPlaintext = 65535

	// version || nonce(32) || ciphertext(>=34) || mac(32)
	v2MinPayload = 1 + 32 + 34 + 32
	v2MaxPayload = 1 + 32 + 2 + v2MaxPlaintext + 32
)

var errV2Malformed = errors.New("envelope: malformed v2 payload")

// messageKeys expands the conversation key and per-message nonce into the
// cipher key, cipher nonce and mac key.
func messageKeys(conversationKey [32]byte, nonce []byte) (key [32]byte, cnonce [12]byte, mac [32]byte, err error) {
	r := hkdf.Expand(sha256.New, conversationKey[:], nonce)
	buf := make([]byte, 76)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	copy(key[:], buf[0:32])
	copy(cnonce[:], buf[32:44])
	copy(mac[:], buf[44:76])
	return
}

// paddedLen returns the padded plaintext length: a power-of-two derived
// chunk size keeps message lengths from leaking fine grained sizes.
func paddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(unpadded-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < v2MinPlaintext || n > v2MaxPlaintext {
		return nil, errors.New("envelope: plaintext length out of range")
	}
	padded := make([]byte, 2+paddedLen(n))
	binary.BigEndian.PutUint16(padded[0:2], uint16(n))
	copy(padded[2:], plaintext)
	return padded, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2+32 {
		return nil, errV2Malformed
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n < v2MinPlaintext || n > v2MaxPlaintext || len(padded) != 2+paddedLen(n) {
		return nil, errV2Malformed
	}
	return padded[2 : 2+n], nil
}

func encryptV2(conversationKey [32]byte, plaintext []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encryptV2WithNonce(conversationKey, plaintext, nonce)
}

func encryptV2WithNonce(conversationKey [32]byte, plaintext, nonce []byte) (string, error) {
	key, cnonce, macKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], cnonce[:])
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	cipher.XORKeyStream(ct, padded)

	h := hmac.New(sha256.New, macKey[:])
	h.Write(nonce)
	h.Write(ct)

	payload := make([]byte, 0, 1+len(nonce)+len(ct)+sha256.Size)
	payload = append(payload, v2Version)
	payload = append(payload, nonce...)
	payload = append(payload, ct...)
	payload = h.Sum(payload)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decryptV2(conversationKey [32]byte, content string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, errV2Malformed
	}
	if len(payload) < v2MinPayload || len(payload) > v2MaxPayload {
		return nil, errV2Malformed
	}
	if payload[0] != v2Version {
		return nil, errV2Malformed
	}

	nonce := payload[1:33]
	ct := payload[33 : len(payload)-sha256.Size]
	tag := payload[len(payload)-sha256.Size:]

	key, cnonce, macKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return nil, err
	}

	h := hmac.New(sha256.New, macKey[:])
	h.Write(nonce)
	h.Write(ct)
	if !hmac.Equal(h.Sum(nil), tag) {
		return nil, errV2Malformed
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], cnonce[:])
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ct))
	cipher.XORKeyStream(padded, ct)
	return unpad(padded)
}
