// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

const legacyIVSeparator = "?iv="

var errV1Malformed = errors.New("envelope: malformed v1 payload")

func encryptV1(sharedX [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(sharedX[:])
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) +
		legacyIVSeparator +
		base64.StdEncoding.EncodeToString(iv), nil
}

func decryptV1(sharedX [32]byte, content string) ([]byte, error) {
	body, ivPart, found := strings.Cut(content, legacyIVSeparator)
	if !found {
		return nil, errV1Malformed
	}

	ct, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, errV1Malformed
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, errV1Malformed
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errV1Malformed
	}

	block, err := aes.NewCipher(sharedX[:])
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errV1Malformed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errV1Malformed
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errV1Malformed
		}
	}
	return b[:len(b)-n], nil
}
