// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	require := require.New(t)

	require.Nil(validateKey("k", 256))
	require.Nil(validateKey(strings.Repeat("a", 256), 256))

	verr := validateKey("", 256)
	require.NotNil(verr)
	require.Equal(CodeInvalidKey, verr.Code)

	verr = validateKey(strings.Repeat("a", 257), 256)
	require.NotNil(verr)
	require.Equal(CodeInvalidKey, verr.Code)
}

func TestDecodeValue(t *testing.T) {
	require := require.New(t)

	raw, verr := decodeValue(base64.StdEncoding.EncodeToString([]byte("hello")), 65536)
	require.Nil(verr)
	require.Equal([]byte("hello"), raw)

	// Exactly at the cap.
	atCap := make([]byte, 65536)
	_, verr = decodeValue(base64.StdEncoding.EncodeToString(atCap), 65536)
	require.Nil(verr)

	// One past the cap.
	_, verr = decodeValue(base64.StdEncoding.EncodeToString(make([]byte, 65537)), 65536)
	require.NotNil(verr)
	require.Equal(CodeInvalidValue, verr.Code)

	// Not base64 at all.
	_, verr = decodeValue("!!! not base64 !!!", 65536)
	require.NotNil(verr)
	require.Equal(CodeInvalidValue, verr.Code)
}

func TestValidateTTL(t *testing.T) {
	require.Nil(t, validateTTL(1))
	require.Nil(t, validateTTL(86400))

	for _, ttl := range []int64{0, -1, -100} {
		verr := validateTTL(ttl)
		require.NotNil(t, verr)
		require.Equal(t, CodeInvalidValue, verr.Code)
	}
}

func TestValidateMgetCount(t *testing.T) {
	require := require.New(t)

	require.Nil(validateMgetCount(1, 16))
	require.Nil(validateMgetCount(16, 16))

	verr := validateMgetCount(0, 16)
	require.NotNil(verr)
	require.Equal(CodeInvalidKey, verr.Code)

	verr = validateMgetCount(17, 16)
	require.NotNil(verr)
	require.Equal(CodePayloadTooLarge, verr.Code)
}
