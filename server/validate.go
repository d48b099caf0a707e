// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import "encoding/base64"

// validateKey enforces presence and the unqualified key length cap.
// Character rules are the namespace guard's concern.
func validateKey(key string, maxKey int) *Error {
	if key == "" {
		return newError(CodeInvalidKey, "key is required")
	}
	if len(key) > maxKey {
		return newError(CodeInvalidKey, "key too long")
	}
	return nil
}

// decodeValue decodes the base64 value carried at the protocol boundary
// and enforces the decoded length cap.
func decodeValue(value string, maxVal int) ([]byte, *Error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, newError(CodeInvalidValue, "value is not valid base64")
	}
	if len(raw) > maxVal {
		return nil, newError(CodeInvalidValue, "value too large")
	}
	return raw, nil
}

// validateTTL enforces a positive ttl.
func validateTTL(ttl int64) *Error {
	if ttl <= 0 {
		return newError(CodeInvalidValue, "ttl must be positive")
	}
	return nil
}

// validateMgetCount enforces the batch size cap.
func validateMgetCount(n, mgetMax int) *Error {
	if n == 0 {
		return newError(CodeInvalidKey, "keys are required")
	}
	if n > mgetMax {
		return errPayloadTooLarge
	}
	return nil
}
