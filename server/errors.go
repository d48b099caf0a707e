// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

// Protocol error codes, a closed set.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRestricted      = "RESTRICTED"
	CodeRateLimited     = "RATE_LIMITED"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInvalidKey      = "INVALID_KEY"
	CodeInvalidValue    = "INVALID_VALUE"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
	CodeInternal        = "INTERNAL"
)

// Error is a protocol-level failure surfaced to the client.  Messages are
// short and non-revealing; backend details stay in the logs.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	errUnauthorized    = newError(CodeUnauthorized, "connection revoked")
	errRestricted      = newError(CodeRestricted, "operation not permitted")
	errRateLimited     = newError(CodeRateLimited, "rate limit exceeded")
	errPayloadTooLarge = newError(CodePayloadTooLarge, "too many keys")
	errNotImplemented  = newError(CodeNotImplemented, "unknown method")
	errInternal        = newError(CodeInternal, "internal error")
)
