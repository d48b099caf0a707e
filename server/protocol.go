// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import "encoding/json"

// Method names form a closed set; anything else is unroutable.
const (
	MethodGetInfo = "get_info"
	MethodGet     = "get"
	MethodSet     = "set"
	MethodDel     = "del"
	MethodExists  = "exists"
	MethodMget    = "mget"
	MethodExpire  = "expire"
	MethodTTL     = "ttl"
)

// AllMethods returns the closed method set in its canonical order.
func AllMethods() []string {
	return []string{
		MethodGetInfo,
		MethodGet,
		MethodSet,
		MethodDel,
		MethodExists,
		MethodMget,
		MethodExpire,
		MethodTTL,
	}
}

// KnownMethod reports whether m is in the closed method set.
func KnownMethod(m string) bool {
	for _, k := range AllMethods() {
		if m == k {
			return true
		}
	}
	return false
}

// Request is a decrypted client request.  ID is an opaque client-chosen
// deduplication token.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response carries exactly one of Result or Error, plus the request id.
type Response struct {
	Result interface{} `json:"result"`
	Error  *Error      `json:"error"`
	ID     string      `json:"id"`
}

// Per-method parameter shapes.

type keyParams struct {
	Key string `json:"key"`
}

type setParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   *int64 `json:"ttl,omitempty"`
}

type mgetParams struct {
	Keys []string `json:"keys"`
}

type expireParams struct {
	Key string `json:"key"`
	TTL int64  `json:"ttl"`
}

// Per-method result shapes.

type encryptionInfo struct {
	V2 bool `json:"v2"`
	V1 bool `json:"v1"`
}

type infoResult struct {
	Methods    []string       `json:"methods"`
	NS         string         `json:"ns"`
	Limits     *Limits        `json:"limits"`
	Encryption encryptionInfo `json:"encryption"`
}

type getResult struct {
	Value *string `json:"value"`
}

type setResult struct {
	OK bool `json:"ok"`
}

type delResult struct {
	Deleted int64 `json:"deleted"`
}

type existsResult struct {
	Exists bool `json:"exists"`
}

type mgetResult struct {
	Values []*string `json:"values"`
}

type expireResult struct {
	OK bool `json:"ok"`
}

type ttlResult struct {
	TTL int64 `json:"ttl"`
}
