// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import "strings"

// forbiddenSubstrings are rejected anywhere in a key.  They cover path
// traversal, backend glob syntax and the usual injection markers.
var forbiddenSubstrings = []string{
	"..",
	"*",
	"?",
	"[",
	"]",
	"\\",
	"${",
	"$((",
	"eval(",
	"exec(",
}

// NamespaceGuard validates keys and canonicalizes them into one
// namespace.  A guard is stateless and safe for concurrent use; the
// router reuses one guard per namespace.
type NamespaceGuard struct {
	ns string
}

// NewNamespaceGuard creates a guard for a validated namespace (trailing
// colon included).
func NewNamespaceGuard(ns string) *NamespaceGuard {
	return &NamespaceGuard{ns: ns}
}

// Namespace returns the namespace the guard confines keys to.
func (g *NamespaceGuard) Namespace() string {
	return g.ns
}

// Resolve returns the fully qualified form of key, or a RESTRICTED error
// when the key is hostile, names a foreign namespace or claims the
// reserved audit list key.
func (g *NamespaceGuard) Resolve(key string) (string, *Error) {
	if key == "" || strings.TrimSpace(key) == "" {
		return "", errRestricted
	}
	if hostileKey(key) {
		return "", errRestricted
	}

	fq := ""
	switch {
	case strings.HasPrefix(key, g.ns):
		fq = key
	case strings.IndexByte(key, ':') > 0:
		// A colon past the first character claims some other namespace.
		return "", errRestricted
	default:
		fq = g.ns + key
	}

	// The audit trail lives at `<namespace>__audit`; no routed request may
	// read or replace it.
	if fq == g.ns+auditSuffix {
		return "", errRestricted
	}
	return fq, nil
}

// hostileKey reports whether the key contains any forbidden pattern:
// control characters (tab excepted), DEL, traversal dots, glob or
// injection markers.
func hostileKey(key string) bool {
	for _, r := range key {
		if r == 0x7F || (r < 0x20 && r != '\t') {
			return true
		}
	}
	for _, s := range forbiddenSubstrings {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
