// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAutoPrefix(t *testing.T) {
	require := require.New(t)
	g := NewNamespaceGuard("app:")

	fq, rerr := g.Resolve("user42")
	require.Nil(rerr)
	require.Equal("app:user42", fq)

	// Already qualified keys pass through unchanged.
	fq, rerr = g.Resolve("app:user42")
	require.Nil(rerr)
	require.Equal("app:user42", fq)

	// Including nested separators past the namespace.
	fq, rerr = g.Resolve("app:sess:abc")
	require.Nil(rerr)
	require.Equal("app:sess:abc", fq)
}

func TestResolveForeignNamespace(t *testing.T) {
	g := NewNamespaceGuard("app:")
	for _, key := range []string{
		"other:user42",
		"admin:secrets",
		"ap:user42",
		"appx:user42",
	} {
		_, rerr := g.Resolve(key)
		require.NotNil(t, rerr, "key %q", key)
		require.Equal(t, CodeRestricted, rerr.Code)
	}
}

func TestResolveHostileKeys(t *testing.T) {
	g := NewNamespaceGuard("app:")
	for _, key := range []string{
		"",
		"   ",
		"\t",
		"../etc/passwd",
		"a..b",
		"glob*",
		"wild?card",
		"set[0]",
		"back\\slash",
		"${HOME}",
		"$((1+1))",
		"eval(x)",
		"exec(x)",
		"nul\x00byte",
		"bell\x07",
		"del\x7f",
		"new\nline",
	} {
		_, rerr := g.Resolve(key)
		require.NotNil(t, rerr, "key %q", key)
		require.Equal(t, CodeRestricted, rerr.Code, "key %q", key)
	}
}

func TestResolveReservesAuditKey(t *testing.T) {
	g := NewNamespaceGuard("app:")

	// Neither the bare suffix (auto-prefixed) nor the qualified form may
	// resolve onto the audit trail.
	for _, key := range []string{"__audit", "app:__audit"} {
		_, rerr := g.Resolve(key)
		require.NotNil(t, rerr, "key %q", key)
		require.Equal(t, CodeRestricted, rerr.Code, "key %q", key)
	}

	// Keys that merely contain the suffix stay usable.
	for _, key := range []string{"x__audit", "__audits", "app:job__audit"} {
		fq, rerr := g.Resolve(key)
		require.Nil(t, rerr, "key %q", key)
		require.NotEqual(t, "app:"+auditSuffix, fq)
	}
}

func TestResolveTabAllowed(t *testing.T) {
	// Tab is the one control character tolerated inside a key.
	g := NewNamespaceGuard("app:")
	fq, rerr := g.Resolve("a\tb")
	require.Nil(t, rerr)
	require.Equal(t, "app:a\tb", fq)
}
