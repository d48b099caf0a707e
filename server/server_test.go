// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrkv/kvconnect/config"
	"github.com/nostrkv/kvconnect/crypto/keyring"
)

func generateOnlyConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "test-gw",
			DataDir:    filepath.Join(t.TempDir(), "state"),
			Namespace:  "app:",
			Relays:     []string{"wss://relay.example.com"},
		},
		Backend: &config.Backend{URL: "memory://"},
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		Debug:   &config.Debug{GenerateOnly: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func TestNewGenerateOnly(t *testing.T) {
	require := require.New(t)
	cfg := generateOnlyConfig(t)

	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	// The data dir and a loadable identity key were created.
	fi, err := os.Stat(cfg.Server.DataDir)
	require.NoError(err)
	require.True(fi.IsDir())
	require.Equal(os.FileMode(0700), fi.Mode().Perm())

	b, err := os.ReadFile(cfg.Server.SecretKeyFile)
	require.NoError(err)
	k, err := keyring.FromBech32(strings.TrimSpace(string(b)))
	require.NoError(err)
	require.Len(k.PublicKeyHex(), 64)
}

func TestNewGenerateOnlyIsStable(t *testing.T) {
	require := require.New(t)
	cfg := generateOnlyConfig(t)

	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
	first, err := os.ReadFile(cfg.Server.SecretKeyFile)
	require.NoError(err)

	// A second run loads the existing key instead of minting a new one.
	_, err = New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
	second, err := os.ReadFile(cfg.Server.SecretKeyFile)
	require.NoError(err)
	require.Equal(first, second)
}

func TestNewInlineSecretKey(t *testing.T) {
	require := require.New(t)

	k, err := keyring.Generate()
	require.NoError(err)
	nsec, err := k.SecretBech32()
	require.NoError(err)

	cfg := generateOnlyConfig(t)
	cfg.Server.SecretKey = nsec

	_, err = New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	// No key file materializes when the secret is inline.
	_, err = os.Stat(cfg.Server.SecretKeyFile)
	require.True(os.IsNotExist(err))
}

func TestNewRejectsBadSecretKey(t *testing.T) {
	cfg := generateOnlyConfig(t)
	cfg.Server.SecretKey = "nsec1garbage"
	_, err := New(cfg)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrGenerateOnly)
}
