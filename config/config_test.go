// config_test.go - kvconnect gateway configuration tests.
// Copyright (C) 2025  The kvconnect authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[Server]
Identifier = "gw1"
DataDir = "/var/lib/kvconnect"
Namespace = "app:"
Relays = [ "wss://relay.example.com" ]

[Backend]
URL = "memory://"
`

func TestLoadMinimal(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(minimalConfig))
	require.NoError(err)

	// Defaults get filled in.
	require.Equal(60, cfg.Limits.MPS)
	require.Equal(1<<20, cfg.Limits.BPS)
	require.Equal(256, cfg.Limits.MaxKey)
	require.Equal(65536, cfg.Limits.MaxVal)
	require.Equal(16, cfg.Limits.MgetMax)

	require.Equal("v2", cfg.Encryption.Preference)
	require.False(cfg.Encryption.DisableV2)
	require.False(cfg.Encryption.DisableV1)

	require.Equal("/var/lib/kvconnect/secret.key", cfg.Server.SecretKeyFile)
	require.Equal("/var/lib/kvconnect/registry.json", cfg.Registry.File)

	require.Equal(15000, cfg.Debug.RequestTimeout)
	require.Equal(10000, cfg.Debug.PublishTimeout)
	require.Equal(300, cfg.Debug.EventMaxAge)
	require.Equal(60, cfg.Debug.ClockSkewMax)
	require.Equal(60, cfg.Debug.IdempotencyWindow)

	require.Equal("NOTICE", cfg.Logging.Level)
}

func TestLoadNilBuffer(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
}

func TestValidNamespace(t *testing.T) {
	require := require.New(t)

	for _, ns := range []string{"app:", "a:", "my-app_2:", "APP:"} {
		require.True(ValidNamespace(ns), ns)
	}
	for _, ns := range []string{"", ":", "app", "app::", "a b:", "app:x:", "sp ace:", "dot.:"} {
		require.False(ValidNamespace(ns), ns)
	}

	long := make([]byte, MaxNamespaceLen)
	for i := range long {
		long[i] = 'a'
	}
	long[len(long)-1] = ':'
	require.True(ValidNamespace(string(long)))
	require.False(ValidNamespace("a" + string(long)))
}

func TestValidateRejects(t *testing.T) {
	require := require.New(t)

	mutate := func(fn func(cfg *Config)) error {
		cfg, err := Load([]byte(minimalConfig))
		require.NoError(err)
		fn(cfg)
		return cfg.FixupAndValidate()
	}

	require.Error(mutate(func(c *Config) { c.Server.Identifier = "" }))
	require.Error(mutate(func(c *Config) { c.Server.DataDir = "relative/path" }))
	require.Error(mutate(func(c *Config) { c.Server.Namespace = "no-colon" }))
	require.Error(mutate(func(c *Config) { c.Server.Relays = nil }))
	require.Error(mutate(func(c *Config) { c.Server.Relays = []string{"https://not-a-relay"} }))
	require.Error(mutate(func(c *Config) { c.Backend.URL = "" }))
	require.Error(mutate(func(c *Config) { c.Backend.URL = "bolt:///tmp/db" }))
	require.Error(mutate(func(c *Config) { c.Encryption.Preference = "v3" }))
	require.Error(mutate(func(c *Config) {
		c.Encryption.DisableV1 = true
		c.Encryption.DisableV2 = true
	}))
	require.Error(mutate(func(c *Config) { c.Limits.MPS = -1 }))
	require.Error(mutate(func(c *Config) { c.Logging.Level = "LOUD" }))
}

func TestMissingBlocks(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.FixupAndValidate())

	cfg, err := Load([]byte("[Server]\nIdentifier = \"x\"\n"))
	require.Error(t, err)
	require.Nil(t, cfg)
}
