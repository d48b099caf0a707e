// main.go - kvconnect pairing tool.
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

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/nostrkv/kvconnect/config"
	"github.com/nostrkv/kvconnect/crypto/keyring"
	"github.com/nostrkv/kvconnect/pairing"
	"github.com/nostrkv/kvconnect/server"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Namespace  string
	Methods    string
	AppName    string
	MPS        int
	BPS        int
	MaxKey     int
	MaxVal     int
	MgetMax    int
	Revoke     string
	NoQR       bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "kvconnect-pair",
		Short: "Mint and revoke kvconnect client grants",
		Long: `kvconnect-pair manages the gateway's connection registry.

Pairing mints a fresh client keypair, registers a policy for its public
key in the registry document the gateway loads at startup, and prints the
pairing URI (and a scannable QR code) that carries the secret to the
client.  The secret is never stored; once printed it exists only in the
URI.

Revocation marks an existing grant revoked in place.  The gateway answers
a revoked client's requests with an UNAUTHORIZED error.`,
		Example: `  # Pair a client under the gateway's default namespace
  kvconnect-pair --config /etc/kvconnect/kvconnectd.toml --name mobile

  # Pair a read-only client with a tighter rate limit
  kvconnect-pair -f kvconnectd.toml --cmds get_info,get,mget --mps 30

  # Revoke a previously paired client
  kvconnect-pair -f kvconnectd.toml --revoke <pubkey-hex>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "kvconnectd.toml",
		"path to the gateway configuration file (TOML format)")
	cmd.Flags().StringVar(&cfg.Namespace, "ns", "",
		"key namespace for the grant (gateway default when empty)")
	cmd.Flags().StringVar(&cfg.Methods, "cmds", "",
		"comma separated method allowlist (all methods when empty)")
	cmd.Flags().StringVar(&cfg.AppName, "name", "",
		"human readable label for the grant")
	cmd.Flags().IntVar(&cfg.MPS, "mps", 0, "requests per minute (gateway default when 0)")
	cmd.Flags().IntVar(&cfg.BPS, "bps", 0, "bytes per minute (gateway default when 0)")
	cmd.Flags().IntVar(&cfg.MaxKey, "maxkey", 0, "maximum key length (gateway default when 0)")
	cmd.Flags().IntVar(&cfg.MaxVal, "maxval", 0, "maximum value length (gateway default when 0)")
	cmd.Flags().IntVar(&cfg.MgetMax, "mget-max", 0, "maximum keys per mget (gateway default when 0)")
	cmd.Flags().StringVar(&cfg.Revoke, "revoke", "",
		"revoke the grant for the given hex public key instead of pairing")
	cmd.Flags().BoolVar(&cfg.NoQR, "no-qr", false, "suppress the QR code")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runPair(cfg Config) error {
	gatewayCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	pol := defaultPolicy(gatewayCfg)
	reg, err := server.LoadRegistry(gatewayCfg.Registry.File, pol)
	if err != nil {
		return fmt.Errorf("failed to load registry: %v", err)
	}

	if cfg.Revoke != "" {
		if err = reg.Revoke(cfg.Revoke); err != nil {
			return err
		}
		if err = reg.Save(); err != nil {
			return err
		}
		fmt.Printf("Revoked %v\n", cfg.Revoke)
		return nil
	}

	applyFlags(pol, &cfg)
	pol.Created = time.Now().Unix()

	// Mint the client identity.
	client, err := keyring.Generate()
	if err != nil {
		return err
	}
	if err = reg.Put(client.PublicKeyHex(), pol); err != nil {
		return err
	}
	if err = reg.Save(); err != nil {
		return fmt.Errorf("failed to save registry: %v", err)
	}

	serverNpub, err := serverPublicKey(gatewayCfg)
	if err != nil {
		return err
	}
	clientNsec, err := client.SecretBech32()
	if err != nil {
		return err
	}

	p := &pairing.Pairing{
		ServerNpub:   serverNpub,
		Relays:       gatewayCfg.Server.Relays,
		ClientSecret: clientNsec,
		Policy:       pol,
	}
	uri, err := p.URI()
	if err != nil {
		return err
	}

	fmt.Printf("Client public key: %v\n", client.PublicKeyHex())
	fmt.Printf("Pairing URI:\n%v\n", uri)
	if !cfg.NoQR {
		qrterminal.GenerateHalfBlock(uri, qrterminal.L, os.Stdout)
	}
	return nil
}

func defaultPolicy(cfg *config.Config) *server.Policy {
	l := cfg.Limits
	return &server.Policy{
		Namespace:      cfg.Server.Namespace,
		AllowedMethods: server.AllMethods(),
		Limits: server.Limits{
			MPS:     l.MPS,
			BPS:     l.BPS,
			MaxKey:  l.MaxKey,
			MaxVal:  l.MaxVal,
			MgetMax: l.MgetMax,
		},
	}
}

func applyFlags(pol *server.Policy, cfg *Config) {
	if cfg.Namespace != "" {
		pol.Namespace = cfg.Namespace
	}
	if cfg.Methods != "" {
		pol.AllowedMethods = strings.Split(cfg.Methods, ",")
	}
	pol.AppName = cfg.AppName
	if cfg.MPS > 0 {
		pol.Limits.MPS = cfg.MPS
	}
	if cfg.BPS > 0 {
		pol.Limits.BPS = cfg.BPS
	}
	if cfg.MaxKey > 0 {
		pol.Limits.MaxKey = cfg.MaxKey
	}
	if cfg.MaxVal > 0 {
		pol.Limits.MaxVal = cfg.MaxVal
	}
	if cfg.MgetMax > 0 {
		pol.Limits.MgetMax = cfg.MgetMax
	}
}

// serverPublicKey derives the gateway's npub from its configured secret.
func serverPublicKey(cfg *config.Config) (string, error) {
	nsec := cfg.Server.SecretKey
	if nsec == "" {
		b, err := os.ReadFile(cfg.Server.SecretKeyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read secret key file '%v' (run kvconnectd --generate-only first): %v",
				cfg.Server.SecretKeyFile, err)
		}
		nsec = strings.TrimSpace(string(b))
	}
	k, err := keyring.FromBech32(nsec)
	if err != nil {
		return "", err
	}
	return k.PublicKeyBech32()
}
