// main.go - kvconnect gateway binary.
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
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/nostrkv/kvconnect/config"
	"github.com/nostrkv/kvconnect/server"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "kvconnectd",
		Short: "kvconnect key-value gateway",
		Long: `kvconnectd exposes a scoped slice of a Redis compatible key-value store
over encrypted direct messages carried by relays.

The gateway holds a long term signing identity, subscribes on a set of
relays for requests addressed to it, and answers each one with an
encrypted response event.  Every client public key is bound to a policy:
a key namespace it is confined to, a method allowlist and per-minute
request and byte budgets.  Clients are paired out of band with a pairing
URI minted by kvconnect-pair.

The gateway is designed to run as a long-lived daemon process and keeps
no state of its own beyond its secret key and the connection registry;
everything else lives in the backend store.`,
		Example: `  # Start the gateway with the default configuration file
  kvconnectd

  # Start the gateway with a custom configuration file
  kvconnectd --config /etc/kvconnect/kvconnectd.toml

  # Generate the identity key and exit (useful for setup)
  kvconnectd --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "kvconnectd.toml",
		"path to the gateway configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the identity key and exit without starting the gateway")

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

func runGateway(cfg Config) error {
	gatewayCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly && !gatewayCfg.Debug.GenerateOnly {
		gatewayCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the gateway.
	svr, err := server.New(gatewayCfg)
	if err != nil {
		if err == server.ErrGenerateOnly {
			return nil // Exit successfully for generate-only mode
		}
		return fmt.Errorf("failed to spawn gateway instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the gateway gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	// Wait for the gateway to explode or be terminated.
	svr.Wait()
	return nil
}
