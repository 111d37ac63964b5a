// main.go - Tunnel server binary.
// Copyright (C) 2017  Yawning Angel.
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
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/katzentunnel/internal/common"
	"github.com/katzenpost/katzentunnel/server"
	"github.com/katzenpost/katzentunnel/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenConfig  bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Tunnel server",
		Long: `The tunnel server accepts encrypted tunnels from tunnel clients and
relays every stream they carry to a single configured destination, such
as a local HTTP proxy.

Clients authenticate with a preshared secret.  Anything that fails the
handshake is dropped without a response, so the listener can not be
told apart from a closed port by a prober that lacks the secret.

Key features:
• Noise NNpsk0 handshake with replay protection
• Authenticated, sequenced records with sealed lengths
• Many concurrent tunnels, each multiplexing many streams
• TCP and QUIC backends`,
		Example: `  # Print a configuration with a fresh secret
  server --genconfig > server.toml

  # Start the server
  server -f /etc/katzentunnel/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.GenConfig {
				return genConfig()
			}
			return runServer(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "katzentunnel-server.toml",
		"path to the server configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.GenConfig, "genconfig", false,
		"print a default configuration with a fresh secret and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func genConfig() error {
	cfg, err := config.Default()
	if err != nil {
		return err
	}
	b, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

func runServer(cfg Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
