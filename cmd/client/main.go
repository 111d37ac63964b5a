// main.go - Tunnel client binary.
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
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/katzentunnel/client"
	"github.com/katzenpost/katzentunnel/client/config"
	"github.com/katzenpost/katzentunnel/internal/common"
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
		Use:   "client",
		Short: "Tunnel client",
		Long: `The tunnel client listens for local connections and carries each of
them as a stream over one encrypted tunnel to the tunnel server, which
relays it to its configured destination.

Point applications at the local listen address, eg: as an HTTP proxy.
While the tunnel is down local connections are refused.`,
		Example: `  # Print a configuration with a fresh secret
  client --genconfig > client.toml

  # Start the client
  client -f ~/.config/katzentunnel/client.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.GenConfig {
				return genConfig()
			}
			return runClient(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "katzentunnel-client.toml",
		"path to the client configuration file (TOML format)")
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

func runClient(cfg Config) error {
	clientCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	c, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn client instance: %v", err)
	}
	defer c.Shutdown()

	go func() {
		<-haltCh
		c.Shutdown()
	}()

	go func() {
		for range rotateCh {
			c.RotateLog()
		}
	}()

	c.Wait()
	return nil
}
