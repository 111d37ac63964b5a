// config.go - Tunnel client configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the tunnel client configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/katzentunnel/core/backend"
	"github.com/katzenpost/katzentunnel/internal/common"
)

const defaultListenAddress = "127.0.0.1:8080"

// Listen is the local listener configuration.
type Listen struct {
	// Address is the address local applications connect to.
	Address string
}

func (lCfg *Listen) validate() error {
	if lCfg.Address == "" {
		lCfg.Address = defaultListenAddress
	}
	if _, _, err := net.SplitHostPort(lCfg.Address); err != nil {
		return fmt.Errorf("config: Listen: Address '%v' is invalid: %v", lCfg.Address, err)
	}
	return nil
}

// Backend is the backend connection configuration.
type Backend struct {
	// URL is the server's backend URL, eg: tcp://192.0.2.1:4194 or
	// quic://tunnel.example.com:443.
	URL string

	// ReconnectDelay is the initial delay before reconnecting a lost
	// tunnel in milliseconds.  If zero, the client exits instead.
	ReconnectDelay int

	// MaxReconnectDelay caps the reconnect backoff in milliseconds.
	MaxReconnectDelay int
}

func (bCfg *Backend) validate() error {
	if bCfg.URL == "" {
		return errors.New("config: Backend: URL is not set")
	}
	if _, err := backend.New(bCfg.URL); err != nil {
		return fmt.Errorf("config: Backend: %v", err)
	}
	if bCfg.ReconnectDelay < 0 {
		return errors.New("config: Backend: ReconnectDelay is negative")
	}
	if bCfg.MaxReconnectDelay < bCfg.ReconnectDelay {
		bCfg.MaxReconnectDelay = 60 * bCfg.ReconnectDelay
	}
	return nil
}

// Config is the top level tunnel client configuration.
type Config struct {
	Tunnel  *common.Tunnel
	Listen  *Listen
	Backend *Backend
	Logging *common.Logging
	Metrics *common.Metrics
	Debug   *common.Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Tunnel and Backend sections are mandatory, everything else is
	// optional.
	if cfg.Tunnel == nil {
		return errors.New("config: No Tunnel block was present")
	}
	if cfg.Backend == nil {
		return errors.New("config: No Backend block was present")
	}
	if cfg.Listen == nil {
		cfg.Listen = &Listen{}
	}
	if cfg.Logging == nil {
		cfg.Logging = common.DefaultLogging()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &common.Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &common.Debug{}
	}

	if err := cfg.Tunnel.FixupAndValidate(); err != nil {
		return err
	}
	if err := cfg.Listen.validate(); err != nil {
		return err
	}
	if err := cfg.Backend.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return err
	}
	cfg.Debug.ApplyDefaults()
	return nil
}

// Default returns a complete configuration with a fresh preshared secret,
// suitable as a starting point for editing.
func Default() (*Config, error) {
	secret, err := common.NewSecret()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Tunnel:  &common.Tunnel{PresharedKey: secret},
		Backend: &Backend{URL: fmt.Sprintf("tcp://127.0.0.1:%d", backend.DefaultPort)},
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal serializes the configuration as TOML.
func (cfg *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
