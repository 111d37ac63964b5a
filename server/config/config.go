// config.go - Tunnel server configuration.
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

// Package config provides the tunnel server configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/katzenpost/katzentunnel/core/backend"
	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/internal/common"
)

const (
	defaultDialAttempts = 3
	defaultRetryDelay   = 250
)

// Listen is the backend listener configuration.
type Listen struct {
	// Addresses are the backend URLs to accept tunnels on.
	Addresses []string

	// ReplayFilterSize is the log2 of the handshake replay filter size in
	// bits.
	ReplayFilterSize int
}

func (lCfg *Listen) validate() error {
	if len(lCfg.Addresses) == 0 {
		lCfg.Addresses = []string{fmt.Sprintf("tcp://0.0.0.0:%d", backend.DefaultPort)}
	}
	for _, v := range lCfg.Addresses {
		if _, err := backend.New(v); err != nil {
			return fmt.Errorf("config: Listen: %v", err)
		}
	}
	if lCfg.ReplayFilterSize <= 0 {
		lCfg.ReplayFilterSize = record.DefaultReplayFilterSize
	}
	return nil
}

// Frontend is the destination every tunneled stream is redirected to.
type Frontend struct {
	// Host is the destination host name or address.
	Host string

	// Port is the destination port.
	Port uint16

	// DialAttempts is how many times a refused or timed out dial is
	// attempted before the stream is failed.
	DialAttempts int

	// RetryDelay is the initial delay between dial attempts in
	// milliseconds.
	RetryDelay int
}

func (fCfg *Frontend) validate() error {
	if fCfg.Host == "" {
		return errors.New("config: Frontend: Host is not set")
	}
	host, err := idna.Lookup.ToASCII(fCfg.Host)
	if err != nil {
		return fmt.Errorf("config: Frontend: Host '%v' is invalid: %v", fCfg.Host, err)
	}
	fCfg.Host = host
	if fCfg.Port == 0 {
		return errors.New("config: Frontend: Port is not set")
	}
	if fCfg.DialAttempts <= 0 {
		fCfg.DialAttempts = defaultDialAttempts
	}
	if fCfg.RetryDelay <= 0 {
		fCfg.RetryDelay = defaultRetryDelay
	}
	return nil
}

// Config is the top level tunnel server configuration.
type Config struct {
	Tunnel   *common.Tunnel
	Listen   *Listen
	Frontend *Frontend
	Logging  *common.Logging
	Metrics  *common.Metrics
	Debug    *common.Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Tunnel and Frontend sections are mandatory, everything else is
	// optional.
	if cfg.Tunnel == nil {
		return errors.New("config: No Tunnel block was present")
	}
	if cfg.Frontend == nil {
		return errors.New("config: No Frontend block was present")
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
	if err := cfg.Frontend.validate(); err != nil {
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
// redirecting to a local HTTP proxy.
func Default() (*Config, error) {
	secret, err := common.NewSecret()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Tunnel:   &common.Tunnel{PresharedKey: secret},
		Frontend: &Frontend{Host: "127.0.0.1", Port: 3128},
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
