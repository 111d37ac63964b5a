// config.go - Configuration blocks shared by both tunnel halves.
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

// Package common provides the configuration blocks and helpers shared by
// the client and server halves of the tunnel.
package common

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/core/tunnel"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultWatermark         = tunnel.DefaultWatermark
	defaultCloseGracePeriod  = 30 * 1000 // 30 sec.
	defaultMaxProtocolErrors = tunnel.DefaultMaxProtocolErrors
	defaultMaxClockSkew      = 10 * 60 * 1000 // 10 min.
	defaultConnectTimeout    = 60 * 1000      // 60 sec.
	defaultHandshakeTimeout  = 30 * 1000      // 30 sec.

	secretLength = 32
)

// Tunnel is the tunnel configuration.
type Tunnel struct {
	// PresharedKey is the secret shared out of band by both halves.
	PresharedKey string

	// Watermark is the maximum number of unacknowledged bytes per stream.
	Watermark int

	// CloseGracePeriod is how long a closed stream waits for the peer's
	// acknowledgment in milliseconds.
	CloseGracePeriod int

	// MaxProtocolErrors is the number of protocol errors tolerated before
	// the tunnel is torn down.
	MaxProtocolErrors int

	// MaxClockSkew is the largest accepted handshake clock difference in
	// milliseconds.
	MaxClockSkew int

	psk []byte
}

// FixupAndValidate applies defaults and validates the Tunnel block.
func (tCfg *Tunnel) FixupAndValidate() error {
	if tCfg.Watermark <= 0 {
		tCfg.Watermark = defaultWatermark
	}
	if tCfg.CloseGracePeriod <= 0 {
		tCfg.CloseGracePeriod = defaultCloseGracePeriod
	}
	if tCfg.MaxProtocolErrors <= 0 {
		tCfg.MaxProtocolErrors = defaultMaxProtocolErrors
	}
	if tCfg.MaxClockSkew <= 0 {
		tCfg.MaxClockSkew = defaultMaxClockSkew
	}

	psk, err := record.DerivePSK(tCfg.PresharedKey)
	if err != nil {
		return fmt.Errorf("config: Tunnel: PresharedKey is invalid: %v", err)
	}
	tCfg.psk = psk
	return nil
}

// SessionConfig returns the record layer configuration.
func (tCfg *Tunnel) SessionConfig() *record.SessionConfig {
	return &record.SessionConfig{
		PresharedKey: tCfg.psk,
		RandomReader: rand.Reader,
		MaxClockSkew: time.Duration(tCfg.MaxClockSkew) * time.Millisecond,
	}
}

// TunnelConfig returns the multiplexer configuration.
func (tCfg *Tunnel) TunnelConfig(fe tunnel.Frontend, log *logging.Logger) *tunnel.Config {
	return &tunnel.Config{
		Watermark:         tCfg.Watermark,
		CloseGracePeriod:  time.Duration(tCfg.CloseGracePeriod) * time.Millisecond,
		MaxProtocolErrors: tCfg.MaxProtocolErrors,
		Frontend:          fe,
		Log:               log,
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// DefaultLogging returns the logging configuration used when the block
// is absent.
func DefaultLogging() *Logging {
	return &Logging{Level: defaultLogLevel}
}

// Validate validates the Logging block, forcing the level to uppercase.
func (lCfg *Logging) Validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// ConnectTimeout specifies the maximum time a connection can take to
	// establish a backend connection in milliseconds.
	ConnectTimeout int

	// HandshakeTimeout specifies the maximum time a connection can take for
	// a record layer handshake in milliseconds.
	HandshakeTimeout int
}

// ApplyDefaults applies the default Debug values.
func (dCfg *Debug) ApplyDefaults() {
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Metrics is the prometheus metrics configuration.
type Metrics struct {
	// Address is the address the metrics endpoint listens on.  If empty,
	// metrics are not served.
	Address string
}

// Validate validates the Metrics block.
func (mCfg *Metrics) Validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// NewSecret returns a fresh random preshared secret.
func NewSecret() (string, error) {
	b := make([]byte, secretLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
