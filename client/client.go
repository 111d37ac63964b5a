// client.go - Tunnel client.
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

// Package client provides the client half of the tunnel.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/client/config"
	"github.com/katzenpost/katzentunnel/core/backend"
	"github.com/katzenpost/katzentunnel/core/log"
	"github.com/katzenpost/katzentunnel/internal/instrument"
	"github.com/katzenpost/katzentunnel/internal/profiling"
)

// Client is a tunnel client instance.
type Client struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	backend   backend.Backend
	listener  *listener
	connector *connector
	metrics   *instrument.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (c *Client) initLogging() error {
	var err error
	c.logBackend, err = log.New(c.cfg.Logging.File, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

// LocalAddr returns the address local applications connect to.
func (c *Client) LocalAddr() net.Addr {
	return c.listener.l.Addr()
}

// IsConnected returns true iff the tunnel to the server is established.
func (c *Client) IsConnected() bool {
	return c.connector.tunnel() != nil
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (c *Client) RotateLog() {
	if err := c.logBackend.Rotate(); err != nil {
		c.fatal(fmt.Errorf("failed to rotate log file, shutting down client: %v", err))
		return
	}
	c.log.Notice("Log rotated.")
}

// fatal shuts the client down due to err, unless it has already halted.
func (c *Client) fatal(err error) {
	select {
	case c.fatalErrCh <- err:
	case <-c.haltedCh:
	}
}

// Wait waits till the client is terminated for any reason.
func (c *Client) Wait() {
	<-c.haltedCh
}

// Shutdown cleanly shuts down a given Client instance.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

func (c *Client) halt() {
	c.log.Notice("Starting graceful shutdown.")

	// Stop accepting local connections first, then tear down the tunnel
	// along with every stream it carries.
	if c.listener != nil {
		c.listener.Halt()
	}
	if c.connector != nil {
		c.connector.Halt()
	}

	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.metrics.Shutdown(ctx); err != nil {
			c.log.Warningf("Failed to stop the metrics listener: %v", err)
		}
		cancel()
		c.metrics = nil
	}

	c.log.Notice("Shutdown complete.")
	close(c.haltedCh)
}

// New returns a new Client instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Client, error) {
	c := new(Client)
	c.cfg = cfg
	c.fatalErrCh = make(chan error)
	c.haltedCh = make(chan interface{})

	if err := c.initLogging(); err != nil {
		return nil, err
	}
	if c.cfg.Logging.Level == "DEBUG" {
		c.log.Warning("Unsafe Debug logging is enabled.")
	}

	var err error
	if err = profiling.Start(c.log, "client"); err != nil {
		c.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}
	if c.backend, err = backend.New(c.cfg.Backend.URL); err != nil {
		return nil, err
	}

	// Past this point, failures need to call c.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			c.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-c.fatalErrCh:
			c.log.Warningf("Shutting down due to error: %v", err)
			c.Shutdown()
		case <-c.haltedCh:
		}
	}()

	if c.cfg.Metrics.Address != "" {
		if c.metrics, err = instrument.StartListener(c.cfg.Metrics.Address, c.logBackend); err != nil {
			c.log.Errorf("Failed to start the metrics listener: %v", err)
			return nil, err
		}
	}

	// The listener refuses connections until the connector has a tunnel,
	// and the connector may shut the client down as soon as it starts.
	c.connector = newConnector(c)
	if c.listener, err = newListener(c); err != nil {
		c.log.Errorf("Failed to start listener '%v': %v", c.cfg.Listen.Address, err)
		return nil, err
	}
	c.connector.start()

	isOk = true
	return c, nil
}
