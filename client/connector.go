// connector.go - Tunnel client backend connector.
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

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/core/retry"
	"github.com/katzenpost/katzentunnel/core/tunnel"
	"github.com/katzenpost/katzentunnel/core/worker"
	"github.com/katzenpost/katzentunnel/internal/instrument"
)

type connector struct {
	sync.Mutex
	worker.Worker

	c   *Client
	log *logging.Logger

	t *tunnel.Tunnel
}

func (co *connector) tunnel() *tunnel.Tunnel {
	co.Lock()
	defer co.Unlock()
	return co.t
}

func (co *connector) setTunnel(t *tunnel.Tunnel) {
	co.Lock()
	defer co.Unlock()
	co.t = t
}

func (co *connector) worker() {
	cfg := co.c.cfg.Backend
	b := retry.Backoff{
		BaseDelay: time.Duration(cfg.ReconnectDelay) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.MaxReconnectDelay) * time.Millisecond,
		Jitter:    retry.DefaultJitter,
	}

	for {
		wasEstablished, err := co.connect()
		if co.IsHalted() {
			return
		}
		if cfg.ReconnectDelay == 0 {
			co.c.fatal(fmt.Errorf("tunnel to %v lost: %v", co.c.backend, err))
			return
		}
		if wasEstablished {
			b.Reset()
		}

		delay := b.Next()
		co.log.Warningf("Reconnecting in %v: %v", delay, err)
		t := time.NewTimer(delay)
		select {
		case <-co.HaltCh():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect runs one tunnel to completion, and returns true iff the tunnel
// was established.
func (co *connector) connect() (bool, error) {
	dbgCfg := co.c.cfg.Debug

	// Abort the dial and handshake on halt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-co.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	co.log.Debugf("Dialing: %v", co.c.backend)
	dialCtx, dialCancel := context.WithTimeout(ctx, time.Duration(dbgCfg.ConnectTimeout)*time.Millisecond)
	conn, err := co.c.backend.Dial(dialCtx)
	dialCancel()
	if err != nil {
		co.log.Warningf("Failed to connect to %v: %v", co.c.backend, err)
		return false, err
	}

	w, err := record.NewSession(co.c.cfg.Tunnel.SessionConfig(), true)
	if err != nil {
		conn.Close()
		return false, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(time.Duration(dbgCfg.HandshakeTimeout) * time.Millisecond))
	err = w.Initialize(conn)
	if !stop() {
		err = errors.Join(err, context.Canceled)
	}
	if err != nil {
		var he *record.HandshakeError
		if errors.As(err, &he) {
			instrument.HandshakeFailure(string(he.State))
			co.log.Errorf("Handshake failed: %v", err)
			co.log.Debugf("%s", he.Verbose())
		} else {
			co.log.Errorf("Handshake failed: %v", err)
		}
		w.Close()
		return false, err
	}
	conn.SetDeadline(time.Time{})
	co.log.Debugf("Handshake completed, clock skew: %v", w.ClockSkew())

	t, err := tunnel.New(w, co.c.cfg.Tunnel.TunnelConfig(nil, co.c.logBackend.GetLogger("tunnel")))
	if err != nil {
		w.Close()
		return false, err
	}
	co.setTunnel(t)
	instrument.TunnelUp()
	co.log.Noticef("Tunnel established to: %v", co.c.backend)

	select {
	case <-t.HaltCh():
	case <-co.HaltCh():
	}
	co.setTunnel(nil)
	t.Close()
	instrument.TunnelDown()
	co.log.Noticef("Tunnel closed: %v", t.Err())
	return true, t.Err()
}

func newConnector(c *Client) *connector {
	co := &connector{
		c:   c,
		log: c.logBackend.GetLogger("connector"),
	}
	return co
}

func (co *connector) start() {
	co.Go(co.worker)
}
