// incoming_conn.go - Tunnel server incoming connection.
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

package server

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/core/tunnel"
	"github.com/katzenpost/katzentunnel/internal/instrument"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c  net.Conn
	e  *list.Element
	id uint64

	isEstablished bool // Set by worker() under the listener lock.
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	cfg := c.l.s.cfg
	sessCfg := cfg.Tunnel.SessionConfig()
	sessCfg.ReplayFilter = c.l.s.replay
	w, err := record.NewSession(sessCfg, false)
	if err != nil {
		c.log.Errorf("Failed to allocate session: %v", err)
		return
	}

	// Bind the session to the conn, handshake.
	timeoutMs := time.Duration(cfg.Debug.HandshakeTimeout) * time.Millisecond
	c.c.SetDeadline(time.Now().Add(timeoutMs))
	if err = w.Initialize(c.c); err != nil {
		var he *record.HandshakeError
		if errors.As(err, &he) {
			instrument.HandshakeFailure(string(he.State))
			c.log.Errorf("Handshake failed: %v", err)
			c.log.Debugf("%s", he.Verbose())
		} else {
			c.log.Errorf("Handshake failed: %v", err)
		}
		w.Close()
		return
	}
	c.c.SetDeadline(time.Time{})
	c.log.Debugf("Handshake completed, clock skew: %v", w.ClockSkew())

	t, err := tunnel.New(w, cfg.Tunnel.TunnelConfig(c.l.s.frontend, c.log))
	if err != nil {
		c.log.Errorf("Failed to start tunnel: %v", err)
		w.Close()
		return
	}
	c.setEstablished(true)
	instrument.TunnelUp()
	c.log.Noticef("Tunnel established with: %v", c.c.RemoteAddr())
	defer func() {
		c.setEstablished(false)
		instrument.TunnelDown()
	}()

	select {
	case <-t.HaltCh():
	case <-c.l.closeAllCh:
	}
	t.Close()
	c.log.Noticef("Tunnel closed: %v", t.Err())
}

func (c *incomingConn) setEstablished(b bool) {
	c.l.Lock()
	defer c.l.Unlock()
	c.isEstablished = b
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.s.logBackend.GetLogger(fmt.Sprintf("tunnel:%d", c.id))
	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())
	return c
}
