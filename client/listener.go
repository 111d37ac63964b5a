// listener.go - Tunnel client local listener.
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
	"errors"
	"net"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/worker"
)

type listener struct {
	worker.Worker

	c   *Client
	log *logging.Logger

	l net.Listener
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.  Connections that
	// were accepted belong to the tunnel.
	l.Signal()
	l.l.Close()
	l.Worker.Halt()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) && !l.IsHalted() {
				l.log.Errorf("Critical accept failure: %v", err)
			}
			return
		}

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	t := l.c.connector.tunnel()
	if t == nil {
		l.log.Debugf("Refusing %v: tunnel is down.", conn.RemoteAddr())
		conn.Close()
		return
	}

	id, err := t.OpenStream(conn)
	if err != nil {
		l.log.Debugf("Refusing %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	l.log.Debugf("Stream %d: accepted %v", id, conn.RemoteAddr())
}

func newListener(c *Client) (*listener, error) {
	l := &listener{
		c:   c,
		log: c.logBackend.GetLogger("listener"),
	}

	var err error
	if l.l, err = net.Listen("tcp", c.cfg.Listen.Address); err != nil {
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
