// listener.go - Tunnel server backend listener.
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
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/backend"
	"github.com/katzenpost/katzentunnel/core/worker"
)

type listener struct {
	sync.Mutex
	worker.Worker

	s   *Server
	log *logging.Logger

	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.Signal()
	l.l.Close()
	l.Worker.Halt()

	// Tear down every tunnel belonging to the listener.
	//
	// Note: Worst case this can take up to the handshake timeout to
	// actually complete, since the channel isn't checked mid-handshake.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
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

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

func (l *listener) tunnels() int {
	l.Lock()
	defer l.Unlock()

	n := 0
	for e := l.conns.Front(); e != nil; e = e.Next() {
		if e.Value.(*incomingConn).isEstablished {
			n++
		}
	}
	return n
}

func newListener(s *Server, id int, addr string) (*listener, error) {
	b, err := backend.New(addr)
	if err != nil {
		return nil, err
	}

	l := &listener{
		s:          s,
		log:        s.logBackend.GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}
	if l.l, err = b.Listen(); err != nil {
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
