// server.go - Tunnel server.
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

// Package server provides the server half of the tunnel.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/log"
	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/internal/instrument"
	"github.com/katzenpost/katzentunnel/internal/profiling"
	"github.com/katzenpost/katzentunnel/server/config"
	"github.com/katzenpost/katzentunnel/server/internal/frontend"
)

// Server is a tunnel server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	replay    *record.ReplayFilter
	frontend  *frontend.Redirect
	listeners []*listener
	metrics   *instrument.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	var err error
	s.logBackend, err = log.New(s.cfg.Logging.File, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// LogBackend returns the Server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Addrs returns the addresses the Server accepts tunnels on.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.l.Addr())
	}
	return addrs
}

// Tunnels returns the number of tunnels currently established.
func (s *Server) Tunnels() int {
	n := 0
	for _, l := range s.listeners {
		n += l.tunnels()
	}
	return n
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatal(fmt.Errorf("failed to rotate log file, shutting down server: %v", err))
		return
	}
	s.log.Notice("Log rotated.")
}

// fatal shuts the server down due to err, unless it has already halted.
func (s *Server) fatal(err error) {
	select {
	case s.fatalErrCh <- err:
	case <-s.haltedCh:
	}
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Halt the listeners, and every tunnel they accepted.
	for idx, l := range s.listeners {
		if l != nil {
			l.Halt()
		}
		s.listeners[idx] = nil
	}
	s.listeners = nil

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.log.Warningf("Failed to stop the metrics listener: %v", err)
		}
		cancel()
		s.metrics = nil
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	var err error
	if err = profiling.Start(s.log, "server"); err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}
	if s.replay, err = record.NewReplayFilter(s.cfg.Listen.ReplayFilterSize, record.DefaultReplayFilterRate); err != nil {
		s.log.Errorf("Failed to allocate the replay filter: %v", err)
		return nil, err
	}
	s.frontend, err = frontend.NewRedirect(&frontend.RedirectConfig{
		Host:         s.cfg.Frontend.Host,
		Port:         s.cfg.Frontend.Port,
		DialTimeout:  time.Duration(s.cfg.Debug.ConnectTimeout) * time.Millisecond,
		DialAttempts: s.cfg.Frontend.DialAttempts,
		RetryDelay:   time.Duration(s.cfg.Frontend.RetryDelay) * time.Millisecond,
		Log:          s.logBackend.GetLogger("frontend"),
	})
	if err != nil {
		return nil, err
	}
	s.log.Noticef("Redirecting streams to: %v", s.frontend.Addr())

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	if s.cfg.Metrics.Address != "" {
		if s.metrics, err = instrument.StartListener(s.cfg.Metrics.Address, s.logBackend); err != nil {
			s.log.Errorf("Failed to start the metrics listener: %v", err)
			return nil, err
		}
	}

	// Start up the listeners.
	for i, v := range s.cfg.Listen.Addresses {
		l, err := newListener(s, i, v)
		if err != nil {
			s.log.Errorf("Failed to start listener '%v': %v", v, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	isOk = true
	return s, nil
}
