// server_test.go - Tunnel server tests.
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
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzentunnel/core/log"
	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/core/tunnel"
	"github.com/katzenpost/katzentunnel/internal/common"
	"github.com/katzenpost/katzentunnel/server/config"
)

const (
	testSecret  = "correct horse battery staple"
	testTimeout = 5 * time.Second
)

// startEcho runs a TCP echo destination, and reports every connection it
// sees closed.
func startEcho(t *testing.T) (net.Addr, <-chan struct{}) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	closedCh := make(chan struct{}, 16)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
				closedCh <- struct{}{}
			}()
		}
	}()
	return l.Addr(), closedCh
}

func testConfig(t *testing.T, dst net.Addr) *config.Config {
	host, port, err := net.SplitHostPort(dst.String())
	require.NoError(t, err)
	p, err := strconv.ParseUint(port, 10, 16)
	require.NoError(t, err)

	cfg := &config.Config{
		Tunnel:   &common.Tunnel{PresharedKey: testSecret},
		Listen:   &config.Listen{Addresses: []string{"tcp://127.0.0.1:0"}, ReplayFilterSize: 16},
		Frontend: &config.Frontend{Host: host, Port: uint16(p), DialAttempts: 1},
		Logging:  &common.Logging{Disable: true, Level: "DEBUG"},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	require.Len(t, s.Addrs(), 1)
	return s
}

// dialTunnel plays the client half against s.
func dialTunnel(t *testing.T, s *Server, secret string) (*tunnel.Tunnel, error) {
	conn, err := net.Dial("tcp", s.Addrs()[0].String())
	require.NoError(t, err)

	psk, err := record.DerivePSK(secret)
	require.NoError(t, err)
	w, err := record.NewSession(&record.SessionConfig{PresharedKey: psk}, true)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(testTimeout))
	if err := w.Initialize(conn); err != nil {
		w.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	tun, err := tunnel.New(w, &tunnel.Config{Log: logBackend.GetLogger("tunnel")})
	require.NoError(t, err)
	t.Cleanup(tun.Close)
	return tun, nil
}

func TestServerRedirect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, closedCh := startEcho(t)
	s := startServer(t, testConfig(t, dst))

	tun, err := dialTunnel(t, s, testSecret)
	require.NoError(err)
	require.Eventually(func() bool { return s.Tunnels() == 1 }, testTimeout, 10*time.Millisecond)

	local, remote := net.Pipe()
	id, err := tun.OpenStream(remote)
	require.NoError(err)
	require.Equal(uint32(1), id)

	req := []byte("GET / HTTP/1.0\r\n\r\n")
	local.SetDeadline(time.Now().Add(testTimeout))
	_, err = local.Write(req)
	require.NoError(err)
	resp := make([]byte, len(req))
	_, err = io.ReadFull(local, resp)
	require.NoError(err)
	require.Equal(req, resp)

	// Closing the local end closes the destination connection.
	require.NoError(local.Close())
	select {
	case <-closedCh:
	case <-time.After(testTimeout):
		t.Fatal("destination connection was not closed")
	}
	require.Eventually(func() bool { return tun.Streams() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestServerUnavailableDestination(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Grab a port with nothing behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	dst := l.Addr()
	require.NoError(l.Close())

	s := startServer(t, testConfig(t, dst))
	tun, err := dialTunnel(t, s, testSecret)
	require.NoError(err)

	local, remote := net.Pipe()
	_, err = tun.OpenStream(remote)
	require.NoError(err)

	// The server answers the failed open with a CLOSE, which ends the
	// stream while the tunnel survives.
	local.SetDeadline(time.Now().Add(testTimeout))
	_, err = local.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)
	require.Nil(tun.Err())
}

func TestServerRejectsWrongKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startEcho(t)
	s := startServer(t, testConfig(t, dst))

	_, err := dialTunnel(t, s, "incorrect horse battery staple")
	var he *record.HandshakeError
	require.True(errors.As(err, &he), "%v", err)
	require.Zero(s.Tunnels())

	// The listener keeps serving after a failed handshake.
	_, err = dialTunnel(t, s, testSecret)
	require.NoError(err)
}

func TestServerShutdownClosesTunnels(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startEcho(t)
	cfg := testConfig(t, dst)
	cfg.Listen.Addresses = []string{"tcp://127.0.0.1:0", "tcp://127.0.0.1:0"}
	s, err := New(cfg)
	require.NoError(err)
	require.Len(s.Addrs(), 2)

	tun, err := dialTunnel(t, s, testSecret)
	require.NoError(err)
	require.Eventually(func() bool { return s.Tunnels() == 1 }, testTimeout, 10*time.Millisecond)

	s.Shutdown()
	s.Wait()

	select {
	case <-tun.HaltCh():
	case <-time.After(testTimeout):
		t.Fatal("tunnel survived server shutdown")
	}
	require.ErrorIs(tun.Err(), io.EOF)
}

func TestServerBadListenAddress(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startEcho(t)
	cfg := testConfig(t, dst)
	cfg.Listen.Addresses = []string{"tcp://192.0.2.1:1"}
	_, err := New(cfg)
	require.Error(err)
}

func TestServerRotateLogFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startEcho(t)
	cfg := testConfig(t, dst)
	logDir := filepath.Join(t.TempDir(), "logs")
	require.NoError(os.Mkdir(logDir, 0700))
	cfg.Logging = &common.Logging{File: filepath.Join(logDir, "server.log"), Level: "DEBUG"}
	s := startServer(t, cfg)

	// Reopening the log fails once its directory is gone, which is fatal.
	require.NoError(os.RemoveAll(logDir))
	s.RotateLog()
	waitCh := make(chan struct{})
	go func() {
		s.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(testTimeout):
		t.Fatal("server kept running after a failed log rotation")
	}

	// Rotating after shutdown neither panics nor blocks.
	doneCh := make(chan struct{})
	go func() {
		s.RotateLog()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(testTimeout):
		t.Fatal("RotateLog blocked after shutdown")
	}
}
