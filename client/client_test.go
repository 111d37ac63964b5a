// client_test.go - Tunnel client tests.
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
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzentunnel/client/config"
	"github.com/katzenpost/katzentunnel/internal/common"
	"github.com/katzenpost/katzentunnel/server"
	sConfig "github.com/katzenpost/katzentunnel/server/config"
)

const (
	testSecret  = "correct horse battery staple"
	testTimeout = 10 * time.Second
)

// startResponder runs a destination that answers every request line with
// a canned response, then reports the connection closed.
func startResponder(t *testing.T, resp []byte) (net.Addr, <-chan struct{}) {
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
				defer func() {
					c.Close()
					closedCh <- struct{}{}
				}()
				buf := make([]byte, 4096)
				var req []byte
				for !bytes.HasSuffix(req, []byte("\r\n\r\n")) {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					req = append(req, buf[:n]...)
				}
				c.Write(resp)
				io.Copy(io.Discard, c)
			}()
		}
	}()
	return l.Addr(), closedCh
}

func startServer(t *testing.T, listen string, dst net.Addr) *server.Server {
	host, port, err := net.SplitHostPort(dst.String())
	require.NoError(t, err)
	p, err := strconv.ParseUint(port, 10, 16)
	require.NoError(t, err)

	cfg := &sConfig.Config{
		Tunnel:   &common.Tunnel{PresharedKey: testSecret},
		Listen:   &sConfig.Listen{Addresses: []string{listen}, ReplayFilterSize: 16},
		Frontend: &sConfig.Frontend{Host: host, Port: uint16(p), DialAttempts: 1},
		Logging:  &common.Logging{Disable: true, Level: "DEBUG"},
	}
	require.NoError(t, cfg.FixupAndValidate())
	s, err := server.New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func testConfig(t *testing.T, backendURL, secret string, reconnectDelay int) *config.Config {
	cfg := &config.Config{
		Tunnel:  &common.Tunnel{PresharedKey: secret},
		Listen:  &config.Listen{Address: "127.0.0.1:0"},
		Backend: &config.Backend{URL: backendURL, ReconnectDelay: reconnectDelay},
		Logging: &common.Logging{Disable: true, Level: "DEBUG"},
		Debug:   &common.Debug{ConnectTimeout: 2000, HandshakeTimeout: 2000},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startClient(t *testing.T, cfg *config.Config) *Client {
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	for _, scheme := range []string{"tcp", "quic"} {
		t.Run(scheme, func(t *testing.T) {
			t.Parallel()
			require := require.New(t)

			resp := []byte("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok")
			dst, closedCh := startResponder(t, resp)
			s := startServer(t, scheme+"://127.0.0.1:0", dst)
			backendURL := fmt.Sprintf("%s://%v", scheme, s.Addrs()[0])

			c := startClient(t, testConfig(t, backendURL, testSecret, 0))
			require.Eventually(c.IsConnected, testTimeout, 10*time.Millisecond)

			conn, err := net.Dial("tcp", c.LocalAddr().String())
			require.NoError(err)
			conn.SetDeadline(time.Now().Add(testTimeout))
			_, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
			require.NoError(err)
			got := make([]byte, len(resp))
			_, err = io.ReadFull(conn, got)
			require.NoError(err)
			require.Equal(resp, got)

			// Closing the local connection closes the destination session.
			require.NoError(conn.Close())
			select {
			case <-closedCh:
			case <-time.After(testTimeout):
				t.Fatal("destination connection was not closed")
			}
		})
	}
}

func TestConcurrentStreams(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	resp := bytes.Repeat([]byte("x"), 100000)
	dst, _ := startResponder(t, resp)
	s := startServer(t, "tcp://127.0.0.1:0", dst)
	c := startClient(t, testConfig(t, fmt.Sprintf("tcp://%v", s.Addrs()[0]), testSecret, 0))
	require.Eventually(c.IsConnected, testTimeout, 10*time.Millisecond)

	const nStreams = 8
	errCh := make(chan error, nStreams)
	for i := 0; i < nStreams; i++ {
		go func() {
			conn, err := net.Dial("tcp", c.LocalAddr().String())
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(testTimeout))
			if _, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
				errCh <- err
				return
			}
			got := make([]byte, len(resp))
			if _, err = io.ReadFull(conn, got); err != nil {
				errCh <- err
				return
			}
			if !bytes.Equal(resp, got) {
				errCh <- fmt.Errorf("response mismatch")
				return
			}
			errCh <- nil
		}()
	}
	for i := 0; i < nStreams; i++ {
		require.NoError(<-errCh)
	}
	require.Equal(1, s.Tunnels())
}

func TestWrongKeyShutsDown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startResponder(t, nil)
	s := startServer(t, "tcp://127.0.0.1:0", dst)
	c := startClient(t, testConfig(t, fmt.Sprintf("tcp://%v", s.Addrs()[0]), "incorrect horse battery staple", 0))

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("client kept running after a failed handshake")
	}
	require.Zero(s.Tunnels())
}

func TestRefusesWhileDisconnected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Grab a port with nothing behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := l.Addr()
	require.NoError(l.Close())

	c := startClient(t, testConfig(t, fmt.Sprintf("tcp://%v", addr), testSecret, 50))
	require.False(c.IsConnected())

	conn, err := net.Dial("tcp", c.LocalAddr().String())
	require.NoError(err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(testTimeout))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst, _ := startResponder(t, []byte("ok"))
	s := startServer(t, "tcp://127.0.0.1:0", dst)
	listen := fmt.Sprintf("tcp://%v", s.Addrs()[0])
	c := startClient(t, testConfig(t, listen, testSecret, 20))
	require.Eventually(c.IsConnected, testTimeout, 10*time.Millisecond)

	s.Shutdown()
	s.Wait()
	require.Eventually(func() bool { return !c.IsConnected() }, testTimeout, 10*time.Millisecond)

	s = startServer(t, listen, dst)
	require.Eventually(c.IsConnected, testTimeout, 10*time.Millisecond)
	require.Eventually(func() bool { return s.Tunnels() == 1 }, testTimeout, 10*time.Millisecond)
}

// unusedAddr returns a loopback address with nothing listening on it.
func unusedAddr(t *testing.T) net.Addr {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	require.NoError(t, l.Close())
	return addr
}

func waitHalted(t *testing.T, c *Client) {
	doneCh := make(chan struct{})
	go func() {
		c.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(testTimeout):
		t.Fatal("client did not shut down")
	}
}

func TestUnreachableBackendShutsDown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// The connector fails immediately and shuts the client down, racing
	// with New itself.
	for i := 0; i < 20; i++ {
		cfg := testConfig(t, fmt.Sprintf("tcp://%v", unusedAddr(t)), testSecret, 0)
		cfg.Listen.Address = unusedAddr(t).String()
		c, err := New(cfg)
		require.NoError(err)
		waitHalted(t, c)

		// The local listener went down with the client.
		_, err = net.DialTimeout("tcp", cfg.Listen.Address, time.Second)
		require.Error(err)
	}
}

func TestRotateLogFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, fmt.Sprintf("tcp://%v", unusedAddr(t)), testSecret, 1000)
	logDir := filepath.Join(t.TempDir(), "logs")
	require.NoError(os.Mkdir(logDir, 0700))
	cfg.Logging = &common.Logging{File: filepath.Join(logDir, "client.log"), Level: "DEBUG"}
	c := startClient(t, cfg)

	require.NoError(os.RemoveAll(logDir))
	c.RotateLog()
	waitHalted(t, c)

	// Rotating after shutdown neither panics nor blocks.
	doneCh := make(chan struct{})
	go func() {
		c.RotateLog()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(testTimeout):
		t.Fatal("RotateLog blocked after shutdown")
	}
}
