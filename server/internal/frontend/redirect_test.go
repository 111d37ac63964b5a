// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package frontend

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/log"
)

func testLogger(t *testing.T) *logging.Logger {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b.GetLogger("frontend")
}

func hostPort(t *testing.T, addr net.Addr) (string, uint16) {
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	p, err := strconv.ParseUint(port, 10, 16)
	require.NoError(t, err)
	return host, uint16(p)
}

func TestRedirect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	host, port := hostPort(t, l.Addr())
	r, err := NewRedirect(&RedirectConfig{Host: host, Port: port, Log: testLogger(t)})
	require.NoError(err)
	require.Equal(l.Addr().String(), r.Addr())

	conn, err := r.Open(context.Background(), 1)
	require.NoError(err)
	defer conn.Close()

	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	_, err = conn.Write(msg)
	require.NoError(err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.Equal(msg, got)
}

func TestRedirectRefused(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Reserve a port, then stop listening on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	host, port := hostPort(t, l.Addr())
	require.NoError(l.Close())

	r, err := NewRedirect(&RedirectConfig{
		Host:         host,
		Port:         port,
		DialAttempts: 3,
		RetryDelay:   10 * time.Millisecond,
		Log:          testLogger(t),
	})
	require.NoError(err)

	_, err = r.Open(context.Background(), 1)
	require.ErrorIs(err, ErrUnavailable)
}

func TestRedirectCancel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	host, port := hostPort(t, l.Addr())
	require.NoError(l.Close())

	r, err := NewRedirect(&RedirectConfig{
		Host:         host,
		Port:         port,
		DialAttempts: 100,
		RetryDelay:   time.Second,
		Log:          testLogger(t),
	})
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.Open(ctx, 1)
	require.Error(err)
	require.Less(time.Since(start), 5*time.Second)
}

func TestNewRedirectValidation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := NewRedirect(&RedirectConfig{Port: 80, Log: testLogger(t)})
	require.Error(err)
	_, err = NewRedirect(&RedirectConfig{Host: "localhost", Log: testLogger(t)})
	require.Error(err)
	_, err = NewRedirect(&RedirectConfig{Host: "localhost", Port: 80})
	require.Error(err)
}
