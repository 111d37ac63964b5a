// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/log"
	"github.com/katzenpost/katzentunnel/core/tunnel/frames"
)

const testTimeout = 5 * time.Second

var errMemClosed = errors.New("memchannel: closed")

// memChannel is an in-memory Channel.
type memChannel struct {
	in      chan []byte
	out     chan []byte
	closeCh chan struct{}
	once    sync.Once
	peer    *memChannel
}

func memPipe() (*memChannel, *memChannel) {
	ab := make(chan []byte)
	ba := make(chan []byte)
	a := &memChannel{in: ba, out: ab, closeCh: make(chan struct{})}
	b := &memChannel{in: ab, out: ba, closeCh: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) SendMessage(b []byte) error {
	select {
	case c.out <- append([]byte{}, b...):
		return nil
	case <-c.closeCh:
		return errMemClosed
	case <-c.peer.closeCh:
		return io.ErrClosedPipe
	}
}

func (c *memChannel) RecvMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closeCh:
		return nil, errMemClosed
	case <-c.peer.closeCh:
		return nil, io.EOF
	}
}

func (c *memChannel) Close() {
	c.once.Do(func() { close(c.closeCh) })
}

func testLogger(t *testing.T) *logging.Logger {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b.GetLogger("tunnel")
}

// rawPeer speaks frames directly to a tunnel under test.
type rawPeer struct {
	t      *testing.T
	ch     *memChannel
	frames chan *frames.Frame
}

func newRawPeer(t *testing.T, ch *memChannel) *rawPeer {
	p := &rawPeer{t: t, ch: ch, frames: make(chan *frames.Frame, 1024)}
	go func() {
		defer close(p.frames)
		for {
			b, err := ch.RecvMessage()
			if err != nil {
				return
			}
			for len(b) > 0 {
				f, rest, err := frames.FromBytes(b)
				if err != nil {
					t.Errorf("peer received a bad frame: %v", err)
					return
				}
				p.frames <- f
				b = rest
			}
		}
	}()
	t.Cleanup(ch.Close)
	return p
}

func (p *rawPeer) send(fs ...*frames.Frame) {
	require.NoError(p.t, p.ch.SendMessage(frames.Encode(nil, fs...)))
}

func (p *rawPeer) next() *frames.Frame {
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "tunnel went away")
		return f
	case <-time.After(testTimeout):
		require.FailNow(p.t, "timed out waiting for a frame")
	}
	return nil
}

func (p *rawPeer) expect(kind frames.Kind, id uint32) *frames.Frame {
	f := p.next()
	require.Equal(p.t, kind, f.Kind, "stream %d", f.StreamID)
	require.Equal(p.t, id, f.StreamID)
	return f
}

// expectData consumes DATA frames for id carrying exactly n bytes.
func (p *rawPeer) expectData(id uint32, n int) []byte {
	var b []byte
	for len(b) < n {
		f := p.expect(frames.Data, id)
		b = append(b, f.Payload...)
	}
	require.Len(p.t, b, n)
	return b
}

func (p *rawPeer) expectSilence(d time.Duration) {
	select {
	case f, ok := <-p.frames:
		if ok {
			require.FailNow(p.t, "unexpected frame", "%v for stream %d", f.Kind, f.StreamID)
		}
	case <-time.After(d):
	}
}

// countingConn counts Close calls.
type countingConn struct {
	net.Conn
	closes *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type testSession struct {
	id   uint32
	conn net.Conn
}

// testFrontend hands the far end of every session to the test.
type testFrontend struct {
	sessions chan *testSession
	closes   atomic.Int32

	sync.Mutex
	err error
}

func newTestFrontend() *testFrontend {
	return &testFrontend{sessions: make(chan *testSession, 64)}
}

func (fe *testFrontend) setErr(err error) {
	fe.Lock()
	defer fe.Unlock()
	fe.err = err
}

func (fe *testFrontend) Open(ctx context.Context, id uint32) (io.ReadWriteCloser, error) {
	fe.Lock()
	err := fe.err
	fe.Unlock()
	if err != nil {
		return nil, err
	}
	a, b := net.Pipe()
	fe.sessions <- &testSession{id: id, conn: b}
	return &countingConn{Conn: a, closes: &fe.closes}, nil
}

func (fe *testFrontend) next(t *testing.T) *testSession {
	select {
	case s := <-fe.sessions:
		t.Cleanup(func() { s.conn.Close() })
		return s
	case <-time.After(testTimeout):
		require.FailNow(t, "timed out waiting for a frontend session")
	}
	return nil
}

// echoFrontend echoes every stream back to the client.
type echoFrontend struct{}

func (echoFrontend) Open(ctx context.Context, id uint32) (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	go func() {
		defer b.Close()
		io.Copy(b, b)
	}()
	return a, nil
}

func newTunnel(t *testing.T, ch Channel, fe Frontend, mod func(*Config)) *Tunnel {
	cfg := &Config{
		Frontend: fe,
		Log:      testLogger(t),
	}
	if mod != nil {
		mod(cfg)
	}
	tun, err := New(ch, cfg)
	require.NoError(t, err)
	t.Cleanup(tun.Close)
	return tun
}

func tunnelPair(t *testing.T, fe Frontend, mod func(*Config)) (*Tunnel, *Tunnel) {
	a, b := memPipe()
	return newTunnel(t, a, nil, mod), newTunnel(t, b, fe, mod)
}

func (t *Tunnel) numProtocolErrors() int {
	t.Lock()
	defer t.Unlock()
	return t.protocolErrors
}

func localPipe(t *testing.T) (net.Conn, net.Conn) {
	app, local := net.Pipe()
	t.Cleanup(func() {
		app.Close()
		local.Close()
	})
	return app, local
}
