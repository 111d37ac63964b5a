// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/katzenpost/katzentunnel/core/tunnel/frames"
	"github.com/katzenpost/katzentunnel/internal/instrument"
)

// State is the lifecycle state of a stream.
type State int

const (
	// StateOpening is a stream that has not been announced (client), or
	// whose Frontend session is being opened (server).
	StateOpening State = iota
	// StateOpen is a stream carrying data in both directions.
	StateOpen
	// StateClosing is a stream that has sent CLOSE and awaits the peer's.
	StateClosing
	// StateClosed is a stream that has been evicted or torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type stream struct {
	sync.Mutex

	t  *Tunnel
	id uint32

	ctx    context.Context
	cancel context.CancelFunc

	conn      io.ReadWriteCloser
	closeOnce sync.Once

	state        State
	remoteClosed bool
	aborted      bool
	unacked      int
	pending      int
	inbound      [][]byte
	timer        *time.Timer

	inboundCh chan struct{}
	creditCh  chan struct{}
}

func newStream(t *Tunnel, id uint32, conn io.ReadWriteCloser) *stream {
	s := &stream{
		t:         t,
		id:        id,
		conn:      conn,
		state:     StateOpening,
		inboundCh: make(chan struct{}, 1),
		creditCh:  make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *stream) getState() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *stream) isRemoteClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.remoteClosed
}

// send queues a frame behind this stream's earlier frames.
func (s *stream) send(f *frames.Frame) bool {
	select {
	case s.t.dataCh <- &outFrame{f: f, s: s}:
		return true
	case <-s.ctx.Done():
	case <-s.t.HaltCh():
	}
	return false
}

// open asks the Frontend for a session, and runs the stream on it.
func (s *stream) open(fe Frontend) {
	conn, err := fe.Open(s.ctx, s.id)
	if err != nil {
		s.closeLocal(err)
		return
	}

	s.Lock()
	if s.state != StateOpening || s.ctx.Err() != nil {
		s.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.Unlock()

	if !s.t.goStream(s.drain) {
		s.abort()
		return
	}
	s.pump(false)
}

// pump reads from the local connection and sends DATA, never letting more
// than the watermark go unacknowledged.
func (s *stream) pump(announce bool) {
	if announce {
		if !s.send(frames.NewOpen(s.id)) {
			return
		}
		s.Lock()
		if s.state == StateOpening {
			s.state = StateOpen
		}
		s.Unlock()
	}

	buf := make([]byte, frames.MaxDataLength)
	for {
		n, ok := s.window()
		if !ok {
			return
		}
		rn, err := s.conn.Read(buf[:n])
		if rn > 0 {
			b := make([]byte, rn)
			copy(b, buf[:rn])

			s.Lock()
			s.unacked += rn
			s.Unlock()
			if !s.send(frames.NewData(s.id, b)) {
				return
			}
			instrument.BytesTunneled(instrument.DirectionOut, rn)
		}
		if err != nil {
			s.closeLocal(err)
			return
		}
	}
}

// window blocks until the stream may send, and returns how many bytes it
// may read from the local connection.
func (s *stream) window() (int, bool) {
	for {
		s.Lock()
		w := s.t.cfg.Watermark - s.unacked
		s.Unlock()
		if w > 0 {
			return min(w, frames.MaxDataLength), true
		}
		select {
		case <-s.creditCh:
		case <-s.ctx.Done():
			return 0, false
		}
	}
}

// drain writes data received from the peer to the local connection, and
// returns credit as it goes.
func (s *stream) drain() {
	for {
		s.Lock()
		for len(s.inbound) == 0 && !s.remoteClosed {
			s.Unlock()
			select {
			case <-s.inboundCh:
			case <-s.ctx.Done():
				return
			}
			s.Lock()
		}
		q := s.inbound
		s.inbound = nil
		eof := s.remoteClosed
		s.Unlock()

		n := 0
		for _, b := range q {
			if _, err := s.conn.Write(b); err != nil {
				if s.isRemoteClosed() {
					s.release()
				} else {
					s.closeLocal(err)
				}
				return
			}
			n += len(b)
		}
		if eof {
			s.release()
			return
		}
		if n > 0 {
			s.Lock()
			s.pending -= n
			s.Unlock()
			s.t.ctrl.push(frames.NewAck(s.id, uint32(n)))
		}
	}
}

// deliver queues data from the peer for drain.  The peer may have at most
// the watermark outstanding without credit.
func (s *stream) deliver(b []byte) error {
	s.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.Unlock()
		return nil
	}
	if s.pending+len(b) > s.t.cfg.Watermark {
		s.Unlock()
		return errors.New("data exceeds the watermark")
	}
	s.pending += len(b)
	s.inbound = append(s.inbound, b)
	s.Unlock()
	wake(s.inboundCh)
	return nil
}

func (s *stream) credit(n int) error {
	s.Lock()
	defer s.Unlock()
	defer wake(s.creditCh)

	if n > s.unacked {
		s.unacked = 0
		return errors.New("credit exceeds unacknowledged bytes")
	}
	s.unacked -= n
	return nil
}

// closeLocal handles the end of the local connection or Frontend session:
// CLOSE is sent, local resources are released, and the entry lingers in
// the table until the peer acknowledges or the grace period expires.
func (s *stream) closeLocal(err error) {
	s.Lock()
	switch {
	case s.remoteClosed:
		// drain owns the release.
		s.Unlock()
		return
	case s.state != StateOpening && s.state != StateOpen:
		s.Unlock()
		s.release()
		return
	}
	s.state = StateClosing
	s.Unlock()

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.t.log.Debugf("%v", &StreamError{StreamID: s.id, Err: err})
	}
	s.send(frames.NewClose(s.id))
	s.release()

	s.Lock()
	if s.state == StateClosing {
		s.timer = time.AfterFunc(s.t.cfg.CloseGracePeriod, func() {
			s.t.log.Debugf("Stream %d: CLOSE not acknowledged, evicting.", s.id)
			s.t.evict(s)
		})
	}
	s.Unlock()
}

// onRemoteClose handles a CLOSE from the peer.  It returns true iff an
// acknowledgment must be sent.
func (s *stream) onRemoteClose() bool {
	s.Lock()
	switch s.state {
	case StateClosing:
		s.state = StateClosed
		s.stopTimer()
		s.Unlock()
		return false
	case StateClosed:
		s.Unlock()
		return false
	}
	s.remoteClosed = true
	s.state = StateClosed
	attached := s.conn != nil
	if attached {
		s.timer = time.AfterFunc(s.t.cfg.CloseGracePeriod, s.release)
	}
	s.Unlock()

	if attached {
		wake(s.inboundCh)
	} else {
		s.release()
	}
	return true
}

// abort fails the stream without any further frames.
func (s *stream) abort() {
	s.Lock()
	s.state = StateClosed
	s.aborted = true
	s.Unlock()
	s.release()
}

func (s *stream) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *stream) release() {
	s.Lock()
	conn := s.conn
	s.inbound = nil
	s.stopTimer()
	s.Unlock()

	s.cancel()
	s.closeOnce.Do(func() {
		if conn != nil {
			conn.Close()
		}
	})
}
