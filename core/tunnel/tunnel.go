// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package tunnel multiplexes many logical streams over one record layer
// session.  Both halves of the tunnel share it: the client half announces
// streams for local connections with OpenStream, and the server half opens
// a Frontend session for every stream the peer announces.
package tunnel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/record"
	"github.com/katzenpost/katzentunnel/core/tunnel/frames"
	"github.com/katzenpost/katzentunnel/core/worker"
	"github.com/katzenpost/katzentunnel/internal/instrument"
)

const (
	// DefaultWatermark is the default limit of unacknowledged bytes per
	// stream.
	DefaultWatermark = 256 * 1024

	// DefaultCloseGracePeriod is the default time a closing stream waits
	// for the peer's CLOSE.
	DefaultCloseGracePeriod = 30 * time.Second

	// DefaultMaxProtocolErrors is the default number of protocol errors
	// tolerated on a tunnel.
	DefaultMaxProtocolErrors = 32

	// MaxRecordPayload is the most frame bytes coalesced into one record.
	MaxRecordPayload = 64 * 1024

	dataQueueLength = 64
)

// Channel is the message channel a tunnel runs over.  *record.Session
// implements it.
type Channel interface {
	SendMessage([]byte) error
	RecvMessage() ([]byte, error)
	Close()
}

// Frontend opens the destination of a stream announced by the peer.
type Frontend interface {
	Open(ctx context.Context, streamID uint32) (io.ReadWriteCloser, error)
}

// Config is a tunnel configuration.
type Config struct {
	// Watermark is the maximum number of unacknowledged bytes a stream may
	// have in flight before reading from its local connection pauses.
	Watermark int

	// CloseGracePeriod is how long a closed stream id stays reserved
	// waiting for the peer's CLOSE.
	CloseGracePeriod time.Duration

	// MaxProtocolErrors is the number of protocol errors after which the
	// tunnel is torn down.
	MaxProtocolErrors int

	// Frontend opens streams announced by the peer.  It is nil on the
	// client half, where OPEN frames from the peer are protocol errors.
	Frontend Frontend

	// Log is the logger used by the tunnel.
	Log *logging.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Watermark <= 0 {
		cfg.Watermark = DefaultWatermark
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = DefaultMaxProtocolErrors
	}
}

type outFrame struct {
	f *frames.Frame
	s *stream
}

// stale returns true iff the frame must not reach the peer: DATA for a
// stream the peer has already closed, or anything from an aborted stream.
func (o *outFrame) stale() bool {
	o.s.Lock()
	defer o.s.Unlock()
	return o.s.aborted || (o.f.Kind == frames.Data && o.s.remoteClosed)
}

// Tunnel is one endpoint of a multiplexed tunnel.
type Tunnel struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	cfg Config
	ch  Channel

	ctrl   *controlQueue
	dataCh chan *outFrame

	streams        map[uint32]*stream
	nextID         uint32
	protocolErrors int
	err            error
}

// OpenStream announces a new stream carrying conn, and returns its id.
// The tunnel owns conn from then on, and closes it when the stream ends.
func (t *Tunnel) OpenStream(conn io.ReadWriteCloser) (uint32, error) {
	t.Lock()
	defer t.Unlock()

	if t.err != nil {
		return 0, ErrTunnelClosed
	}
	id := t.allocID()
	s := newStream(t, id, conn)
	t.streams[id] = s
	instrument.StreamOpened()

	t.Go(s.drain)
	t.Go(func() { s.pump(true) })
	return id, nil
}

func (t *Tunnel) allocID() uint32 {
	for {
		t.nextID++
		if t.nextID == 0 {
			continue
		}
		if _, ok := t.streams[t.nextID]; !ok {
			return t.nextID
		}
	}
}

// goStream starts fn unless the tunnel is being torn down.
func (t *Tunnel) goStream(fn func()) bool {
	t.Lock()
	defer t.Unlock()

	if t.err != nil {
		return false
	}
	t.Go(fn)
	return true
}

// Streams returns the number of stream ids currently in use.
func (t *Tunnel) Streams() int {
	t.Lock()
	defer t.Unlock()
	return len(t.streams)
}

// StreamState returns the state of the stream id, if it is in use.
func (t *Tunnel) StreamState(id uint32) (State, bool) {
	t.Lock()
	s, ok := t.streams[id]
	t.Unlock()
	if !ok {
		return StateClosed, false
	}
	return s.getState(), true
}

// Err returns the reason the tunnel was torn down, or nil.
func (t *Tunnel) Err() error {
	t.Lock()
	defer t.Unlock()
	return t.err
}

// Close tears down the tunnel, failing every stream, and waits for all of
// the tunnel's goroutines to return.
func (t *Tunnel) Close() {
	t.fail(ErrTunnelClosed)
	t.Wait()
}

func (t *Tunnel) fail(err error) {
	t.Lock()
	if t.err != nil {
		t.Unlock()
		return
	}
	t.err = err
	streams := t.streams
	t.streams = make(map[uint32]*stream)
	t.Unlock()

	var ie *record.IntegrityError
	switch {
	case errors.As(err, &ie):
		instrument.IntegrityFailure()
		t.log.Errorf("Tearing down tunnel: %v", err)
	case errors.Is(err, record.ErrRemoteReset), errors.Is(err, ErrTooManyProtocolErrors):
		t.log.Errorf("Tearing down tunnel: %v", err)
	case errors.Is(err, io.EOF):
		t.log.Noticef("Peer closed the tunnel.")
	case errors.Is(err, ErrTunnelClosed):
		t.log.Noticef("Closing tunnel.")
	default:
		t.log.Warningf("Tearing down tunnel: %v", err)
	}

	t.Signal()
	t.ch.Close()
	for id, s := range streams {
		s.abort()
		instrument.StreamClosed()
		t.log.Debugf("%v", &StreamError{StreamID: id, Err: ErrTunnelClosed})
	}
}

func (t *Tunnel) evict(s *stream) {
	t.Lock()
	if cur, ok := t.streams[s.id]; ok && cur == s {
		delete(t.streams, s.id)
		instrument.StreamClosed()
	}
	t.Unlock()

	s.Lock()
	s.state = StateClosed
	s.Unlock()
}

func (t *Tunnel) lookup(id uint32) *stream {
	t.Lock()
	defer t.Unlock()
	return t.streams[id]
}

func (t *Tunnel) protocolError(e *ProtocolError) {
	instrument.ProtocolError()
	t.log.Warningf("%v", e)

	t.Lock()
	t.protocolErrors++
	n := t.protocolErrors
	t.Unlock()
	if n > t.cfg.MaxProtocolErrors {
		t.fail(ErrTooManyProtocolErrors)
	}
}

func (t *Tunnel) writer() {
	var pending *outFrame
	buf := make([]byte, 0, MaxRecordPayload)
	for {
		if pending == nil && t.ctrl.len() == 0 {
			select {
			case <-t.HaltCh():
				return
			case <-t.ctrl.signal:
			case pending = <-t.dataCh:
			}
		}

		// Control frames first, then as much stream data as fits.
		buf = t.ctrl.drain(buf[:0], MaxRecordPayload)
		for {
			if pending == nil {
				select {
				case pending = <-t.dataCh:
				default:
				}
				if pending == nil {
					break
				}
			}
			if pending.stale() {
				pending = nil
				continue
			}
			if len(buf)+pending.f.Length() > MaxRecordPayload {
				break
			}
			buf = pending.f.AppendTo(buf)
			pending = nil
		}
		if len(buf) == 0 {
			continue
		}

		if err := t.ch.SendMessage(buf); err != nil {
			t.fail(err)
			return
		}
		instrument.RecordSent()
	}
}

func (t *Tunnel) reader() {
	for {
		b, err := t.ch.RecvMessage()
		if err != nil {
			t.fail(err)
			return
		}
		instrument.RecordReceived()
		t.onRecord(b)
	}
}

func (t *Tunnel) onRecord(b []byte) {
	for len(b) > 0 {
		if t.IsHalted() {
			return
		}
		f, rest, err := frames.FromBytes(b)
		if err != nil {
			var ife *frames.InvalidFrameError
			if errors.As(err, &ife) {
				t.protocolError(&ProtocolError{StreamID: ife.StreamID, Kind: ife.Kind, Reason: ife.Reason})
			} else {
				t.protocolError(&ProtocolError{Kind: frames.Kind(b[0]), Reason: err.Error()})
			}
			if rest == nil {
				return
			}
			b = rest
			continue
		}
		b = rest

		switch f.Kind {
		case frames.Open:
			t.onOpen(f.StreamID)
		case frames.Data:
			t.onData(f)
		case frames.Close:
			t.onClose(f.StreamID)
		case frames.Ack:
			t.onAck(f)
		case frames.Padding:
		}
	}
}

func (t *Tunnel) onOpen(id uint32) {
	if t.cfg.Frontend == nil {
		t.protocolError(&ProtocolError{StreamID: id, Kind: frames.Open, Reason: "unexpected OPEN"})
		return
	}

	t.Lock()
	if t.err != nil {
		t.Unlock()
		return
	}
	old := t.streams[id]
	s := newStream(t, id, nil)
	t.streams[id] = s
	t.Unlock()

	if old != nil {
		t.log.Debugf("Stream %d: OPEN for a live id, closing the old session.", id)
		old.abort()
		instrument.StreamClosed()
	}
	instrument.StreamOpened()

	fe := t.cfg.Frontend
	if !t.goStream(func() { s.open(fe) }) {
		s.abort()
	}
}

func (t *Tunnel) onData(f *frames.Frame) {
	s := t.lookup(f.StreamID)
	if s == nil {
		t.protocolError(&ProtocolError{StreamID: f.StreamID, Kind: frames.Data, Reason: "unknown stream"})
		return
	}
	if err := s.deliver(f.Payload); err != nil {
		// The stream is no longer intact, so it is closed as well.
		t.protocolError(&ProtocolError{StreamID: f.StreamID, Kind: frames.Data, Reason: err.Error()})
		t.goStream(func() { s.closeLocal(err) })
		return
	}
	instrument.BytesTunneled(instrument.DirectionIn, len(f.Payload))
}

func (t *Tunnel) onClose(id uint32) {
	s := t.lookup(id)
	if s == nil {
		t.protocolError(&ProtocolError{StreamID: id, Kind: frames.Close, Reason: "unknown stream"})
		return
	}
	if s.onRemoteClose() {
		t.ctrl.push(frames.NewClose(id))
	}
	t.evict(s)
}

func (t *Tunnel) onAck(f *frames.Frame) {
	s := t.lookup(f.StreamID)
	if s == nil {
		// Credit may cross the peer's CLOSE.
		t.log.Debugf("Stream %d: ignoring ACK for unknown stream.", f.StreamID)
		return
	}
	if err := s.credit(int(f.Credit())); err != nil {
		t.protocolError(&ProtocolError{StreamID: f.StreamID, Kind: frames.Ack, Reason: err.Error()})
	}
}

// New starts a tunnel endpoint over ch.  The tunnel owns ch from then on.
func New(ch Channel, cfg *Config) (*Tunnel, error) {
	if cfg.Log == nil {
		return nil, errors.New("tunnel: no logger")
	}
	t := &Tunnel{
		log:     cfg.Log,
		cfg:     *cfg,
		ch:      ch,
		ctrl:    newControlQueue(),
		dataCh:  make(chan *outFrame, dataQueueLength),
		streams: make(map[uint32]*stream),
	}
	t.cfg.applyDefaults()

	t.Go(t.reader)
	t.Go(t.writer)
	return t, nil
}
