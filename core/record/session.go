// session.go - Record layer session.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

// Package record implements the tunnel record layer: a Noise NNpsk0
// handshake keyed by a pre-shared secret, followed by a stream of sealed,
// implicitly sequenced records over a single backend connection.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"
)

const (
	// ProtocolVersion is the record layer protocol version.
	ProtocolVersion = 1

	// MaxPayloadLength is the largest payload a single record can carry.
	MaxPayloadLength = maxMsgLen - macLen - bodyHeaderLen

	// DefaultMaxClockSkew is the default tolerated difference between the
	// initiator's clock and the responder's clock.
	DefaultMaxClockSkew = 10 * time.Minute

	maxMsgLen     = 1048576
	macLen        = 16
	seqLen        = 8
	lenHeaderLen  = 4
	bodyHeaderLen = 3
	headerCtLen   = lenHeaderLen + macLen
	minBodyCtLen  = bodyHeaderLen + macLen

	// e + encrypted hello + tag, identical in both directions.
	handshakeMsgLen = 32 + helloLength + macLen

	controlWriteTimeout = 5 * time.Second
)

var prologue = []byte{ProtocolVersion}

const (
	stateInit        uint32 = 0
	stateEstablished uint32 = 1
	stateInvalid     uint32 = 2
)

type recordType uint8

const (
	recordData   recordType = 1
	recordNoData recordType = 3
	recordReset  recordType = 0xfe
	recordClose  recordType = 0xff
)

// Padder returns the number of padding bytes to append to a record that
// carries payloadLen bytes of payload.  Results are clamped to what fits
// in a record.
type Padder func(payloadLen int) int

// NoPadding is the default Padder.
func NoPadding(int) int {
	return 0
}

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// PresharedKey is the Noise pre-shared key, as returned by DerivePSK.
	PresharedKey []byte

	// RandomReader is a cryptographic entropy source.  If nil the hpqc
	// system entropy source is used.
	RandomReader io.Reader

	// Padder is the record padding policy.  If nil, NoPadding is used.
	Padder Padder

	// ReplayFilter is consulted by responders to reject replayed
	// handshakes.  It is ignored by initiators and may be nil.
	ReplayFilter *ReplayFilter

	// MaxClockSkew is the largest accepted difference between the peer's
	// handshake timestamp and the local clock.  If zero,
	// DefaultMaxClockSkew is used.
	MaxClockSkew time.Duration
}

// Session is a record layer session bound to one backend connection.
type Session struct {
	conn net.Conn

	protocol *nyquist.Protocol
	psk      []byte

	randReader   io.Reader
	padder       Padder
	replay       *ReplayFilter
	maxClockSkew time.Duration

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	txMutex sync.Mutex
	rxMutex sync.Mutex
	txSeq   uint64
	rxSeq   uint64

	closeOnce sync.Once

	clockSkew   time.Duration
	state       uint32
	isInitiator bool
}

func (s *Session) handshakeError(state HandshakeState, msg string, err error) *HandshakeError {
	return &HandshakeError{
		State:           state,
		Message:         msg,
		UnderlyingError: err,
		IsInitiator:     s.isInitiator,
		ProtocolName:    s.protocol.String(),
		Connection:      newConnectionInfo(s.conn),
	}
}

func (s *Session) checkHello(raw []byte, now time.Time) *HandshakeError {
	h, err := helloFromBytes(raw)
	if err != nil {
		return s.handshakeError(HandshakeStateHello, "malformed hello", err)
	}
	if h.Version != ProtocolVersion {
		return s.handshakeError(HandshakeStateHello, fmt.Sprintf("unsupported protocol version %d", h.Version), nil)
	}
	s.clockSkew = now.Sub(time.Unix(h.UnixTime, 0))
	if !s.isInitiator {
		skew := s.clockSkew
		if skew < 0 {
			skew = -skew
		}
		if skew > s.maxClockSkew {
			return s.handshakeError(HandshakeStateHello, fmt.Sprintf("clock skew %v exceeds %v", s.clockSkew, s.maxClockSkew), nil)
		}
	}
	return nil
}

func (s *Session) handshake() error {
	defer atomic.CompareAndSwapUint32(&s.state, stateInit, stateInvalid)

	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:       s.protocol,
		Prologue:       prologue,
		PreSharedKeys:  [][]byte{s.psk},
		Rng:            s.randReader,
		MaxMessageSize: maxMsgLen,
		IsInitiator:    s.isInitiator,
	})
	if err != nil {
		return s.handshakeError(HandshakeStateInit, "failed to create handshake", err)
	}
	defer hs.Reset()

	ourHello, err := (&hello{Version: ProtocolVersion, UnixTime: time.Now().Unix()}).toBytes()
	if err != nil {
		return s.handshakeError(HandshakeStateInit, "failed to encode hello", err)
	}

	if s.isInitiator {
		// -> psk, e, (hello)
		msg1, err := hs.WriteMessage(make([]byte, 0, handshakeMsgLen), ourHello)
		if err != nil {
			return s.handshakeError(HandshakeStateMsg1Send, "failed to build message 1", err)
		}
		if _, err = s.conn.Write(msg1); err != nil {
			return s.handshakeError(HandshakeStateMsg1Send, "failed to send message 1", err)
		}

		// <- e, ee, (hello)
		msg2 := make([]byte, handshakeMsgLen)
		if _, err = io.ReadFull(s.conn, msg2); err != nil {
			// The responder hangs up without a word on authentication
			// failure, so this is where a wrong key ends up.
			e := s.handshakeError(HandshakeStateMsg2Receive, "failed to receive message 2", err)
			e.MessageNumber, e.ExpectedSize = 2, handshakeMsgLen
			return e
		}
		now := time.Now()
		peerHello, err := hs.ReadMessage(nil, msg2)
		switch err {
		case nyquist.ErrDone:
		case nil:
			return s.handshakeError(HandshakeStateMsg2Receive, "handshake did not complete", nil)
		default:
			return s.handshakeError(HandshakeStateMsg2Receive, "failed to authenticate message 2", err)
		}
		if herr := s.checkHello(peerHello, now); herr != nil {
			return herr
		}
	} else {
		// -> psk, e, (hello)
		msg1 := make([]byte, handshakeMsgLen)
		if _, err = io.ReadFull(s.conn, msg1); err != nil {
			e := s.handshakeError(HandshakeStateMsg1Receive, "failed to receive message 1", err)
			e.MessageNumber, e.ExpectedSize = 1, handshakeMsgLen
			return e
		}
		now := time.Now()
		peerHello, err := hs.ReadMessage(nil, msg1)
		if err != nil {
			return s.handshakeError(HandshakeStateMsg1Receive, "failed to authenticate message 1", err)
		}
		if herr := s.checkHello(peerHello, now); herr != nil {
			return herr
		}
		if s.replay != nil && s.replay.IsReplay(msg1[:32]) {
			return s.handshakeError(HandshakeStateReplay, "replayed handshake", nil)
		}

		// <- e, ee, (hello)
		msg2, err := hs.WriteMessage(make([]byte, 0, handshakeMsgLen), ourHello)
		switch err {
		case nyquist.ErrDone:
		case nil:
			return s.handshakeError(HandshakeStateMsg2Send, "handshake did not complete", nil)
		default:
			return s.handshakeError(HandshakeStateMsg2Send, "failed to build message 2", err)
		}
		if _, err = s.conn.Write(msg2); err != nil {
			return s.handshakeError(HandshakeStateMsg2Send, "failed to send message 2", err)
		}
	}

	status := hs.GetStatus()
	if s.isInitiator {
		s.tx, s.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		s.rx, s.tx = status.CipherStates[0], status.CipherStates[1]
	}
	atomic.StoreUint32(&s.state, stateEstablished)
	return nil
}

func (s *Session) finalizeHandshake() error {
	if s.isInitiator {
		// Initiator: The responder sends a nodata record immediately upon
		// completing the handshake.
		t, _, err := s.recvRecord()
		if err != nil {
			return s.handshakeError(HandshakeStateFinalization, "failed to receive confirmation", err)
		}
		if t != recordNoData {
			return s.handshakeError(HandshakeStateFinalization, fmt.Sprintf("unexpected record type 0x%02x", uint8(t)), nil)
		}
		return nil
	}

	// Responder: the nodata record proves key possession to the initiator.
	if err := s.sendRecord(recordNoData, nil); err != nil {
		return s.handshakeError(HandshakeStateFinalization, "failed to send confirmation", err)
	}
	return nil
}

// Initialize takes an established net.Conn, binds it to the Session, and
// conducts the record layer handshake.  The caller is responsible for
// any deadline on conn.
func (s *Session) Initialize(conn net.Conn) error {
	if atomic.LoadUint32(&s.state) != stateInit {
		return ErrSessionInvalid
	}
	s.conn = conn
	if err := s.handshake(); err != nil {
		return err
	}
	if err := s.finalizeHandshake(); err != nil {
		atomic.StoreUint32(&s.state, stateInvalid)
		return err
	}
	return nil
}

func (s *Session) seal(dst []byte, t recordType, payload []byte) ([]byte, error) {
	padLen := s.padder(len(payload))
	if room := maxMsgLen - macLen - bodyHeaderLen - len(payload); padLen > room {
		padLen = room
	}
	if padLen > 0xffff {
		padLen = 0xffff
	}
	if padLen < 0 {
		padLen = 0
	}

	body := make([]byte, bodyHeaderLen+len(payload)+padLen)
	body[0] = uint8(t)
	binary.BigEndian.PutUint16(body[1:3], uint16(padLen))
	copy(body[bodyHeaderLen:], payload)

	var ad [seqLen]byte
	binary.BigEndian.PutUint64(ad[:], s.txSeq)
	var hdr [lenHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)+macLen))

	var err error
	s.tx.SetNonce(2 * s.txSeq)
	if dst, err = s.tx.EncryptWithAd(dst, ad[:], hdr[:]); err != nil {
		return nil, err
	}
	s.tx.SetNonce(2*s.txSeq + 1)
	if dst, err = s.tx.EncryptWithAd(dst, ad[:], body); err != nil {
		return nil, err
	}
	if err = s.tx.Rekey(); err != nil {
		return nil, err
	}
	s.txSeq++
	return dst, nil
}

func (s *Session) sendRecord(t recordType, payload []byte) error {
	s.txMutex.Lock()
	defer s.txMutex.Unlock()

	if atomic.LoadUint32(&s.state) != stateEstablished {
		return ErrSessionInvalid
	}

	toSend, err := s.seal(make([]byte, 0, headerCtLen+bodyHeaderLen+len(payload)+macLen), t, payload)
	if err != nil {
		atomic.StoreUint32(&s.state, stateInvalid)
		return err
	}
	if _, err = s.conn.Write(toSend); err != nil {
		// All write errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
		return &BackendError{Op: "write", Err: err}
	}
	return nil
}

// sendControl makes a best-effort attempt to send a reset or close record
// without waiting behind a blocked writer.
func (s *Session) sendControl(t recordType) {
	if !s.txMutex.TryLock() {
		return
	}
	defer s.txMutex.Unlock()

	if s.tx == nil || !s.tx.HasKey() {
		return
	}
	toSend, err := s.seal(nil, t, nil)
	if err != nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	s.conn.Write(toSend)
}

// SendMessage seals payload into a single data record and writes it to the
// backend connection.  Concurrent callers are serialized.
func (s *Session) SendMessage(payload []byte) error {
	if len(payload) > MaxPayloadLength {
		return ErrMessageSize
	}
	return s.sendRecord(recordData, payload)
}

func (s *Session) recvRecord() (recordType, []byte, error) {
	s.rxMutex.Lock()
	defer s.rxMutex.Unlock()

	if atomic.LoadUint32(&s.state) != stateEstablished {
		return 0, nil, ErrSessionInvalid
	}

	var ad [seqLen]byte
	binary.BigEndian.PutUint64(ad[:], s.rxSeq)

	var hdrCt [headerCtLen]byte
	if _, err := io.ReadFull(s.conn, hdrCt[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = errInsecureClose
		}
		return 0, nil, &BackendError{Op: "read", Err: err}
	}
	s.rx.SetNonce(2 * s.rxSeq)
	hdr, err := s.rx.DecryptWithAd(nil, ad[:], hdrCt[:])
	if err != nil {
		return 0, nil, &IntegrityError{Reason: "header authentication failed", Seq: s.rxSeq}
	}
	ctLen := binary.BigEndian.Uint32(hdr)
	if ctLen < minBodyCtLen || ctLen > maxMsgLen {
		return 0, nil, &IntegrityError{Reason: fmt.Sprintf("invalid record length %d", ctLen), Seq: s.rxSeq}
	}

	ct := make([]byte, ctLen)
	if _, err = io.ReadFull(s.conn, ct); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, &BackendError{Op: "read", Err: err}
	}
	s.rx.SetNonce(2*s.rxSeq + 1)
	body, err := s.rx.DecryptWithAd(ct[:0], ad[:], ct)
	if err != nil {
		return 0, nil, &IntegrityError{Reason: "body authentication failed", Seq: s.rxSeq}
	}
	if err = s.rx.Rekey(); err != nil {
		return 0, nil, err
	}
	s.rxSeq++

	padLen := int(binary.BigEndian.Uint16(body[1:3]))
	if bodyHeaderLen+padLen > len(body) {
		return 0, nil, &IntegrityError{Reason: "invalid padding length", Seq: s.rxSeq - 1}
	}
	return recordType(body[0]), body[bodyHeaderLen : len(body)-padLen], nil
}

// RecvMessage receives the next data record's payload off the backend
// connection.  It returns io.EOF after the peer's secure close, and
// ErrRemoteReset if the peer aborted the session.  Every error is fatal
// to the Session.
func (s *Session) RecvMessage() ([]byte, error) {
	b, err := s.recvMessageImpl()
	if err != nil {
		var ie *IntegrityError
		if errors.As(err, &ie) {
			s.sendControl(recordReset)
		}
		// All receive errors are fatal.
		atomic.StoreUint32(&s.state, stateInvalid)
	}
	return b, err
}

func (s *Session) recvMessageImpl() ([]byte, error) {
	for {
		t, payload, err := s.recvRecord()
		if err != nil {
			return nil, err
		}
		switch t {
		case recordData:
			return payload, nil
		case recordNoData:
		case recordReset:
			return nil, ErrRemoteReset
		case recordClose:
			return nil, io.EOF
		default:
			return nil, &IntegrityError{Reason: fmt.Sprintf("unknown record type 0x%02x", uint8(t)), Seq: s.rxSeq - 1}
		}
	}
}

// Close terminates a session, sending a close record if the session is
// still established.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if atomic.SwapUint32(&s.state, stateInvalid) == stateEstablished {
			s.sendControl(recordClose)
		}
		if s.conn != nil {
			s.conn.Close()
		}

		// The Noise library doesn't have a way to explcitly clear
		// cryptographic state.  Without an underlying crypto break, Rekey()
		// is backtracking resistant.
		s.txMutex.Lock()
		if s.tx != nil {
			s.tx.Rekey()
			s.tx.Reset()
		}
		s.txMutex.Unlock()
		s.rxMutex.Lock()
		if s.rx != nil {
			s.rx.Rekey()
			s.rx.Reset()
		}
		s.rxMutex.Unlock()
		for i := range s.psk {
			s.psk[i] = 0
		}
	})
}

// IsInitiator returns true iff the session was created as the initiator.
func (s *Session) IsInitiator() bool {
	return s.isInitiator
}

// ClockSkew returns the approximate difference between the local clock and
// the peer's clock, as observed during the handshake.
func (s *Session) ClockSkew() time.Duration {
	return s.clockSkew
}

// RemoteAddr returns the backend connection's remote address.
func (s *Session) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// NewSession creates a new Session.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if len(cfg.PresharedKey) != nyquist.PreSharedKeySize {
		return nil, errors.New("record: invalid PresharedKey")
	}

	s := &Session{
		protocol: &nyquist.Protocol{
			Pattern: pattern.NNpsk0,
			DH:      dh.X25519,
			Cipher:  cipher.ChaChaPoly,
			Hash:    hash.BLAKE2s,
		},
		psk:          append([]byte{}, cfg.PresharedKey...),
		randReader:   cfg.RandomReader,
		padder:       cfg.Padder,
		replay:       cfg.ReplayFilter,
		maxClockSkew: cfg.MaxClockSkew,
		isInitiator:  isInitiator,
		state:        stateInit,
	}
	if s.randReader == nil {
		s.randReader = rand.Reader
	}
	if s.padder == nil {
		s.padder = NoPadding
	}
	if s.maxClockSkew <= 0 {
		s.maxClockSkew = DefaultMaxClockSkew
	}
	return s, nil
}
