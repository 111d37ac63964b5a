// SPDX-FileCopyrightText: Copyright (C) 2017  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package frames implements the tunnel message framing shared by both
// halves of the tunnel.  A decrypted record carries one or more frames.
package frames

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the type of a tunnel frame.
type Kind byte

const (
	// Open announces a new stream.  It carries no payload.
	Open Kind = 1
	// Data carries stream payload.
	Data Kind = 2
	// Close ends a stream, or acknowledges the peer's Close.  It carries
	// no payload.
	Close Kind = 3
	// Ack returns flow control credit: the payload is the number of bytes
	// that were delivered to the local endpoint.
	Ack Kind = 4
	// Padding is reserved for traffic shaping and is discarded on receipt.
	Padding Kind = 0xf0
)

const (
	// HeaderLength is the length of the frame header:
	// [kind: u8][stream_id: u32][payload_length: u32].
	HeaderLength = 1 + 4 + 4

	// MaxDataLength is the largest payload of a Data frame.
	MaxDataLength = 16384

	// MaxPaddingLength is the largest payload of a Padding frame.
	MaxPaddingLength = 65535

	ackLength = 4
)

var errTruncated = errors.New("frames: truncated frame")

func (k Kind) String() string {
	switch k {
	case Open:
		return "OPEN"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	case Ack:
		return "ACK"
	case Padding:
		return "PADDING"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// Frame is a single tunnel message.
type Frame struct {
	Kind     Kind
	StreamID uint32
	Payload  []byte
}

// InvalidFrameError is a well delimited frame that violates the framing
// rules.  Frames following it in the same record can still be decoded.
type InvalidFrameError struct {
	Kind     Kind
	StreamID uint32
	Reason   string
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("frames: invalid %v frame for stream %d: %s", e.Kind, e.StreamID, e.Reason)
}

// NewOpen returns an Open frame for id.
func NewOpen(id uint32) *Frame {
	return &Frame{Kind: Open, StreamID: id}
}

// NewData returns a Data frame for id.  The payload is not copied.
func NewData(id uint32, b []byte) *Frame {
	return &Frame{Kind: Data, StreamID: id, Payload: b}
}

// NewClose returns a Close frame for id.
func NewClose(id uint32) *Frame {
	return &Frame{Kind: Close, StreamID: id}
}

// NewAck returns an Ack frame crediting n bytes to id.
func NewAck(id uint32, n uint32) *Frame {
	b := make([]byte, ackLength)
	binary.BigEndian.PutUint32(b, n)
	return &Frame{Kind: Ack, StreamID: id, Payload: b}
}

// NewPadding returns a Padding frame of n zero bytes.
func NewPadding(n int) *Frame {
	return &Frame{Kind: Padding, Payload: make([]byte, n)}
}

// Credit returns the credit carried by an Ack frame.
func (f *Frame) Credit() uint32 {
	if f.Kind != Ack || len(f.Payload) != ackLength {
		return 0
	}
	return binary.BigEndian.Uint32(f.Payload)
}

// Length returns the encoded length of the frame.
func (f *Frame) Length() int {
	return HeaderLength + len(f.Payload)
}

// AppendTo serializes the frame, appending it to dst.
func (f *Frame) AppendTo(dst []byte) []byte {
	var hdr [HeaderLength]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[1:5], f.StreamID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// ToBytes serializes the frame and returns the resulting slice.
func (f *Frame) ToBytes() []byte {
	return f.AppendTo(make([]byte, 0, f.Length()))
}

func (f *Frame) validate() error {
	invalid := func(reason string) error {
		return &InvalidFrameError{Kind: f.Kind, StreamID: f.StreamID, Reason: reason}
	}
	switch f.Kind {
	case Open, Close:
		if len(f.Payload) != 0 {
			return invalid("unexpected payload")
		}
	case Data:
		if len(f.Payload) == 0 {
			return invalid("empty payload")
		}
		if len(f.Payload) > MaxDataLength {
			return invalid("oversized payload")
		}
	case Ack:
		if len(f.Payload) != ackLength {
			return invalid("invalid credit")
		}
	case Padding:
		if len(f.Payload) > MaxPaddingLength {
			return invalid("oversized payload")
		}
	default:
		return invalid("unknown kind")
	}
	return nil
}

// FromBytes decodes the first frame in b, and returns it along with the
// remaining bytes.  If the frame is truncated, the returned remainder is
// nil and the rest of b can not be decoded.  A well delimited but invalid
// frame is reported as an *InvalidFrameError with a usable remainder.
// The returned payload aliases b.
func FromBytes(b []byte) (*Frame, []byte, error) {
	if len(b) < HeaderLength {
		return nil, nil, errTruncated
	}
	payloadLen := binary.BigEndian.Uint32(b[5:9])
	if uint64(len(b)-HeaderLength) < uint64(payloadLen) {
		return nil, nil, errTruncated
	}
	end := HeaderLength + int(payloadLen)
	f := &Frame{
		Kind:     Kind(b[0]),
		StreamID: binary.BigEndian.Uint32(b[1:5]),
		Payload:  b[HeaderLength:end:end],
	}
	rest := b[end:]
	if err := f.validate(); err != nil {
		return nil, rest, err
	}
	return f, rest, nil
}

// Encode serializes frames back to back into a single record payload.
func Encode(dst []byte, frames ...*Frame) []byte {
	for _, f := range frames {
		dst = f.AppendTo(dst)
	}
	return dst
}

// IsTruncated returns true iff err reports a frame cut short, after which
// the remainder of the record is unusable.
func IsTruncated(err error) bool {
	return errors.Is(err, errTruncated)
}
