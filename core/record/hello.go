// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package record

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// helloLength is the fixed size of the padded handshake payload, so that
// both handshake messages have a constant length on the wire.
const helloLength = 64

var errInvalidHello = errors.New("record: invalid handshake payload")

// hello is carried encrypted inside both Noise handshake messages.
type hello struct {
	Version  uint8 `cbor:"1,keyasint"`
	UnixTime int64 `cbor:"2,keyasint"`
}

// toBytes encodes h as [len: u8][cbor][zero padding] of helloLength bytes.
func (h *hello) toBytes() ([]byte, error) {
	blob, err := cbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(blob) > helloLength-1 {
		return nil, errInvalidHello
	}
	b := make([]byte, helloLength)
	b[0] = uint8(len(blob))
	copy(b[1:], blob)
	return b, nil
}

func helloFromBytes(b []byte) (*hello, error) {
	if len(b) != helloLength {
		return nil, errInvalidHello
	}
	n := int(b[0])
	if n == 0 || n > helloLength-1 {
		return nil, errInvalidHello
	}
	h := new(hello)
	rest, err := cbor.UnmarshalFirst(b[1:1+n], h)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errInvalidHello
	}
	return h, nil
}
