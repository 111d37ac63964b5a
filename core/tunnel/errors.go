// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"errors"
	"fmt"

	"github.com/katzenpost/katzentunnel/core/tunnel/frames"
)

var (
	// ErrTunnelClosed is the condition every stream fails with when the
	// tunnel is torn down.
	ErrTunnelClosed = errors.New("tunnel: closed")

	// ErrTooManyProtocolErrors is the teardown cause once the peer has
	// sent more than Config.MaxProtocolErrors bad frames.
	ErrTooManyProtocolErrors = errors.New("tunnel: too many protocol errors")
)

// ProtocolError is a frame that can not be acted upon.  The frame is
// dropped and the tunnel continues.
type ProtocolError struct {
	StreamID uint32
	Kind     frames.Kind
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tunnel: protocol error on %v for stream %d: %s", e.Kind, e.StreamID, e.Reason)
}

// StreamError is a failure of the local connection or Frontend session
// backing a single stream.  Only that stream is affected.
type StreamError struct {
	StreamID uint32
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("tunnel: stream %d: %v", e.StreamID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
