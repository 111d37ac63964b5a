// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package record

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrSessionInvalid is returned by every operation on a session that
	// has been closed or has suffered a fatal error.
	ErrSessionInvalid = errors.New("record: session is not established")

	// ErrRemoteReset is returned when the peer aborted the session after
	// detecting an integrity failure on its side.
	ErrRemoteReset = errors.New("record: session reset by peer")

	// ErrMessageSize is returned when a payload exceeds MaxPayloadLength.
	ErrMessageSize = errors.New("record: invalid message size")

	errInsecureClose = errors.New("connection closed without a close record")
)

// BackendError is a failure of the underlying transport.  The session is
// unusable once one is returned.
type BackendError struct {
	// Op is the transport operation that failed ("read", "write", ...).
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("record: backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsInsecureClose returns true iff the transport was closed by the peer
// on a record boundary without a preceding close record, which is
// indistinguishable from a truncation attack.
func (e *BackendError) IsInsecureClose() bool {
	return errors.Is(e.Err, errInsecureClose)
}

// IntegrityError is an authentication or sequencing failure of a received
// record.  It always indicates corruption or tampering and is fatal.
type IntegrityError struct {
	Reason string
	// Seq is the receive sequence number that was expected.
	Seq uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("record: integrity failure at seq %d: %s", e.Seq, e.Reason)
}

// HandshakeState represents the current state of the handshake.
type HandshakeState string

const (
	HandshakeStateInit         HandshakeState = "initialization"
	HandshakeStateMsg1Send     HandshakeState = "message_1_send"
	HandshakeStateMsg1Receive  HandshakeState = "message_1_receive"
	HandshakeStateMsg2Send     HandshakeState = "message_2_send"
	HandshakeStateMsg2Receive  HandshakeState = "message_2_receive"
	HandshakeStateHello        HandshakeState = "hello_verification"
	HandshakeStateReplay       HandshakeState = "replay_check"
	HandshakeStateFinalization HandshakeState = "finalization"
)

// ConnectionInfo describes the backend connection a handshake ran over.
type ConnectionInfo struct {
	Protocol   string
	LocalAddr  string
	RemoteAddr string
}

func newConnectionInfo(conn net.Conn) *ConnectionInfo {
	if conn == nil {
		return nil
	}
	info := &ConnectionInfo{}
	if a := conn.LocalAddr(); a != nil {
		info.Protocol = a.Network()
		info.LocalAddr = a.String()
	}
	if a := conn.RemoteAddr(); a != nil {
		info.RemoteAddr = a.String()
	}
	return info
}

// HandshakeError provides comprehensive information about handshake failures.
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool

	ProtocolName  string
	MessageNumber int
	MessageSize   int
	ExpectedSize  int

	Connection *ConnectionInfo
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "record: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if e.Connection != nil && e.Connection.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s (%s)", e.Connection.RemoteAddr, e.Connection.Protocol)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}
	return b.String()
}

func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}

// Verbose returns a detailed error message with all available information.
func (e *HandshakeError) Verbose() string {
	var b strings.Builder

	b.WriteString("=== RECORD LAYER HANDSHAKE FAILURE ===\n")
	fmt.Fprintf(&b, "State: %s\n", e.State)
	if e.IsInitiator {
		b.WriteString("Role: initiator (client)\n")
	} else {
		b.WriteString("Role: responder (server)\n")
	}
	fmt.Fprintf(&b, "Error Message: %s\n", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, "Underlying Error: %v\n", e.UnderlyingError)
	}

	if e.Connection != nil {
		b.WriteString("\n--- CONNECTION INFORMATION ---\n")
		fmt.Fprintf(&b, "Protocol: %s\n", e.Connection.Protocol)
		fmt.Fprintf(&b, "Local Address: %s\n", e.Connection.LocalAddr)
		fmt.Fprintf(&b, "Remote Address: %s\n", e.Connection.RemoteAddr)
	}

	if e.ProtocolName != "" {
		b.WriteString("\n--- PROTOCOL INFORMATION ---\n")
		fmt.Fprintf(&b, "Protocol: %s\n", e.ProtocolName)
	}

	if e.MessageNumber > 0 {
		b.WriteString("\n--- MESSAGE INFORMATION ---\n")
		fmt.Fprintf(&b, "Message Number: %d\n", e.MessageNumber)
		if e.MessageSize > 0 {
			fmt.Fprintf(&b, "Message Size: %d bytes\n", e.MessageSize)
		}
		if e.ExpectedSize > 0 {
			fmt.Fprintf(&b, "Expected Size: %d bytes\n", e.ExpectedSize)
		}
	}

	b.WriteString("=== END HANDSHAKE FAILURE ===")
	return b.String()
}
