// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package backend provides the reliable ordered byte stream transports a
// tunnel can run over.
package backend

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// DefaultPort is the port used when a backend URL does not name one.
const DefaultPort = 4194

// Backend is a connection-oriented transport between the two halves of a
// tunnel.
type Backend interface {
	// Dial connects to the server half.
	Dial(ctx context.Context) (net.Conn, error)

	// Listen returns a listener accepting connections from client halves.
	Listen() (net.Listener, error)

	// String returns the backend URL.
	String() string
}

// New returns the Backend for rawURL.  The scheme selects the transport:
// tcp, tcp4 and tcp6 use TCP directly, and quic carries each connection
// on a single QUIC stream.
func New(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid URL '%v': %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("backend: URL '%v' has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("backend: invalid port in '%v'", rawURL)
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return &TCP{network: u.Scheme, addr: addr}, nil
	case "quic":
		return &QUIC{addr: addr}, nil
	default:
		return nil, fmt.Errorf("backend: unsupported URL scheme '%v'", u.Scheme)
	}
}
