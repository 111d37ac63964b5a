// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"context"
	"net"
	"time"
)

const tcpKeepAlive = 3 * time.Minute

// TCP is the plain TCP backend.
type TCP struct {
	network string
	addr    string
}

// Dial implements Backend.
func (b *TCP) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{KeepAlive: tcpKeepAlive}
	return d.DialContext(ctx, b.network, b.addr)
}

// Listen implements Backend.
func (b *TCP) Listen() (net.Listener, error) {
	return net.Listen(b.network, b.addr)
}

func (b *TCP) String() string {
	return b.network + "://" + b.addr
}
