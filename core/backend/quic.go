// quic.go - QUIC backend.
// Copyright (C) 2023  Masala.
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

package backend

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
)

const (
	// ALPN (NextProtos) is externally visible as part of the QUIC TLS
	// handshake, in the client/server hello, so pick a common protocol
	// rather than something uniquely fingerprintable.
	nextProtoH3 = "h3"

	quicKeepAlive = 15 * time.Second
)

// QUIC is the QUIC backend.  Every tunnel uses its own QUIC connection,
// carried on one bidirectional stream.
type QUIC struct {
	addr string
}

// Dial implements Backend.
func (b *QUIC) Dial(ctx context.Context) (net.Conn, error) {
	tlsConf := &tls.Config{
		// The record layer authenticates the peer.
		InsecureSkipVerify: true,
		NextProtos:         []string{nextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, b.addr, tlsConf, &quic.Config{KeepAlivePeriod: quicKeepAlive})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}

// Listen implements Backend.
func (b *QUIC) Listen() (net.Listener, error) {
	tlsConf, err := GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(b.addr, tlsConf, &quic.Config{KeepAlivePeriod: quicKeepAlive})
	if err != nil {
		return nil, err
	}
	return &QuicListener{Listener: l}, nil
}

func (b *QUIC) String() string {
	return "quic://" + b.addr
}

// QuicConn wraps a conn and a single stream and implements net.Conn
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// NewQuicConn returns a QuicConn for stream, which belongs to conn.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil || stream == nil {
		panic("backend: NewQuicConn with nil connection or stream")
	}
	return &QuicConn{Conn: conn, Stream: stream}
}

// LocalAddr implements net.Conn
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Close implements net.Conn; the stream and the connection are closed.
func (q *QuicConn) Close() error {
	q.Stream.Close()
	return q.Conn.CloseWithError(0, "")
}

// Read implements net.Conn
func (q *QuicConn) Read(b []byte) (n int, err error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn
func (q *QuicConn) Write(b []byte) (n int, err error) {
	return q.Stream.Write(b)
}

// QuicListener implements net.Listener
type QuicListener struct {
	Listener *quic.Listener
}

// Accept implements net.Listener. It waits for the peer's single QUIC
// Stream and returns a QuicConn that implements net.Conn for it.
func (l *QuicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	for {
		conn, err := l.Listener.Accept(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			// One peer giving up must not stop the listener.
			conn.CloseWithError(0, "")
			continue
		}
		return NewQuicConn(conn, stream), nil
	}
}

func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

func (l *QuicListener) Close() error {
	return l.Listener.Close()
}

// GenerateTLSConfig returns a bare-bones TLS config for the server, with
// an ephemeral self-signed certificate.
func GenerateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{nextProtoH3}}, nil
}
