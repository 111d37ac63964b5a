//go:build noprometheus
// +build noprometheus

package instrument

import (
	"context"
	"net"

	"github.com/katzenpost/katzentunnel/core/log"
)

const (
	// DirectionIn is traffic received from the peer.
	DirectionIn = "in"
	// DirectionOut is traffic sent to the peer.
	DirectionOut = "out"
)

// Init does nothing
func Init() {}

// Listener does nothing
type Listener struct{}

// Addr returns nil
func (l *Listener) Addr() net.Addr { return nil }

// Shutdown does nothing
func (l *Listener) Shutdown(ctx context.Context) error { return nil }

// StartListener does nothing
func StartListener(address string, logBackend *log.Backend) (*Listener, error) {
	logBackend.GetLogger("metrics").Warning("Metrics are disabled in this build")
	return &Listener{}, nil
}

// RecordSent does nothing
func RecordSent() {}

// RecordReceived does nothing
func RecordReceived() {}

// IntegrityFailure does nothing
func IntegrityFailure() {}

// HandshakeFailure does nothing
func HandshakeFailure(state string) {}

// TunnelUp does nothing
func TunnelUp() {}

// TunnelDown does nothing
func TunnelDown() {}

// StreamOpened does nothing
func StreamOpened() {}

// StreamClosed does nothing
func StreamClosed() {}

// ProtocolError does nothing
func ProtocolError() {}

// BytesTunneled does nothing
func BytesTunneled(direction string, n int) {}
