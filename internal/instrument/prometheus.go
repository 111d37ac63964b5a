//go:build !noprometheus
// +build !noprometheus

// Package instrument exports tunnel metrics to prometheus.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/log"
)

const (
	// DirectionIn is traffic received from the peer.
	DirectionIn = "in"
	// DirectionOut is traffic sent to the peer.
	DirectionOut = "out"
)

var (
	recordsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_records_sent_total",
			Help: "Number of records sent",
		},
	)
	recordsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_records_received_total",
			Help: "Number of records received",
		},
	)
	integrityFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_integrity_failures_total",
			Help: "Number of tunnels torn down by an integrity failure",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katzentunnel_handshake_failures_total",
			Help: "Number of failed handshakes",
		},
		[]string{"state"},
	)
	tunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "katzentunnel_tunnels",
			Help: "Number of established tunnels",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_streams_opened_total",
			Help: "Number of streams opened",
		},
	)
	streamsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_streams_closed_total",
			Help: "Number of streams closed",
		},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "katzentunnel_protocol_errors_total",
			Help: "Number of dropped tunnel frames",
		},
	)
	bytesTunneled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katzentunnel_stream_bytes_total",
			Help: "Number of stream payload bytes tunneled",
		},
		[]string{"direction"},
	)

	initOnce sync.Once
)

// Init registers the metrics.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(recordsSent)
		prometheus.MustRegister(recordsReceived)
		prometheus.MustRegister(integrityFailures)
		prometheus.MustRegister(handshakeFailures)
		prometheus.MustRegister(tunnels)
		prometheus.MustRegister(streamsOpened)
		prometheus.MustRegister(streamsClosed)
		prometheus.MustRegister(protocolErrors)
		prometheus.MustRegister(bytesTunneled)
	})
}

// Listener serves the metrics over HTTP.
type Listener struct {
	srv  *http.Server
	addr net.Addr
}

// Addr returns the address the metrics are served on.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Shutdown stops serving the metrics.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}

// StartListener registers the metrics, and serves them over HTTP on
// address.
func StartListener(address string, logBackend *log.Backend) (*Listener, error) {
	Init()

	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	logger := logBackend.GetLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logBackend.GetGoLogger("metrics", "WARNING"),
	}
	go serve(srv, l, logger)
	logger.Noticef("Serving metrics on http://%v/metrics", l.Addr())
	return &Listener{srv: srv, addr: l.Addr()}, nil
}

func serve(srv *http.Server, l net.Listener, logger *logging.Logger) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("Metrics listener died: %v", err)
	}
}

// RecordSent increments the counter of records sent.
func RecordSent() {
	recordsSent.Inc()
}

// RecordReceived increments the counter of records received.
func RecordReceived() {
	recordsReceived.Inc()
}

// IntegrityFailure increments the counter of integrity failures.
func IntegrityFailure() {
	integrityFailures.Inc()
}

// HandshakeFailure increments the counter of failed handshakes.
func HandshakeFailure(state string) {
	handshakeFailures.With(prometheus.Labels{"state": state}).Inc()
}

// TunnelUp increments the gauge of established tunnels.
func TunnelUp() {
	tunnels.Inc()
}

// TunnelDown decrements the gauge of established tunnels.
func TunnelDown() {
	tunnels.Dec()
}

// StreamOpened increments the counter of opened streams.
func StreamOpened() {
	streamsOpened.Inc()
}

// StreamClosed increments the counter of closed streams.
func StreamClosed() {
	streamsClosed.Inc()
}

// ProtocolError increments the counter of protocol errors.
func ProtocolError() {
	protocolErrors.Inc()
}

// BytesTunneled adds n to the stream bytes counter for direction.
func BytesTunneled(direction string, n int) {
	bytesTunneled.With(prometheus.Labels{"direction": direction}).Add(float64(n))
}
