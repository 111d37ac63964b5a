// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package frontend implements the server side destinations of tunneled
// streams.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzentunnel/core/retry"
)

// ErrUnavailable is returned when the destination refuses connections.
var ErrUnavailable = errors.New("frontend: destination unavailable")

// RedirectConfig is the configuration of a Redirect frontend.
type RedirectConfig struct {
	// Host and Port name the destination every stream is connected to.
	Host string
	Port uint16

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// DialAttempts is the number of connection attempts made per stream
	// before giving up, with backoff in between.
	DialAttempts int

	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration

	Log *logging.Logger
}

// Redirect connects every stream to one fixed TCP destination.
type Redirect struct {
	cfg  RedirectConfig
	addr string
}

// Open implements tunnel.Frontend.
func (r *Redirect) Open(ctx context.Context, streamID uint32) (io.ReadWriteCloser, error) {
	b := retry.Backoff{BaseDelay: r.cfg.RetryDelay, MaxDelay: 10 * r.cfg.RetryDelay, Jitter: retry.DefaultJitter}
	for {
		conn, err := r.dial(ctx)
		if err == nil {
			r.cfg.Log.Debugf("Stream %d: connected to %v.", streamID, r.addr)
			return conn, nil
		}
		if ctx.Err() != nil || !retry.IsTransientError(err) || b.Attempts()+1 >= r.cfg.DialAttempts {
			if errors.Is(err, syscall.ECONNREFUSED) {
				return nil, fmt.Errorf("%w: connection to %v is refused", ErrUnavailable, r.addr)
			}
			return nil, err
		}

		delay := b.Next()
		r.cfg.Log.Debugf("Stream %d: dial failed, retrying in %v: %v", streamID, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Redirect) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: r.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", r.addr)
}

// Addr returns the destination address.
func (r *Redirect) Addr() string {
	return r.addr
}

// NewRedirect returns a Redirect frontend.
func NewRedirect(cfg *RedirectConfig) (*Redirect, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("frontend: no destination")
	}
	if cfg.Log == nil {
		return nil, errors.New("frontend: no logger")
	}
	r := &Redirect{
		cfg:  *cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
	}
	if r.cfg.DialAttempts <= 0 {
		r.cfg.DialAttempts = 1
	}
	if r.cfg.RetryDelay <= 0 {
		r.cfg.RetryDelay = 100 * time.Millisecond
	}
	return r, nil
}
