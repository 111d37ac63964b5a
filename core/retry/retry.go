// retry.go - Shared retry logic with exponential backoff.
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

// Package retry provides exponential backoff for re-establishing
// backend connections.
package retry

import (
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// Backoff tracks the attempt counter for a sequence of retries.  It is not
// safe for concurrent use.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	attempt int
}

// Next returns the delay to wait before the next attempt, and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	base, max := b.BaseDelay, b.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	d := Delay(base, max, b.Jitter, b.attempt)
	if d < max {
		b.attempt++
	}
	return d
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the backoff from the base delay, and should be called
// after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"broken pipe",
		"connection closed",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	return false
}
