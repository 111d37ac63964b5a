// retry_test.go - Tests for shared retry logic.
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

package retry

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestBackoff(t *testing.T) {
	require := require.New(t)

	b := &Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	require.Equal(10*time.Millisecond, b.Next())
	require.Equal(20*time.Millisecond, b.Next())
	require.Equal(40*time.Millisecond, b.Next())
	require.Equal(40*time.Millisecond, b.Next())
	require.Equal(2, b.Attempts())

	b.Reset()
	require.Equal(0, b.Attempts())
	require.Equal(10*time.Millisecond, b.Next())

	var zero Backoff
	require.Equal(DefaultBaseDelay, zero.Next())
}

type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:4194: connect: connection refused")))
	require.True(IsTransientError(fmt.Errorf("backend: read: %w", io.ErrUnexpectedEOF)))
	require.True(IsTransientError(fmt.Errorf("backend: write: %w", syscall.ECONNRESET)))
	require.True(IsTransientError(&mockNetError{timeout: true, msg: "deadline"}))
	require.False(IsTransientError(&mockNetError{msg: "permanent failure"}))
	require.False(IsTransientError(errors.New("record: handshake failed")))
}
