// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"sync"

	"github.com/katzenpost/katzentunnel/core/tunnel/frames"
)

// controlQueue is the unbounded priority queue of frames that must never
// wait behind stream data.
type controlQueue struct {
	sync.Mutex

	q      []*frames.Frame
	signal chan struct{}
}

func newControlQueue() *controlQueue {
	return &controlQueue{signal: make(chan struct{}, 1)}
}

func (q *controlQueue) push(f *frames.Frame) {
	q.Lock()
	q.q = append(q.q, f)
	q.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *controlQueue) len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.q)
}

// drain appends queued frames to dst while the result stays within limit.
func (q *controlQueue) drain(dst []byte, limit int) []byte {
	q.Lock()
	defer q.Unlock()

	n := 0
	for _, f := range q.q {
		if len(dst)+f.Length() > limit {
			break
		}
		dst = f.AppendTo(dst)
		n++
	}
	remaining := copy(q.q, q.q[n:])
	for i := remaining; i < len(q.q); i++ {
		q.q[i] = nil
	}
	q.q = q.q[:remaining]
	return dst
}
