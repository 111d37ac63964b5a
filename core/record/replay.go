// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package record

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
)

const (
	// DefaultReplayFilterSize is the log2 of the replay filter size in bits
	// (4 MiB).
	DefaultReplayFilterSize = 25

	// DefaultReplayFilterRate is the target false positive rate.
	DefaultReplayFilterRate = 0.0001
)

// ReplayFilter remembers the initiator ephemeral keys of every handshake
// a responder has accepted, so that a recorded first handshake message
// can not be played back at the server.  A ReplayFilter is shared by all
// responder sessions of a process.
type ReplayFilter struct {
	sync.Mutex

	f     *bloom.Filter
	mLn2  int
	p     float64
	reset int
}

// NewReplayFilter creates a new ReplayFilter backed by a bloom filter of
// 2^mLn2 bits with false positive rate p.
func NewReplayFilter(mLn2 int, p float64) (*ReplayFilter, error) {
	f, err := bloom.New(rand.Reader, mLn2, p)
	if err != nil {
		return nil, err
	}
	return &ReplayFilter{f: f, mLn2: mLn2, p: p}, nil
}

// IsReplay marks tag as seen, and returns true iff the tag has been seen
// previously (Test and Set).
func (r *ReplayFilter) IsReplay(tag []byte) bool {
	r.Lock()
	defer r.Unlock()

	// Start over once saturated.  Handshakes older than MaxClockSkew are
	// still rejected by the hello check.
	if r.f.Entries() >= r.f.MaxEntries() {
		f, err := bloom.New(rand.Reader, r.mLn2, r.p)
		if err != nil {
			panic("record: failed to reallocate replay filter: " + err.Error())
		}
		r.f = f
		r.reset++
	}
	return r.f.TestAndSet(tag)
}

// Resets returns how many times the filter was saturated and started over.
func (r *ReplayFilter) Resets() int {
	r.Lock()
	defer r.Unlock()
	return r.reset
}
