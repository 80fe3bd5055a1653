// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock provides the logical time primitives for arbor: a Lamport
// clock for per-operation timestamps and a version vector for per-author
// integration progress.
//
// # Causal Invariant
//
// Timestamps are assigned at operation creation. A producer that has
// observed timestamp t assigns t+1 or more to its next operation, so an
// operation created with knowledge of another always carries a strictly
// larger timestamp.
//
// # Thread Safety
//
// Lamport is safe for concurrent use. VersionVector is a plain map and must
// be guarded by its owner.
package clock

import "sync/atomic"

// NextTimestamp returns the timestamp for an operation created after
// observing knownMax.
func NextTimestamp(knownMax uint64) uint64 {
	return knownMax + 1
}

// Lamport is a monotonic logical clock.
//
// Thread Safety: Safe for concurrent use.
type Lamport struct {
	current atomic.Uint64
}

// NewLamport returns a clock that has observed start.
func NewLamport(start uint64) *Lamport {
	l := &Lamport{}
	l.current.Store(start)
	return l
}

// Current returns the highest timestamp observed or issued.
func (l *Lamport) Current() uint64 {
	return l.current.Load()
}

// Next issues a fresh timestamp greater than anything observed so far.
func (l *Lamport) Next() uint64 {
	for {
		cur := l.current.Load()
		next := NextTimestamp(cur)
		if l.current.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Observe folds a timestamp seen on another operation into the clock.
func (l *Lamport) Observe(ts uint64) {
	for {
		cur := l.current.Load()
		if ts <= cur {
			return
		}
		if l.current.CompareAndSwap(cur, ts) {
			return
		}
	}
}
