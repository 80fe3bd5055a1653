// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/op"
)

// Store is the durable backing of the log.
//
// Implementations must make Commit atomic: after a crash either the
// operation and its version vector entry are both present or neither is.
type Store interface {
	identity.KeyStore

	// Commit durably records o and advances the stored vector entry for
	// o.Author to o.Seq.
	Commit(ctx context.Context, o *op.Operation) error

	// Range returns author's operations with from <= seq <= to in sequence
	// order. Missing sequence numbers are skipped, not reported.
	Range(ctx context.Context, author string, from, to uint64) ([]*op.Operation, error)

	// Scan calls fn for every stored operation. Order is unspecified.
	Scan(ctx context.Context, fn func(*op.Operation) error) error

	// VersionVector returns the stored vector.
	VersionVector(ctx context.Context) (clock.VersionVector, error)

	Close() error
}

// MemoryStore keeps everything in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	ops  map[string]map[uint64]*op.Operation
	vv   clock.VersionVector
	keys map[string]ed25519.PublicKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:  make(map[string]map[uint64]*op.Operation),
		vv:   clock.New(),
		keys: make(map[string]ed25519.PublicKey),
	}
}

// Commit implements Store.
func (m *MemoryStore) Commit(ctx context.Context, o *op.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byAuthor, ok := m.ops[o.Author]
	if !ok {
		byAuthor = make(map[uint64]*op.Operation)
		m.ops[o.Author] = byAuthor
	}
	byAuthor[o.Seq] = o
	m.vv.Advance(o.Author, o.Seq)
	return nil
}

// Range implements Store.
func (m *MemoryStore) Range(ctx context.Context, author string, from, to uint64) ([]*op.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	byAuthor := m.ops[author]
	if last := m.vv.Get(author); to > last {
		to = last
	}
	if from == 0 {
		from = 1
	}
	var out []*op.Operation
	for seq := from; seq <= to; seq++ {
		if o, ok := byAuthor[seq]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// Scan implements Store.
func (m *MemoryStore) Scan(ctx context.Context, fn func(*op.Operation) error) error {
	m.mu.RLock()
	var all []*op.Operation
	for _, byAuthor := range m.ops {
		for _, o := range byAuthor {
			all = append(all, o)
		}
	}
	m.mu.RUnlock()

	for _, o := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// VersionVector implements Store.
func (m *MemoryStore) VersionVector(ctx context.Context) (clock.VersionVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vv.Clone(), nil
}

// PutKey implements identity.KeyStore.
func (m *MemoryStore) PutKey(ctx context.Context, fingerprint string, pub ed25519.PublicKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(ed25519.PublicKey, len(pub))
	copy(cp, pub)
	m.keys[fingerprint] = cp
	return nil
}

// LoadKeys implements identity.KeyStore.
func (m *MemoryStore) LoadKeys(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ed25519.PublicKey, len(m.keys))
	for fp, k := range m.keys {
		out[fp] = k
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
