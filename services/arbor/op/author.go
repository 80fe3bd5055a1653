// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package op

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/google/uuid"
)

// Author produces signed operations for one local identity.
//
// Description:
//
//	Author owns the per-key sequence counter and draws timestamps from a
//	shared Lamport clock. The clock must be the one the local log observes
//	on integration, so that new operations order after everything the
//	replica has seen.
//
// Thread Safety: Safe for concurrent use. Sequence numbers are assigned
// under a mutex, so concurrent emitters never share a sequence number.
type Author struct {
	id       *identity.Identity
	replica  string
	clock    *clock.Lamport
	carryKey bool
	now      func() time.Time

	mu  sync.Mutex
	seq uint64
}

// AuthorOption configures an Author.
type AuthorOption func(*Author)

// WithCarriedKey attaches the public key to every emitted operation.
func WithCarriedKey() AuthorOption {
	return func(a *Author) { a.carryKey = true }
}

// WithNow overrides the wall clock used for CreatedAt.
func WithNow(now func() time.Time) AuthorOption {
	return func(a *Author) { a.now = now }
}

// NewAuthor creates a producer.
//
// Inputs:
//
//	id - Signing identity.
//	replica - The producing replica's id.
//	clk - The replica's Lamport clock.
//	lastSeq - Highest sequence number this identity has already used
//	          (the local version vector entry for its fingerprint).
//	opts - Optional settings.
//
// Outputs:
//
//	*Author - The producer. Never nil.
func NewAuthor(id *identity.Identity, replica string, clk *clock.Lamport, lastSeq uint64, opts ...AuthorOption) *Author {
	a := &Author{
		id:      id,
		replica: replica,
		clock:   clk,
		seq:     lastSeq,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fingerprint returns the author id stamped on emitted operations.
func (a *Author) Fingerprint() string {
	return a.id.Fingerprint()
}

// Seq returns the last sequence number emitted.
func (a *Author) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Emit builds, validates and signs an operation.
//
// Description:
//
//	Assigns a fresh UUIDv7 operation id, the next sequence number and the
//	next Lamport timestamp. The sequence number is only consumed if the
//	operation validates and signs, so a failed Emit leaves no gap.
//
// Inputs:
//
//	kind - Operation kind. Must match payload.
//	target - Node or edge id.
//	payload - Kind-specific body.
//
// Outputs:
//
//	*Operation - The signed operation.
//	error - Wraps ErrMalformed or a signing error.
func (a *Author) Emit(kind Kind, target string, payload Payload) (*Operation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating operation id: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	o := &Operation{
		ID:        id.String(),
		Replica:   a.replica,
		Kind:      kind,
		Target:    target,
		Author:    a.id.Fingerprint(),
		Timestamp: a.clock.Next(),
		Seq:       a.seq + 1,
		Payload:   payload,
		CreatedAt: a.now().UTC(),
	}
	if err := o.Sign(a.id, a.carryKey); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	a.seq = o.Seq
	return o, nil
}

// NewID returns a fresh UUIDv7 string for a node or edge.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Insert emits an insert of a new node and returns it. The node id is generated.
func (a *Author) Insert(p Insert) (*Operation, error) {
	return a.Emit(KindInsert, NewID(), p)
}

// InsertAs emits an insert for a caller-chosen node id.
func (a *Author) InsertAs(nodeID string, p Insert) (*Operation, error) {
	return a.Emit(KindInsert, nodeID, p)
}

// Update emits an attribute update of nodeID.
func (a *Author) Update(nodeID string, p Update) (*Operation, error) {
	return a.Emit(KindUpdate, nodeID, p)
}

// Delete emits a tombstone for nodeID.
func (a *Author) Delete(nodeID string, cascade bool) (*Operation, error) {
	return a.Emit(KindDelete, nodeID, Delete{Cascade: cascade})
}

// Move emits a reparent of nodeID.
func (a *Author) Move(nodeID, newParent, newPosition string) (*Operation, error) {
	return a.Emit(KindMove, nodeID, Move{NewParent: newParent, NewPosition: newPosition})
}

// InsertEdge emits a new edge with a generated id.
func (a *Author) InsertEdge(p EdgeInsert) (*Operation, error) {
	return a.Emit(KindEdgeInsert, NewID(), p)
}

// DeleteEdge emits a tombstone for edgeID.
func (a *Author) DeleteEdge(edgeID string) (*Operation, error) {
	return a.Emit(KindEdgeDelete, edgeID, EdgeDelete{})
}
