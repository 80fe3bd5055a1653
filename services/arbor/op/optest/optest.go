// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optest builds signed operations with explicit timestamps for tests.
package optest

import (
	"testing"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/stretchr/testify/require"
)

// Signer emits operations for one generated identity with caller-chosen
// Lamport timestamps. Sequence numbers are assigned consecutively.
type Signer struct {
	t       testing.TB
	ID      *identity.Identity
	Replica string
	seq     uint64
}

// NewSigner generates an identity. The identity is destroyed at test cleanup.
func NewSigner(t testing.TB, replica string) *Signer {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	t.Cleanup(id.Destroy)
	return &Signer{t: t, ID: id, Replica: replica}
}

// Author returns the signer's fingerprint.
func (s *Signer) Author() string {
	return s.ID.Fingerprint()
}

// Seq returns the last sequence number used.
func (s *Signer) Seq() uint64 {
	return s.seq
}

// At signs an operation at timestamp ts using the next sequence number.
func (s *Signer) At(ts uint64, kind op.Kind, target string, p op.Payload) *op.Operation {
	s.t.Helper()
	s.seq++
	return s.AtSeq(ts, s.seq, kind, target, p)
}

// AtSeq signs an operation with an explicit sequence number. It does not
// advance the signer's counter.
func (s *Signer) AtSeq(ts, seq uint64, kind op.Kind, target string, p op.Payload) *op.Operation {
	s.t.Helper()
	o := &op.Operation{
		ID:        op.NewID(),
		Replica:   s.Replica,
		Kind:      kind,
		Target:    target,
		Timestamp: ts,
		Seq:       seq,
		Payload:   p,
		CreatedAt: time.Unix(0, int64(ts)).UTC(),
	}
	require.NoError(s.t, o.Sign(s.ID, true))
	require.NoError(s.t, o.Validate())
	return o
}

// Insert signs an insert of id under parent.
func (s *Signer) Insert(ts uint64, id, parent, pos string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindInsert, id, op.Insert{NodeKind: "item", Parent: parent, Position: pos})
}

// Root signs an insert of a root node.
func (s *Signer) Root(ts uint64, id string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindInsert, id, op.Insert{NodeKind: "root"})
}

// Move signs a move of id under newParent.
func (s *Signer) Move(ts uint64, id, newParent, pos string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindMove, id, op.Move{NewParent: newParent, NewPosition: pos})
}

// SetContent signs an update replacing the content of id.
func (s *Signer) SetContent(ts uint64, id, content string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindUpdate, id, op.Update{Content: op.String(content)})
}

// Delete signs a delete of id.
func (s *Signer) Delete(ts uint64, id string, cascade bool) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindDelete, id, op.Delete{Cascade: cascade})
}

// Edge signs an edge insert.
func (s *Signer) Edge(ts uint64, id, from, to, relation string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindEdgeInsert, id, op.EdgeInsert{From: from, To: to, Relation: relation})
}

// DeleteEdge signs an edge delete.
func (s *Signer) DeleteEdge(ts uint64, id string) *op.Operation {
	s.t.Helper()
	return s.At(ts, op.KindEdgeDelete, id, op.EdgeDelete{})
}
