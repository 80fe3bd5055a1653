// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"github.com/AleutianAI/arbor/services/arbor/op"
)

// Node is the materialized record of one tree node.
type Node struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Content  *string           `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Parent is "" for roots.
	Parent   string `json:"parent,omitempty"`
	Position string `json:"position,omitempty"`

	// Tombstoned nodes are retained so late operations can still resolve.
	Tombstoned bool `json:"tombstoned,omitempty"`

	CreatedBy op.Stamp `json:"created_by"`

	// ParentSetBy is the operation that established the current parent
	// link. ParentByMove is false when that operation was the insert.
	ParentSetBy  op.Stamp `json:"parent_set_by"`
	ParentByMove bool     `json:"parent_by_move,omitempty"`

	UpdatedBy op.Stamp `json:"updated_by"`
	DeletedBy op.Stamp `json:"deleted_by,omitempty"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	cp := *n
	if n.Content != nil {
		c := *n.Content
		cp.Content = &c
	}
	cp.Metadata = cloneMap(n.Metadata)
	return &cp
}

// Edge is the materialized record of one labelled relationship.
type Edge struct {
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Relation string            `json:"relation"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Tombstoned bool `json:"tombstoned,omitempty"`

	CreatedBy op.Stamp `json:"created_by"`
	DeletedBy op.Stamp `json:"deleted_by,omitempty"`
}

// Clone returns a deep copy.
func (e *Edge) Clone() *Edge {
	cp := *e
	cp.Metadata = cloneMap(e.Metadata)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// state is the mutable materialization. children indexes every node,
// tombstoned or not, under its current parent ("" for roots).
type state struct {
	nodes    map[string]*Node
	edges    map[string]*Edge
	children map[string]map[string]struct{}
}

func newState() state {
	return state{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		children: make(map[string]map[string]struct{}),
	}
}

func (s *state) link(child, parent string) {
	set, ok := s.children[parent]
	if !ok {
		set = make(map[string]struct{})
		s.children[parent] = set
	}
	set[child] = struct{}{}
}

func (s *state) unlink(child, parent string) {
	set, ok := s.children[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(s.children, parent)
	}
}

// linkRecord is a node's parent link as it stood before a move.
type linkRecord struct {
	parent   string
	position string
	setBy    op.Stamp
	byMove   bool
}

// entry is one integrated operation plus what is needed to undo it.
//
// prevNodes and prevEdges hold the record as it was before the entry
// first touched it; a nil value means the record did not exist.
type entry struct {
	op    *op.Operation
	stamp op.Stamp

	prevNodes map[string]*Node
	prevEdges map[string]*Edge

	// movePrior is set for moves that took effect.
	movePrior *linkRecord

	result Result
}
