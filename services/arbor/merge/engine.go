// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge integrates operations into a materialized tree.
//
// The materialized state is defined as the left fold of every integrated
// operation in Stamp order (Lamport timestamp, then author fingerprint,
// then author sequence). Because the order is total and independent of
// arrival, any two engines fed the same set of operations, in any order,
// hold identical state.
//
// An operation that arrives after operations ordered later than it is
// handled by undoing those later entries from their journals, applying
// the newcomer, and re-applying the later operations. The common case of
// in-order arrival costs one application and no replay.
//
// Move cycles are broken as part of the fold: after a move is applied the
// ancestor chain of the moved node is walked, and if it loops back the
// lowest-stamped move that currently holds a link in the loop is reverted
// to the link it replaced. Reversions are derived facts recorded on the
// entry that caused them, so every replica derives the same ones.
package merge

import (
	"log/slog"
	"sort"

	"github.com/AleutianAI/arbor/services/arbor/op"
)

// Outcome describes what integrating an operation did to the state.
type Outcome uint8

const (
	// OutcomeApplied means the operation changed the state.
	OutcomeApplied Outcome = iota

	// OutcomeNoEffect means the operation was valid but changed nothing:
	// a second insert of an existing id, an update or move of a tombstoned
	// node, a delete of an already deleted node or edge.
	OutcomeNoEffect

	// OutcomeReverted means a move was applied and then reverted because
	// it closed a cycle and was the lowest-stamped move in it.
	OutcomeReverted

	// OutcomeDuplicate means an operation with the same stamp was already
	// integrated.
	OutcomeDuplicate
)

// String returns the label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoEffect:
		return "no_effect"
	case OutcomeReverted:
		return "reverted"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Reversion records that a move was undone to break a cycle.
type Reversion struct {
	// Node is the node whose parent link was restored.
	Node string `json:"node"`

	// Reverted is the stamp of the move that lost.
	Reverted op.Stamp `json:"reverted"`

	// By is the stamp of the operation whose application closed the cycle.
	By op.Stamp `json:"by"`
}

// Result reports the integration of one operation.
type Result struct {
	Stamp   op.Stamp
	Kind    op.Kind
	Target  string
	Outcome Outcome

	// Reversions caused by applying this operation.
	Reversions []Reversion

	// Replayed is how many later operations were undone and re-applied.
	Replayed int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for cycle reversions.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables the package Prometheus metrics. Engines built for
// historical reconstruction leave it off so they do not double count.
func WithMetrics() Option {
	return func(e *Engine) { e.observe = true }
}

// Engine folds operations into a materialized tree.
//
// Thread Safety: NOT safe for concurrent use. The tree store serializes
// access.
type Engine struct {
	st      state
	entries []*entry
	byStamp map[op.Stamp]*entry

	// cur is the entry being applied.
	cur *entry

	logger  *slog.Logger
	observe bool
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		st:      newState(),
		byStamp: make(map[op.Stamp]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "merge"))
	return e
}

// Fold builds an engine from ops, sorting them into stamp order first.
// ops is not modified.
func Fold(ops []*op.Operation, opts ...Option) *Engine {
	sorted := make([]*op.Operation, len(ops))
	copy(sorted, ops)
	op.SortByStamp(sorted)

	e := New(opts...)
	for _, o := range sorted {
		e.Integrate(o)
	}
	return e
}

// Integrate folds o into the state.
//
// Description:
//
//	Places o at its stamp position. Entries ordered after it are undone,
//	o is applied, and the undone operations are applied again on top.
//	Integrating an already integrated stamp returns OutcomeDuplicate and
//	changes nothing.
//
//	Integrate does not verify signatures or causal readiness; the
//	operation log does that before calling it.
//
// Inputs:
//
//	o - A validated operation. Must not be mutated afterwards.
//
// Outputs:
//
//	Result - What the operation did.
//
// Thread Safety: NOT safe for concurrent use.
func (e *Engine) Integrate(o *op.Operation) Result {
	s := o.Stamp()
	if _, dup := e.byStamp[s]; dup {
		res := Result{Stamp: s, Kind: o.Kind, Target: o.Target, Outcome: OutcomeDuplicate}
		e.record(res)
		return res
	}

	idx := sort.Search(len(e.entries), func(i int) bool {
		return s.Less(e.entries[i].stamp)
	})

	later := make([]*entry, len(e.entries)-idx)
	copy(later, e.entries[idx:])
	for i := len(later) - 1; i >= 0; i-- {
		e.undo(later[i])
	}
	e.entries = e.entries[:idx]

	ent := e.apply(o)
	e.entries = append(e.entries, ent)
	for _, l := range later {
		e.entries = append(e.entries, e.apply(l.op))
	}

	res := ent.result
	res.Replayed = len(later)
	e.record(res)
	return res
}

func (e *Engine) record(res Result) {
	if !e.observe {
		return
	}
	operationsTotal.WithLabelValues(res.Kind.String(), res.Outcome.String()).Inc()
	if res.Outcome != OutcomeDuplicate {
		replayedOperations.Observe(float64(res.Replayed))
	}
}

// Contains reports whether an operation with stamp s has been integrated.
func (e *Engine) Contains(s op.Stamp) bool {
	_, ok := e.byStamp[s]
	return ok
}

// Lookup returns the current result of the operation with stamp s. The
// result can change while earlier-stamped operations are still arriving.
func (e *Engine) Lookup(s op.Stamp) (Result, bool) {
	ent, ok := e.byStamp[s]
	if !ok {
		return Result{}, false
	}
	return ent.result, true
}

// Len returns the number of integrated operations.
func (e *Engine) Len() int {
	return len(e.entries)
}

// Node returns a copy of the record for id, tombstoned or not.
func (e *Engine) Node(id string) (*Node, bool) {
	n, ok := e.st.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// HasNode reports whether id has been inserted (tombstoned nodes count).
func (e *Engine) HasNode(id string) bool {
	_, ok := e.st.nodes[id]
	return ok
}

// Edge returns a copy of the record for id, tombstoned or not.
func (e *Engine) Edge(id string) (*Edge, bool) {
	ed, ok := e.st.edges[id]
	if !ok {
		return nil, false
	}
	return ed.Clone(), true
}

// HasEdge reports whether id has been inserted (tombstoned edges count).
func (e *Engine) HasEdge(id string) bool {
	_, ok := e.st.edges[id]
	return ok
}

// Export returns deep copies of every node and edge record.
func (e *Engine) Export() (map[string]*Node, map[string]*Edge) {
	nodes := make(map[string]*Node, len(e.st.nodes))
	for id, n := range e.st.nodes {
		nodes[id] = n.Clone()
	}
	edges := make(map[string]*Edge, len(e.st.edges))
	for id, ed := range e.st.edges {
		edges[id] = ed.Clone()
	}
	return nodes, edges
}

// Reversions returns every reversion currently in effect, in stamp order
// of the operation that caused it.
func (e *Engine) Reversions() []Reversion {
	var out []Reversion
	for _, ent := range e.entries {
		out = append(out, ent.result.Reversions...)
	}
	return out
}

// undo restores every record ent touched to its state before ent.
func (e *Engine) undo(ent *entry) {
	for id, prev := range ent.prevNodes {
		if cur, ok := e.st.nodes[id]; ok {
			e.st.unlink(id, cur.Parent)
			delete(e.st.nodes, id)
		}
		if prev != nil {
			e.st.nodes[id] = prev
			e.st.link(id, prev.Parent)
		}
	}
	for id, prev := range ent.prevEdges {
		if prev == nil {
			delete(e.st.edges, id)
		} else {
			e.st.edges[id] = prev
		}
	}
	delete(e.byStamp, ent.stamp)
}

// touchNode journals the record for id before its first change in the
// current entry.
func (e *Engine) touchNode(id string) {
	if _, done := e.cur.prevNodes[id]; done {
		return
	}
	if n, ok := e.st.nodes[id]; ok {
		e.cur.prevNodes[id] = n.Clone()
	} else {
		e.cur.prevNodes[id] = nil
	}
}

func (e *Engine) touchEdge(id string) {
	if _, done := e.cur.prevEdges[id]; done {
		return
	}
	if ed, ok := e.st.edges[id]; ok {
		e.cur.prevEdges[id] = ed.Clone()
	} else {
		e.cur.prevEdges[id] = nil
	}
}

// reparent changes n's parent link and keeps the children index current.
func (e *Engine) reparent(n *Node, link linkRecord) {
	e.touchNode(n.ID)
	e.st.unlink(n.ID, n.Parent)
	n.Parent = link.parent
	n.Position = link.position
	n.ParentSetBy = link.setBy
	n.ParentByMove = link.byMove
	e.st.link(n.ID, n.Parent)
}

// apply runs o against the current state and returns its journal entry.
func (e *Engine) apply(o *op.Operation) *entry {
	ent := &entry{
		op:        o,
		stamp:     o.Stamp(),
		prevNodes: make(map[string]*Node),
		prevEdges: make(map[string]*Edge),
	}
	e.byStamp[ent.stamp] = ent
	e.cur = ent
	defer func() { e.cur = nil }()

	var outcome Outcome
	switch p := o.Payload.(type) {
	case op.Insert:
		outcome = e.applyInsert(o, p)
	case op.Update:
		outcome = e.applyUpdate(o, p)
	case op.Delete:
		outcome = e.applyDelete(o, p)
	case op.Move:
		outcome = e.applyMove(o, p)
	case op.EdgeInsert:
		outcome = e.applyEdgeInsert(o, p)
	case op.EdgeDelete:
		outcome = e.applyEdgeDelete(o)
	default:
		outcome = OutcomeNoEffect
	}

	ent.result.Stamp = ent.stamp
	ent.result.Kind = o.Kind
	ent.result.Target = o.Target
	ent.result.Outcome = outcome
	return ent
}
