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
	"sort"

	"github.com/AleutianAI/arbor/services/arbor/op"
)

func (e *Engine) applyInsert(o *op.Operation, p op.Insert) Outcome {
	if _, exists := e.st.nodes[o.Target]; exists {
		return OutcomeNoEffect
	}
	s := e.cur.stamp

	e.touchNode(o.Target)
	n := &Node{
		ID:          o.Target,
		Kind:        p.NodeKind,
		Metadata:    cloneMap(p.Metadata),
		Parent:      p.Parent,
		Position:    p.Position,
		CreatedBy:   s,
		ParentSetBy: s,
		UpdatedBy:   s,
	}
	if p.Content != nil {
		c := *p.Content
		n.Content = &c
	}
	e.st.nodes[n.ID] = n
	e.st.link(n.ID, n.Parent)
	return OutcomeApplied
}

func (e *Engine) applyUpdate(o *op.Operation, p op.Update) Outcome {
	n, ok := e.st.nodes[o.Target]
	if !ok || n.Tombstoned {
		return OutcomeNoEffect
	}

	e.touchNode(n.ID)
	if p.Content != nil {
		c := *p.Content
		n.Content = &c
	}
	if p.NodeKind != nil {
		n.Kind = *p.NodeKind
	}
	if len(p.MetadataSet) > 0 && n.Metadata == nil {
		n.Metadata = make(map[string]string, len(p.MetadataSet))
	}
	for k, v := range p.MetadataSet {
		n.Metadata[k] = v
	}
	for _, k := range p.MetadataUnset {
		delete(n.Metadata, k)
	}
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}
	n.UpdatedBy = e.cur.stamp
	return OutcomeApplied
}

func (e *Engine) applyDelete(o *op.Operation, p op.Delete) Outcome {
	n, ok := e.st.nodes[o.Target]
	if !ok {
		return OutcomeNoEffect
	}

	changed := e.tombstone(n)
	if p.Cascade {
		queue := e.childIDs(n.ID)
		seen := map[string]struct{}{n.ID: {}}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e.tombstone(e.st.nodes[id]) {
				changed = true
			}
			queue = append(queue, e.childIDs(id)...)
		}
	}
	if !changed {
		return OutcomeNoEffect
	}
	return OutcomeApplied
}

func (e *Engine) tombstone(n *Node) bool {
	if n == nil || n.Tombstoned {
		return false
	}
	e.touchNode(n.ID)
	n.Tombstoned = true
	n.DeletedBy = e.cur.stamp
	return true
}

// childIDs returns the ids indexed under parent in sorted order.
func (e *Engine) childIDs(parent string) []string {
	set := e.st.children[parent]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) applyMove(o *op.Operation, p op.Move) Outcome {
	n, ok := e.st.nodes[o.Target]
	if !ok || n.Tombstoned {
		return OutcomeNoEffect
	}
	if _, ok := e.st.nodes[p.NewParent]; !ok {
		return OutcomeNoEffect
	}

	e.cur.movePrior = &linkRecord{
		parent:   n.Parent,
		position: n.Position,
		setBy:    n.ParentSetBy,
		byMove:   n.ParentByMove,
	}
	e.reparent(n, linkRecord{
		parent:   p.NewParent,
		position: p.NewPosition,
		setBy:    e.cur.stamp,
		byMove:   true,
	})

	if e.resolveCycles(n.ID) {
		return OutcomeReverted
	}
	return OutcomeApplied
}

func (e *Engine) applyEdgeInsert(o *op.Operation, p op.EdgeInsert) Outcome {
	if _, exists := e.st.edges[o.Target]; exists {
		return OutcomeNoEffect
	}
	e.touchEdge(o.Target)
	e.st.edges[o.Target] = &Edge{
		ID:        o.Target,
		From:      p.From,
		To:        p.To,
		Relation:  p.Relation,
		Metadata:  cloneMap(p.Metadata),
		CreatedBy: e.cur.stamp,
	}
	return OutcomeApplied
}

func (e *Engine) applyEdgeDelete(o *op.Operation) Outcome {
	ed, ok := e.st.edges[o.Target]
	if !ok || ed.Tombstoned {
		return OutcomeNoEffect
	}
	e.touchEdge(ed.ID)
	ed.Tombstoned = true
	ed.DeletedBy = e.cur.stamp
	return OutcomeApplied
}
