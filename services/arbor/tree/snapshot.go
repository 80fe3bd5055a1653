// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/merge"
)

// Node is a materialized tree node.
type Node = merge.Node

// Edge is a materialized relationship between nodes.
type Edge = merge.Edge

// Snapshot is an immutable, version-vector-stamped view of the tree.
//
// Description:
//
//	A node is live when neither it nor any ancestor is tombstoned and its
//	ancestor chain reaches a root. Children queries return live nodes in
//	sibling order: position key, then the stamp of the operation that set
//	the parent link, then node id. Lookups by id also return tombstoned
//	records.
//
//	Every returned record is a copy.
//
// Thread Safety: Safe for concurrent use.
type Snapshot struct {
	vv         clock.VersionVector
	nodes      map[string]*Node
	edges      map[string]*Edge
	children   map[string][]string
	live       map[string]bool
	reversions []merge.Reversion
}

func newSnapshot(vv clock.VersionVector, nodes map[string]*Node, edges map[string]*Edge, reversions []merge.Reversion) *Snapshot {
	s := &Snapshot{
		vv:         vv.Clone(),
		nodes:      nodes,
		edges:      edges,
		children:   make(map[string][]string),
		live:       make(map[string]bool, len(nodes)),
		reversions: reversions,
	}

	for id, n := range nodes {
		s.children[n.Parent] = append(s.children[n.Parent], id)
	}
	for parent, ids := range s.children {
		sort.Slice(ids, func(i, j int) bool {
			a, b := nodes[ids[i]], nodes[ids[j]]
			if a.Position != b.Position {
				return a.Position < b.Position
			}
			if c := a.ParentSetBy.Compare(b.ParentSetBy); c != 0 {
				return c < 0
			}
			return a.ID < b.ID
		})
		s.children[parent] = ids
	}

	for id := range nodes {
		s.resolveLive(id)
	}
	return s
}

// resolveLive memoizes liveness up the ancestor chain. The merge engine
// keeps the tree acyclic; the depth guard only protects against a
// corrupted record set.
func (s *Snapshot) resolveLive(id string) bool {
	var chain []string
	cur := id
	live := false
	for depth := 0; depth <= len(s.nodes); depth++ {
		if v, ok := s.live[cur]; ok {
			live = v
			break
		}
		n, ok := s.nodes[cur]
		if !ok || n.Tombstoned {
			live = false
			if ok {
				chain = append(chain, cur)
			}
			break
		}
		chain = append(chain, cur)
		if n.Parent == "" {
			live = true
			break
		}
		cur = n.Parent
	}
	for _, c := range chain {
		s.live[c] = live
	}
	return live
}

// VersionVector returns the vector the snapshot was taken at.
func (s *Snapshot) VersionVector() clock.VersionVector {
	return s.vv.Clone()
}

// Node returns the record for id, including tombstoned nodes.
func (s *Snapshot) Node(id string) (*Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// IsLive reports whether id is visible in tree queries.
func (s *Snapshot) IsLive(id string) bool {
	return s.live[id]
}

// Len returns the number of live nodes.
func (s *Snapshot) Len() int {
	n := 0
	for _, v := range s.live {
		if v {
			n++
		}
	}
	return n
}

// Roots returns the live root nodes in sibling order.
func (s *Snapshot) Roots() []*Node {
	return s.liveChildren("")
}

// Children returns the live children of id in sibling order. A parent that
// is not live has no visible children.
func (s *Snapshot) Children(id string) []*Node {
	if !s.live[id] {
		return nil
	}
	return s.liveChildren(id)
}

func (s *Snapshot) liveChildren(parent string) []*Node {
	var out []*Node
	for _, cid := range s.children[parent] {
		if s.live[cid] {
			out = append(out, s.nodes[cid].Clone())
		}
	}
	return out
}

// Subtree returns id and its live descendants in pre-order.
func (s *Snapshot) Subtree(id string) []*Node {
	if !s.live[id] {
		return nil
	}
	var out []*Node
	var walk func(string)
	walk = func(cur string) {
		out = append(out, s.nodes[cur].Clone())
		for _, cid := range s.children[cur] {
			if s.live[cid] {
				walk(cid)
			}
		}
	}
	walk(id)
	return out
}

// Ancestors returns the parent chain of id, nearest first.
func (s *Snapshot) Ancestors(id string) []*Node {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	var out []*Node
	seen := map[string]bool{id: true}
	for cur := n.Parent; cur != "" && !seen[cur]; {
		seen[cur] = true
		p, ok := s.nodes[cur]
		if !ok {
			break
		}
		out = append(out, p.Clone())
		cur = p.Parent
	}
	return out
}

// Edge returns the record for id, including tombstoned edges.
func (s *Snapshot) Edge(id string) (*Edge, bool) {
	e, ok := s.edges[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// EdgesFrom returns live edges whose source is nodeID. An empty relation
// matches any relation. Edges touching a tombstoned or hidden node are not
// live.
func (s *Snapshot) EdgesFrom(nodeID, relation string) []*Edge {
	return s.filterEdges(func(e *Edge) bool {
		return e.From == nodeID && (relation == "" || e.Relation == relation)
	})
}

// EdgesTo returns live edges whose target is nodeID.
func (s *Snapshot) EdgesTo(nodeID, relation string) []*Edge {
	return s.filterEdges(func(e *Edge) bool {
		return e.To == nodeID && (relation == "" || e.Relation == relation)
	})
}

// Edges returns every live edge in id order.
func (s *Snapshot) Edges() []*Edge {
	return s.filterEdges(func(*Edge) bool { return true })
}

// EdgesByRelation returns every live edge with the given relation.
func (s *Snapshot) EdgesByRelation(relation string) []*Edge {
	return s.filterEdges(func(e *Edge) bool { return e.Relation == relation })
}

// edgeLive reports whether e is visible. An edge hides once it or an
// endpoint present on this replica is no longer live. Endpoints that have not
// arrived yet do not hide it.
func (s *Snapshot) edgeLive(e *Edge) bool {
	if e.Tombstoned {
		return false
	}
	for _, id := range [2]string{e.From, e.To} {
		if _, ok := s.nodes[id]; ok && !s.live[id] {
			return false
		}
	}
	return true
}

func (s *Snapshot) filterEdges(keep func(*Edge) bool) []*Edge {
	var out []*Edge
	for _, e := range s.edges {
		if s.edgeLive(e) && keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reversions returns the cycle reversions in effect at this version.
func (s *Snapshot) Reversions() []merge.Reversion {
	out := make([]merge.Reversion, len(s.reversions))
	copy(out, s.reversions)
	return out
}

// digestForm is the canonical encoding hashed by Digest.
type digestForm struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Digest returns a hex SHA-256 over every node and edge record, tombstones
// included, in id order. Two snapshots with equal digests hold identical
// state.
func (s *Snapshot) Digest() string {
	form := digestForm{
		Nodes: make([]*Node, 0, len(s.nodes)),
		Edges: make([]*Edge, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		form.Nodes = append(form.Nodes, n)
	}
	for _, e := range s.edges {
		form.Edges = append(form.Edges, e)
	}
	sort.Slice(form.Nodes, func(i, j int) bool { return form.Nodes[i].ID < form.Nodes[j].ID })
	sort.Slice(form.Edges, func(i, j int) bool { return form.Edges[i].ID < form.Edges[j].ID })

	// Records hold only strings, bools, stamps and string maps, which
	// encoding/json renders deterministically (map keys sorted).
	b, _ := json.Marshal(form)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MarshalJSON renders the live tree for export and debugging.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	type treeNode struct {
		*Node
		Children []*treeNode `json:"children,omitempty"`
	}
	var build func(n *Node) *treeNode
	build = func(n *Node) *treeNode {
		tn := &treeNode{Node: n}
		for _, c := range s.liveChildren(n.ID) {
			tn.Children = append(tn.Children, build(c))
		}
		return tn
	}

	var roots []*treeNode
	for _, r := range s.Roots() {
		roots = append(roots, build(r))
	}
	return json.Marshal(struct {
		VersionVector clock.VersionVector `json:"version_vector"`
		Roots         []*treeNode         `json:"roots"`
		Edges         []*Edge             `json:"edges,omitempty"`
	}{
		VersionVector: s.vv,
		Roots:         roots,
		Edges:         s.Edges(),
	})
}
