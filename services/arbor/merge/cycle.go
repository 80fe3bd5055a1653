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
	"log/slog"
)

// findLoop walks the ancestor chain from start with a visited set.
//
// Returns the ids whose parent links form a loop, or nil if the chain
// reaches a root or a node that does not exist.
func (e *Engine) findLoop(start string) []string {
	n, ok := e.st.nodes[start]
	if !ok {
		return nil
	}

	path := []string{start}
	index := map[string]int{start: 0}
	for cur := n.Parent; cur != ""; {
		if i, seen := index[cur]; seen {
			return path[i:]
		}
		index[cur] = len(path)
		path = append(path, cur)

		next, ok := e.st.nodes[cur]
		if !ok {
			return nil
		}
		cur = next.Parent
	}
	return nil
}

// resolveCycles reverts moves until no loop passes through start.
//
// Description:
//
//	Each round finds a loop and reverts the lowest-stamped move among the
//	links in it, restoring the link that move replaced. The restored link
//	may itself close a different loop, so the reverted node is checked
//	next. Every round retires one move for the rest of this entry, so the
//	loop terminates.
//
// Outputs:
//
//	bool - True if the move being applied reverted itself.
func (e *Engine) resolveCycles(start string) bool {
	selfReverted := false
	work := []string{start}

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]

		loop := e.findLoop(id)
		if loop == nil {
			continue
		}

		victim := ""
		for _, member := range loop {
			n := e.st.nodes[member]
			if !n.ParentByMove {
				continue
			}
			if victim == "" || n.ParentSetBy.Less(e.st.nodes[victim].ParentSetBy) {
				victim = member
			}
		}

		if victim == "" {
			// Only reachable if a loop was built from inserts alone.
			n := e.st.nodes[id]
			e.logger.Warn("parent loop without a move, detaching node",
				slog.String("node", id),
				slog.String("by", e.cur.stamp.String()))
			e.reparent(n, linkRecord{parent: "", position: n.Position, setBy: n.ParentSetBy})
			continue
		}

		vn := e.st.nodes[victim]
		reverted := vn.ParentSetBy
		owner, ok := e.byStamp[reverted]
		if !ok || owner.movePrior == nil {
			e.logger.Warn("move journal missing, detaching node",
				slog.String("node", victim),
				slog.String("move", reverted.String()))
			e.reparent(vn, linkRecord{parent: "", position: vn.Position, setBy: vn.ParentSetBy})
			continue
		}

		e.reparent(vn, *owner.movePrior)
		rev := Reversion{Node: victim, Reverted: reverted, By: e.cur.stamp}
		e.cur.result.Reversions = append(e.cur.result.Reversions, rev)
		if reverted == e.cur.stamp {
			selfReverted = true
		}

		if e.observe {
			cycleReversionsTotal.Inc()
		}
		e.logger.Info("move reverted to break cycle",
			slog.String("node", victim),
			slog.String("reverted", reverted.String()),
			slog.String("by", e.cur.stamp.String()))

		work = append(work, victim)
	}
	return selfReverted
}
