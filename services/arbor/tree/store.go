// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree holds the materialized, queryable projection of the
// operation log.
//
// The Store owns the live merge engine. Only the operation log writes to
// it (Integrate); everything else reads consistent Snapshots. Historical
// states are rebuilt on demand with Reconstruct by folding exactly the
// operations a version vector covers.
package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/merge"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoHistory is returned by Reconstruct when no history source is bound.
	ErrNoHistory = errors.New("tree store has no history source")

	// ErrFutureVersion is returned when a reconstruct vector is not covered
	// by what the replica has integrated.
	ErrFutureVersion = errors.New("version vector not yet integrated")

	// ErrIncompleteHistory is returned when the history source cannot
	// supply every operation a vector covers.
	ErrIncompleteHistory = errors.New("history incomplete for version vector")
)

// History supplies the operations covered by a version vector.
type History interface {
	// Within returns every integrated operation whose author sequence is
	// at or below the vector's entry for its author. Order is unspecified.
	Within(ctx context.Context, vv clock.VersionVector) ([]*op.Operation, error)
}

// Store is the materialized tree.
//
// Thread Safety: Safe for concurrent use. Integrate takes the write lock;
// queries go through Snapshot, which is built once per version and then
// shared.
type Store struct {
	mu     sync.RWMutex
	engine *merge.Engine
	vv     clock.VersionVector
	snap   *Snapshot

	history History
	group   singleflight.Group

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistory binds the source used by Reconstruct.
func WithHistory(h History) Option {
	return func(s *Store) { s.history = h }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		vv:     clock.New(),
		logger: slog.Default(),
		tracer: otel.Tracer("arbor.tree"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "tree"))
	s.engine = merge.New(merge.WithLogger(s.logger), merge.WithMetrics())
	return s
}

// BindHistory sets the source used by Reconstruct. The operation log
// calls this when it is opened over the store.
func (s *Store) BindHistory(h History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// Integrate applies a committed operation.
//
// Description:
//
//	Folds o into the live engine, advances the store's version vector and
//	drops the cached snapshot. Callers must integrate each operation once,
//	after it is durable, and in per-author sequence order.
//
// Outputs:
//
//	merge.Result - What the operation did.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Integrate(o *op.Operation) merge.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.engine.Integrate(o)
	if res.Outcome != merge.OutcomeDuplicate {
		s.vv.Advance(o.Author, o.Seq)
	}
	s.snap = nil
	return res
}

// Snapshot returns a consistent view of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap != nil {
		return snap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		nodes, edges := s.engine.Export()
		s.snap = newSnapshot(s.vv, nodes, edges, s.engine.Reversions())
	}
	return s.snap
}

// VersionVector returns a copy of the integrated vector.
func (s *Store) VersionVector() clock.VersionVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vv.Clone()
}

// HasNode reports whether id has been inserted, tombstoned or not.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.HasNode(id)
}

// HasEdge reports whether the edge id has been inserted.
func (s *Store) HasEdge(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.HasEdge(id)
}

// CreatedBy returns the stamp of the insert that created node id.
func (s *Store) CreatedBy(id string) (op.Stamp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.engine.Node(id)
	if !ok {
		return op.Stamp{}, false
	}
	return n.CreatedBy, true
}

// Outcome returns the current merge result of an integrated operation.
func (s *Store) Outcome(st op.Stamp) (merge.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Lookup(st)
}

// Reconstruct rebuilds the state as of vv.
//
// Description:
//
//	Fetches exactly the operations vv covers from the bound history and
//	folds them into a fresh engine. Because the fold is order independent
//	the result is identical to the state this replica held when its own
//	vector first equalled vv. Concurrent requests for the same vector
//	share one fold.
//
// Inputs:
//
//	ctx - Cancellation and tracing.
//	vv - Target vector. Must be covered by the integrated vector.
//
// Outputs:
//
//	*Snapshot - The historical view.
//	error - ErrNoHistory, ErrFutureVersion, ErrIncompleteHistory, or a
//	        history error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Reconstruct(ctx context.Context, vv clock.VersionVector) (*Snapshot, error) {
	s.mu.RLock()
	history := s.history
	current := s.vv.Clone()
	s.mu.RUnlock()

	if history == nil {
		return nil, ErrNoHistory
	}
	if !vv.LessOrEqual(current) {
		return nil, fmt.Errorf("%w: requested %s, integrated %s", ErrFutureVersion, vv, current)
	}

	key := vv.String()
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.reconstruct(ctx, history, vv)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("reconstruct shared", slog.String("version_vector", key))
	}
	return v.(*Snapshot), nil
}

func (s *Store) reconstruct(ctx context.Context, history History, vv clock.VersionVector) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "tree.Reconstruct",
		trace.WithAttributes(
			attribute.String("version_vector", vv.String()),
			attribute.Int64("operations", int64(vv.Total())),
		),
	)
	defer span.End()
	start := time.Now()

	ops, err := history.Within(ctx, vv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history read failed")
		return nil, fmt.Errorf("reading history: %w", err)
	}

	covered := make([]*op.Operation, 0, len(ops))
	seen := make(map[op.Ref]struct{}, len(ops))
	for _, o := range ops {
		if !vv.Covers(o.Author, o.Seq) {
			continue
		}
		if _, dup := seen[o.Ref()]; dup {
			continue
		}
		seen[o.Ref()] = struct{}{}
		covered = append(covered, o)
	}
	if uint64(len(covered)) != vv.Total() {
		got := clock.New()
		for ref := range seen {
			if ref.Seq > got.Get(ref.Author) {
				got.Advance(ref.Author, ref.Seq)
			}
		}
		err := fmt.Errorf("%w: have %s, want %s", ErrIncompleteHistory, got, vv)
		span.RecordError(err)
		span.SetStatus(codes.Error, "incomplete history")
		return nil, err
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := merge.Fold(covered, merge.WithLogger(quiet))
	nodes, edges := engine.Export()
	snap := newSnapshot(vv, nodes, edges, engine.Reversions())

	s.logger.Debug("reconstructed",
		slog.String("version_vector", vv.String()),
		slog.Int("operations", len(covered)),
		slog.Duration("took", time.Since(start)))
	return snap, nil
}
