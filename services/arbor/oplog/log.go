// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oplog is the append-only, signed operation log of a replica.
//
// # Admission
//
// Append verifies, validates and gates each operation before it becomes
// durable:
//
//  1. Structure: op.Validate. Failure is ErrMalformedOperation.
//  2. Signature: the author's key is resolved through the keyring (a
//     carried key must hash to the author) and the signature checked.
//     Failure is ErrSignatureInvalid; nothing is recorded.
//  3. Causality: the author sequence must be exactly one past the local
//     version vector entry. Lower means duplicate; higher is buffered.
//  4. References: nodes and edges the operation depends on must exist.
//     Otherwise the operation is buffered.
//
// A ready operation is committed to the Store together with its version
// vector entry, then integrated into the tree store, then any buffered
// operations it unblocked are drained. All of this happens under one
// mutex, so no reader ever sees an operation that is logged but not
// materialized.
//
// Buffered operations that wait longer than the pending horizon are
// dropped and reported as ErrIntegrityTimeout through Status.
package oplog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/merge"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures a Log.
type Config struct {
	// PendingHorizon is how long a buffered operation may wait for its
	// predecessor before it is dropped.
	PendingHorizon time.Duration

	// MaxPending caps the buffer. Appends beyond it fail with ErrPendingFull.
	MaxPending int

	// SweepInterval is how often expired buffered operations are dropped.
	// 0 disables the background sweeper; call Sweep directly.
	SweepInterval time.Duration

	// VerifyOnReplay re-checks every signature when the log is opened.
	VerifyOnReplay bool

	Logger *slog.Logger

	// Now is the wall clock used for pending deadlines. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PendingHorizon: 10 * time.Minute,
		MaxPending:     10000,
		SweepInterval:  30 * time.Second,
		VerifyOnReplay: true,
	}
}

type pendingOp struct {
	op       *op.Operation
	reason   Status
	since    time.Time
	deadline time.Time
}

type failure struct {
	status Status
	err    error
	at     time.Time
}

// PendingInfo describes a buffered operation.
type PendingInfo struct {
	Ref      op.Ref
	Kind     op.Kind
	Reason   Status
	Since    time.Time
	Deadline time.Time
}

// Log is the operation log.
//
// Thread Safety: Safe for concurrent use. Signature verification runs
// outside the log mutex; admission and integration are serialized.
type Log struct {
	cfg     Config
	store   Store
	tree    *tree.Store
	keyring *identity.Keyring
	clock   *clock.Lamport
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	vv      clock.VersionVector
	pending map[op.Ref]*pendingOp
	failed  map[op.Ref]failure

	// notifyMu keeps subscriber delivery in integration order.
	notifyMu sync.Mutex
	subsMu   sync.RWMutex
	subs     map[int]Subscriber
	nextSub  int

	closed    atomic.Bool
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Open opens the log over store and replays it into tr.
//
// Description:
//
//	Loads the keyring, replays every stored operation into the tree store
//	in stamp order, observes their timestamps on clk, binds the log as the
//	tree store's history and starts the pending sweeper.
//
// Inputs:
//
//	ctx - Cancellation for the replay.
//	cfg - Log configuration. Zero fields take DefaultConfig values.
//	store - Durable backing. The log closes it on Close.
//	tr - An empty tree store.
//	clk - The replica's Lamport clock, shared with its op.Author.
//
// Outputs:
//
//	*Log - The open log.
//	error - Replay or storage errors, wrapped in ErrStorageIO.
func Open(ctx context.Context, cfg Config, store Store, tr *tree.Store, clk *clock.Lamport) (*Log, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	def := DefaultConfig()
	if cfg.PendingHorizon <= 0 {
		cfg.PendingHorizon = def.PendingHorizon
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.SweepInterval < 0 {
		cfg.SweepInterval = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Log{
		cfg:     cfg,
		store:   store,
		tree:    tr,
		keyring: identity.NewKeyring(store),
		clock:   clk,
		logger:  cfg.Logger.With(slog.String("component", "oplog")),
		tracer:  otel.Tracer("arbor.oplog"),
		vv:      clock.New(),
		pending: make(map[op.Ref]*pendingOp),
		failed:  make(map[op.Ref]failure),
		subs:    make(map[int]Subscriber),
	}

	if err := l.keyring.Load(ctx); err != nil {
		return nil, fmt.Errorf("%w: loading keyring: %w", ErrStorageIO, err)
	}
	if err := l.replay(ctx); err != nil {
		return nil, err
	}
	tr.BindHistory(l)

	if cfg.SweepInterval > 0 {
		l.sweepStop = make(chan struct{})
		l.sweepDone = make(chan struct{})
		go l.sweepLoop(cfg.SweepInterval)
	}
	return l, nil
}

// replay rebuilds the tree store from durable storage.
func (l *Log) replay(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "oplog.Replay")
	defer span.End()
	start := time.Now()

	stored, err := l.store.VersionVector(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read version vector failed")
		return fmt.Errorf("%w: reading version vector: %w", ErrStorageIO, err)
	}

	var ops []*op.Operation
	err = l.store.Scan(ctx, func(o *op.Operation) error {
		if !stored.Covers(o.Author, o.Seq) {
			l.logger.Warn("skipping operation beyond stored vector",
				slog.String("ref", o.Ref().String()))
			return nil
		}
		if l.cfg.VerifyOnReplay {
			pub, err := l.keyring.Resolve(ctx, o.Author, o.PublicKey)
			if err != nil || !o.Verify(pub) {
				return fmt.Errorf("%w: stored operation %s", ErrSignatureInvalid, o.Ref())
			}
		}
		ops = append(ops, o)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return fmt.Errorf("%w: replay: %w", ErrStorageIO, err)
	}

	if uint64(len(ops)) != stored.Total() {
		err := fmt.Errorf("%w: replay found %d operations, vector %s covers %d",
			ErrStorageIO, len(ops), stored, stored.Total())
		span.RecordError(err)
		span.SetStatus(codes.Error, "log has gaps")
		return err
	}

	op.SortByStamp(ops)
	for _, o := range ops {
		l.tree.Integrate(o)
		l.clock.Observe(o.Timestamp)
	}
	l.vv = stored.Clone()
	replayedTotal.Add(float64(len(ops)))

	span.SetAttributes(attribute.Int("operations", len(ops)))
	l.logger.Info("operation log replayed",
		slog.Int("operations", len(ops)),
		slog.String("version_vector", l.vv.String()),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Append admits one operation.
//
// Description:
//
//	Validates and verifies o, then integrates it if it is causally and
//	referentially ready, or buffers it otherwise. Buffering is not an
//	error: the returned Result carries StatusPendingCausal or
//	StatusPendingReferential, and Status reports the outcome later.
//
// Inputs:
//
//	ctx - Cancellation and tracing. Checked before the durable write.
//	o - The operation. Must not be mutated afterwards.
//
// Outputs:
//
//	Result - Status, merge result and released buffered operations.
//	error - ErrMalformedOperation, ErrSignatureInvalid, ErrPendingFull,
//	        ErrStorageIO, ErrClosed, or a context error.
//
// Thread Safety: Safe for concurrent use.
func (l *Log) Append(ctx context.Context, o *op.Operation) (Result, error) {
	if ctx == nil {
		return Result{}, ErrNilContext
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	if l.closed.Load() {
		return Result{}, ErrClosed
	}
	if o == nil {
		return Result{}, fmt.Errorf("%w: nil operation", ErrMalformedOperation)
	}

	ctx, span := l.tracer.Start(ctx, "oplog.Append",
		trace.WithAttributes(
			attribute.String("author", o.Author),
			attribute.Int64("seq", int64(o.Seq)),
			attribute.String("kind", o.Kind.String()),
		),
	)
	defer span.End()
	start := time.Now()

	if err := o.Validate(); err != nil {
		return l.reject(span, o, "malformed", fmt.Errorf("%w: %w", ErrMalformedOperation, err))
	}
	if err := l.verify(ctx, o); err != nil {
		return l.reject(span, o, "signature", err)
	}

	l.mu.Lock()
	res, events, err := l.admit(ctx, o)
	if err != nil {
		l.mu.Unlock()
		reason := "storage"
		if res.Status == StatusRejected {
			reason = "malformed"
		} else if res.Status == StatusPendingCausal || res.Status == StatusPendingReferential {
			reason = "pending_full"
		}
		return l.reject(span, o, reason, err)
	}
	l.notifyMu.Lock()
	l.mu.Unlock()
	l.publish(ctx, events)
	l.notifyMu.Unlock()

	appendsTotal.WithLabelValues(res.Status.String()).Inc()
	if res.Status == StatusIntegrated {
		appendDuration.Observe(time.Since(start).Seconds())
	}
	span.SetAttributes(
		attribute.String("status", res.Status.String()),
		attribute.Int("released", len(res.Released)),
	)
	return res, nil
}

func (l *Log) reject(span trace.Span, o *op.Operation, reason string, err error) (Result, error) {
	rejectionsTotal.WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	l.logger.Debug("operation rejected",
		slog.String("ref", o.Ref().String()),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	return Result{Ref: o.Ref()}, err
}

// verify resolves the author key and checks the signature.
func (l *Log) verify(ctx context.Context, o *op.Operation) error {
	pub, err := l.keyring.Resolve(ctx, o.Author, o.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if !o.Verify(pub) {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, o.Ref())
	}
	return nil
}

// admit runs the causal and referential gates and integrates or buffers o.
// Callers hold l.mu.
func (l *Log) admit(ctx context.Context, o *op.Operation) (Result, []Event, error) {
	ref := o.Ref()
	res := Result{Ref: ref}

	if l.vv.Covers(o.Author, o.Seq) {
		res.Status = StatusDuplicate
		return res, nil, nil
	}
	if p, ok := l.pending[ref]; ok {
		res.Status = p.reason
		return res, nil, nil
	}

	ready, err := l.readiness(o)
	if err != nil {
		res.Status = StatusRejected
		return res, nil, err
	}
	if ready != StatusIntegrated {
		res.Status = ready
		if len(l.pending) >= l.cfg.MaxPending {
			return res, nil, fmt.Errorf("%w: %d operations buffered", ErrPendingFull, len(l.pending))
		}
		now := l.cfg.Now()
		l.pending[ref] = &pendingOp{op: o, reason: ready, since: now, deadline: now.Add(l.cfg.PendingHorizon)}
		delete(l.failed, ref)
		l.updatePendingGauge()
		l.logger.Debug("operation buffered",
			slog.String("ref", ref.String()),
			slog.String("reason", ready.String()))
		return res, nil, nil
	}

	mr, err := l.integrate(ctx, o)
	if err != nil {
		return res, nil, err
	}
	delete(l.failed, ref)
	res.Status = StatusIntegrated
	res.Merge = mr
	events := []Event{{Op: o, Result: mr}}
	res.Released = l.drain(ctx, &events)
	return res, events, nil
}

// readiness returns StatusIntegrated when o can be integrated now, or the
// pending status it should wait under. Callers hold l.mu.
func (l *Log) readiness(o *op.Operation) (Status, error) {
	if o.Seq != l.vv.Get(o.Author)+1 {
		return StatusPendingCausal, nil
	}
	nodes, edges := o.Dependencies()
	for _, id := range nodes {
		created, ok := l.tree.CreatedBy(id)
		if !ok {
			return StatusPendingReferential, nil
		}
		if o.Timestamp <= created.Timestamp {
			return StatusRejected, fmt.Errorf("%w: %s timestamp %d not after creation of %s at %d",
				ErrMalformedOperation, o.Ref(), o.Timestamp, id, created.Timestamp)
		}
	}
	for _, id := range edges {
		if !l.tree.HasEdge(id) {
			return StatusPendingReferential, nil
		}
	}
	return StatusIntegrated, nil
}

// integrate commits o and folds it into the tree. Callers hold l.mu.
func (l *Log) integrate(ctx context.Context, o *op.Operation) (merge.Result, error) {
	if err := l.store.Commit(ctx, o); err != nil {
		l.logger.Error("commit failed",
			slog.String("ref", o.Ref().String()),
			slog.String("error", err.Error()))
		return merge.Result{}, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	mr := l.tree.Integrate(o)
	l.vv.Advance(o.Author, o.Seq)
	l.clock.Observe(o.Timestamp)
	return mr, nil
}

// drain integrates buffered operations until none is ready. Callers hold l.mu.
func (l *Log) drain(ctx context.Context, events *[]Event) []op.Ref {
	var released []op.Ref
	for progressed := true; progressed && len(l.pending) > 0; {
		progressed = false
		for _, ref := range l.pendingOrder() {
			p := l.pending[ref]
			if l.vv.Covers(ref.Author, ref.Seq) {
				delete(l.pending, ref)
				continue
			}
			ready, err := l.readiness(p.op)
			if err != nil {
				delete(l.pending, ref)
				l.failed[ref] = failure{status: StatusRejected, err: err, at: l.cfg.Now()}
				continue
			}
			if ready != StatusIntegrated {
				p.reason = ready
				continue
			}
			mr, err := l.integrate(ctx, p.op)
			if err != nil {
				// Leave it buffered; the next Append or the horizon settles it.
				l.updatePendingGauge()
				return released
			}
			delete(l.pending, ref)
			*events = append(*events, Event{Op: p.op, Result: mr})
			released = append(released, ref)
			progressed = true
		}
	}
	l.updatePendingGauge()
	return released
}

// pendingOrder returns buffered refs in stamp order.
func (l *Log) pendingOrder() []op.Ref {
	refs := make([]op.Ref, 0, len(l.pending))
	for ref := range l.pending {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return l.pending[refs[i]].op.Stamp().Less(l.pending[refs[j]].op.Stamp())
	})
	return refs
}

func (l *Log) updatePendingGauge() {
	var causal, referential int
	for _, p := range l.pending {
		if p.reason == StatusPendingCausal {
			causal++
		} else {
			referential++
		}
	}
	pendingGauge.WithLabelValues(StatusPendingCausal.String()).Set(float64(causal))
	pendingGauge.WithLabelValues(StatusPendingReferential.String()).Set(float64(referential))
}

// Status reports where the operation ref stands.
//
// Outputs:
//
//	Status - Current status.
//	error - ErrCausalGapPending or ErrReferentialGapPending while buffered,
//	        a wrapped ErrIntegrityTimeout after the horizon, a wrapped
//	        ErrMalformedOperation if it was rejected from the buffer, nil
//	        otherwise.
func (l *Log) Status(ref op.Ref) (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.vv.Covers(ref.Author, ref.Seq) {
		return StatusIntegrated, nil
	}
	if p, ok := l.pending[ref]; ok {
		return p.reason, p.reason.Err()
	}
	if f, ok := l.failed[ref]; ok {
		return f.status, f.err
	}
	return StatusUnknown, nil
}

// Pending lists buffered operations in stamp order.
func (l *Log) Pending() []PendingInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingInfo, 0, len(l.pending))
	for _, ref := range l.pendingOrder() {
		p := l.pending[ref]
		out = append(out, PendingInfo{
			Ref:      ref,
			Kind:     p.op.Kind,
			Reason:   p.reason,
			Since:    p.since,
			Deadline: p.deadline,
		})
	}
	return out
}

// Sweep drops buffered operations whose deadline is before now.
//
// Outputs:
//
//	[]op.Ref - The operations that timed out.
func (l *Log) Sweep(now time.Time) []op.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []op.Ref
	for _, ref := range l.pendingOrder() {
		p := l.pending[ref]
		if !now.After(p.deadline) {
			continue
		}
		delete(l.pending, ref)
		l.failed[ref] = failure{
			status: StatusTimedOut,
			err: fmt.Errorf("%w: %s waited %s (%s)",
				ErrIntegrityTimeout, ref, now.Sub(p.since).Round(time.Millisecond), p.reason),
			at: now,
		}
		expired = append(expired, ref)
		integrityTimeoutsTotal.Inc()
		l.logger.Warn("buffered operation timed out",
			slog.String("ref", ref.String()),
			slog.String("reason", p.reason.String()))
	}
	l.trimFailed()
	if len(expired) > 0 {
		l.updatePendingGauge()
	}
	return expired
}

// trimFailed bounds the failure record to MaxPending entries, oldest first.
func (l *Log) trimFailed() {
	excess := len(l.failed) - l.cfg.MaxPending
	if excess <= 0 {
		return
	}
	refs := make([]op.Ref, 0, len(l.failed))
	for ref := range l.failed {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return l.failed[refs[i]].at.Before(l.failed[refs[j]].at) })
	for _, ref := range refs[:excess] {
		delete(l.failed, ref)
	}
}

func (l *Log) sweepLoop(interval time.Duration) {
	defer close(l.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			l.Sweep(l.cfg.Now())
		}
	}
}

// VersionVector returns a copy of the integrated vector.
func (l *Log) VersionVector() clock.VersionVector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vv.Clone()
}

// Keyring returns the log's author keyring.
func (l *Log) Keyring() *identity.Keyring {
	return l.keyring
}

// Get returns the integrated operation ref.
func (l *Log) Get(ctx context.Context, ref op.Ref) (*op.Operation, bool, error) {
	ops, err := l.store.Range(ctx, ref.Author, ref.Seq, ref.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	if len(ops) == 0 {
		return nil, false, nil
	}
	return ops[0], true, nil
}

// Range returns author's integrated operations with from <= seq <= to, in
// sequence order. Sequence numbers beyond the integrated vector are not
// returned.
func (l *Log) Range(ctx context.Context, author string, from, to uint64) ([]*op.Operation, error) {
	if have := l.VersionVector().Get(author); to > have {
		to = have
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	ops, err := l.store.Range(ctx, author, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}
	return ops, nil
}

// Since returns every integrated operation vv does not cover, in stamp order.
func (l *Log) Since(ctx context.Context, vv clock.VersionVector) ([]*op.Operation, error) {
	local := l.VersionVector()
	var out []*op.Operation
	for _, author := range local.Authors() {
		from := vv.Get(author) + 1
		to := local.Get(author)
		if from > to {
			continue
		}
		ops, err := l.store.Range(ctx, author, from, to)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
		out = append(out, ops...)
	}
	op.SortByStamp(out)
	return out, nil
}

// Within returns every integrated operation vv covers. It implements
// tree.History.
func (l *Log) Within(ctx context.Context, vv clock.VersionVector) ([]*op.Operation, error) {
	local := l.VersionVector()
	var out []*op.Operation
	for _, author := range vv.Authors() {
		to := vv.Get(author)
		if have := local.Get(author); to > have {
			to = have
		}
		if to == 0 {
			continue
		}
		ops, err := l.store.Range(ctx, author, 1, to)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
		out = append(out, ops...)
	}
	return out, nil
}

// Close stops the sweeper and closes the store. Safe to call more than once.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.sweepStop != nil {
		close(l.sweepStop)
		<-l.sweepDone
	}
	return l.store.Close()
}
