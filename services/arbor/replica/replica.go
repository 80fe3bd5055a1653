// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replica assembles one arbor replica: identity, durable log,
// materialized tree and the local author.
//
//	r, err := replica.OpenConfig(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	res, err := r.Insert(ctx, op.Insert{NodeKind: "module", Position: position.First()})
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/config"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/position"
	"github.com/AleutianAI/arbor/services/arbor/storage/badger"
	"github.com/AleutianAI/arbor/services/arbor/tree"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoIdentity is returned when Options carries no identity.
	ErrNoIdentity = errors.New("replica identity is required")

	// ErrUnknownReference is returned when a local edit names a node or
	// edge this replica has never seen.
	ErrUnknownReference = errors.New("unknown node or edge")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replica closed")
)

const replicaIDFile = "REPLICA"

// Options configures Open.
type Options struct {
	Storage  badger.Config
	Log      oplog.Config
	Exchange exchange.Config

	// Identity signs local edits. The replica owns it and destroys it on Close.
	Identity *identity.Identity

	// ReplicaID names the replica. Empty means the id persisted next to the
	// data, or a fresh one.
	ReplicaID string

	// CarryKey attaches the public key to local edits.
	CarryKey bool

	Logger *slog.Logger
}

// Replica is an open replica.
//
// Thread Safety: Safe for concurrent use. Local edits are serialized so
// that sequence numbers reach the log in order.
type Replica struct {
	id       string
	identity *identity.Identity
	clock    *clock.Lamport
	tree     *tree.Store
	log      *oplog.Log
	peer     *exchange.Local
	exchange exchange.Config
	carryKey bool
	logger   *slog.Logger

	mu     sync.Mutex
	author *op.Author
	closed bool
}

// Open opens the replica described by opts.
//
// Description:
//
//	Opens the badger-backed operation store, replays it into a fresh tree
//	store and positions the local author after the highest sequence number
//	the log holds for this identity.
//
// Inputs:
//
//	ctx - Cancellation for the replay.
//	opts - Replica options. Identity is required.
//
// Outputs:
//
//	*Replica - The open replica. Call Close when done.
//	error - ErrNoIdentity, storage or replay failures.
func Open(ctx context.Context, opts Options) (*Replica, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if opts.Identity == nil {
		return nil, ErrNoIdentity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Storage.Logger == nil {
		opts.Storage.Logger = opts.Logger
	}
	if opts.Log.Logger == nil {
		opts.Log.Logger = opts.Logger
	}
	if opts.Exchange.Logger == nil {
		opts.Exchange.Logger = opts.Logger
	}

	replicaID, err := resolveReplicaID(opts.ReplicaID, opts.Storage)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With(
		slog.String("component", "replica"),
		slog.String("replica", replicaID),
	)

	store, err := oplog.OpenBadgerStore(opts.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tr := tree.New(tree.WithLogger(opts.Logger))
	clk := clock.NewLamport(0)
	log, err := oplog.Open(ctx, opts.Log, store, tr, clk)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open log: %w", err)
	}

	if _, err := log.Keyring().Register(ctx, opts.Identity.PublicKey()); err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("register own key: %w", err)
	}

	r := &Replica{
		id:       replicaID,
		identity: opts.Identity,
		clock:    clk,
		tree:     tr,
		log:      log,
		peer:     exchange.NewLocal(log, opts.Exchange),
		exchange: opts.Exchange,
		carryKey: opts.CarryKey,
		logger:   logger,
	}
	r.author = r.newAuthor()

	logger.Info("replica opened",
		slog.String("author", opts.Identity.Fingerprint()),
		slog.Uint64("seq", r.author.Seq()),
		slog.Uint64("ops", log.VersionVector().Total()),
		slog.Uint64("clock", clk.Current()),
	)
	return r, nil
}

// OpenConfig loads (or creates) the identity named by cfg and opens the
// replica.
func OpenConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Replica, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if logger == nil {
		logger = slog.Default()
	}
	id, err := LoadOrCreateIdentity(cfg.Identity.KeyFile, logger)
	if err != nil {
		return nil, err
	}
	r, err := Open(ctx, Options{
		Storage:   cfg.Storage,
		Log:       cfg.OplogConfig(logger),
		Exchange:  cfg.Exchange,
		Identity:  id,
		ReplicaID: cfg.Identity.ReplicaID,
		CarryKey:  cfg.Identity.CarryKey,
		Logger:    logger,
	})
	if err != nil {
		id.Destroy()
		return nil, err
	}
	return r, nil
}

// LoadOrCreateIdentity loads the key at path, generating and saving a new
// one if the file does not exist.
func LoadOrCreateIdentity(path string, logger *slog.Logger) (*identity.Identity, error) {
	id, err := identity.Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(path); err != nil {
		id.Destroy()
		return nil, err
	}
	if logger != nil {
		logger.Info("generated identity",
			slog.String("author", id.Fingerprint()),
			slog.String("key_file", path))
	}
	return id, nil
}

func resolveReplicaID(configured string, storage badger.Config) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if storage.InMemory || storage.Path == "" {
		return uuid.NewString(), nil
	}

	path := filepath.Join(storage.Path, replicaIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read replica id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(storage.Path, 0750); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", storage.Path, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0640); err != nil {
		return "", fmt.Errorf("write replica id: %w", err)
	}
	return id, nil
}

func (r *Replica) newAuthor() *op.Author {
	var opts []op.AuthorOption
	if r.carryKey {
		opts = append(opts, op.WithCarriedKey())
	}
	lastSeq := r.log.VersionVector().Get(r.identity.Fingerprint())
	return op.NewAuthor(r.identity, r.id, r.clock, lastSeq, opts...)
}

// ID returns the replica id.
func (r *Replica) ID() string { return r.id }

// Fingerprint returns the local author id.
func (r *Replica) Fingerprint() string { return r.identity.Fingerprint() }

// Log returns the operation log.
func (r *Replica) Log() *oplog.Log { return r.log }

// Tree returns the materialized tree store.
func (r *Replica) Tree() *tree.Store { return r.tree }

// Snapshot returns the current materialized state.
func (r *Replica) Snapshot() *tree.Snapshot { return r.tree.Snapshot() }

// VersionVector returns the integrated version vector.
func (r *Replica) VersionVector() clock.VersionVector { return r.log.VersionVector() }

// Peer exposes the replica to exchange.Reconcile.
func (r *Replica) Peer() exchange.Peer { return r.peer }

// Append integrates an operation received from elsewhere.
func (r *Replica) Append(ctx context.Context, o *op.Operation) (oplog.Result, error) {
	return r.log.Append(ctx, o)
}

// Subscribe registers sub for integration events.
func (r *Replica) Subscribe(sub oplog.Subscriber) (unsubscribe func()) {
	return r.log.Subscribe(sub)
}

// Reconstruct returns the state at vv.
func (r *Replica) Reconstruct(ctx context.Context, vv clock.VersionVector) (*tree.Snapshot, error) {
	return r.tree.Reconstruct(ctx, vv)
}

// Sync reconciles this replica with remote.
func (r *Replica) Sync(ctx context.Context, remote exchange.Peer) (exchange.Summary, error) {
	return exchange.Reconcile(ctx, r.peer, remote, r.exchange)
}

// Insert creates a node with a generated id.
func (r *Replica) Insert(ctx context.Context, p op.Insert) (oplog.Result, error) {
	return r.submit(ctx, nodeRefs(p.Parent), nil, func(a *op.Author) (*op.Operation, error) {
		return a.Insert(p)
	})
}

// InsertAs creates a node with a caller-chosen id.
func (r *Replica) InsertAs(ctx context.Context, nodeID string, p op.Insert) (oplog.Result, error) {
	return r.submit(ctx, nodeRefs(p.Parent), nil, func(a *op.Author) (*op.Operation, error) {
		return a.InsertAs(nodeID, p)
	})
}

// AppendChild inserts a node after the last live child of parent.
func (r *Replica) AppendChild(ctx context.Context, parent, kind string, content *string) (oplog.Result, error) {
	var siblings []*tree.Node
	snap := r.tree.Snapshot()
	if parent == "" {
		siblings = snap.Roots()
	} else {
		siblings = snap.Children(parent)
	}
	pos := position.First()
	if n := len(siblings); n > 0 {
		next, err := position.After(siblings[n-1].Position)
		if err != nil {
			return oplog.Result{}, fmt.Errorf("position after %s: %w", siblings[n-1].ID, err)
		}
		pos = next
	}
	return r.Insert(ctx, op.Insert{NodeKind: kind, Content: content, Parent: parent, Position: pos})
}

// Update changes node attributes.
func (r *Replica) Update(ctx context.Context, nodeID string, p op.Update) (oplog.Result, error) {
	return r.submit(ctx, nodeRefs(nodeID), nil, func(a *op.Author) (*op.Operation, error) {
		return a.Update(nodeID, p)
	})
}

// Delete tombstones a node, and with cascade every current descendant.
func (r *Replica) Delete(ctx context.Context, nodeID string, cascade bool) (oplog.Result, error) {
	return r.submit(ctx, nodeRefs(nodeID), nil, func(a *op.Author) (*op.Operation, error) {
		return a.Delete(nodeID, cascade)
	})
}

// Move reparents a node.
func (r *Replica) Move(ctx context.Context, nodeID, newParent, newPosition string) (oplog.Result, error) {
	return r.submit(ctx, nodeRefs(nodeID, newParent), nil, func(a *op.Author) (*op.Operation, error) {
		return a.Move(nodeID, newParent, newPosition)
	})
}

// InsertEdge creates an edge with a generated id. Endpoints may dangle.
func (r *Replica) InsertEdge(ctx context.Context, p op.EdgeInsert) (oplog.Result, error) {
	return r.submit(ctx, nil, nil, func(a *op.Author) (*op.Operation, error) {
		return a.InsertEdge(p)
	})
}

// DeleteEdge tombstones an edge.
func (r *Replica) DeleteEdge(ctx context.Context, edgeID string) (oplog.Result, error) {
	return r.submit(ctx, nil, []string{edgeID}, func(a *op.Author) (*op.Operation, error) {
		return a.DeleteEdge(edgeID)
	})
}

func nodeRefs(ids ...string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// submit emits one local operation and appends it.
//
// The referenced nodes and edges must already be present: a local edit
// that would wait in the pending buffer for something this replica has
// never seen is refused before a sequence number is spent.
func (r *Replica) submit(ctx context.Context, nodes, edges []string, emit func(*op.Author) (*op.Operation, error)) (oplog.Result, error) {
	if ctx == nil {
		return oplog.Result{}, ErrNilContext
	}
	for _, id := range nodes {
		if !r.tree.HasNode(id) {
			return oplog.Result{}, fmt.Errorf("%w: node %s", ErrUnknownReference, id)
		}
	}
	for _, id := range edges {
		if !r.tree.HasEdge(id) {
			return oplog.Result{}, fmt.Errorf("%w: edge %s", ErrUnknownReference, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return oplog.Result{}, ErrClosed
	}

	o, err := emit(r.author)
	if err != nil {
		return oplog.Result{}, err
	}
	res, err := r.log.Append(ctx, o)
	if err != nil {
		// The author already spent the sequence number. Rewind it to what
		// the log holds so the next edit does not open a causal gap.
		r.author = r.newAuthor()
		r.logger.Warn("local edit not integrated",
			slog.String("ref", o.Ref().String()),
			slog.String("kind", o.Kind.String()),
			slog.String("error", err.Error()))
		return res, err
	}
	return res, nil
}

// Close closes the log and store and destroys the identity.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.log.Close()
	r.identity.Destroy()
	if err != nil {
		return fmt.Errorf("close replica: %w", err)
	}
	r.logger.Info("replica closed")
	return nil
}
