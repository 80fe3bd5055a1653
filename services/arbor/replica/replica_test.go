// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replica

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/arbor/services/arbor/config"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/storage/badger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemory(t *testing.T, name string) *Replica {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	logCfg := oplog.DefaultConfig()
	logCfg.SweepInterval = 0
	r, err := Open(context.Background(), Options{
		Storage:   badger.InMemoryConfig(),
		Log:       logCfg,
		Identity:  id,
		ReplicaID: name,
		CarryKey:  true,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func diskConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage = badger.DefaultConfig(filepath.Join(dir, "data"))
	cfg.Storage.GCInterval = 0
	cfg.Identity.KeyFile = filepath.Join(dir, "identity.json")
	cfg.Log.SweepInterval = 0
	return cfg
}

func TestOpen_RequiresIdentity(t *testing.T) {
	_, err := Open(context.Background(), Options{Storage: badger.InMemoryConfig()})
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = Open(nil, Options{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestReplica_LocalEdits(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t, "a")

	root, err := r.InsertAs(ctx, "root", op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	assert.Equal(t, oplog.StatusIntegrated, root.Status)
	assert.Equal(t, uint64(1), root.Ref.Seq)
	assert.Equal(t, r.Fingerprint(), root.Ref.Author)

	first, err := r.AppendChild(ctx, "root", "fn", op.String("alpha"))
	require.NoError(t, err)
	second, err := r.AppendChild(ctx, "root", "fn", op.String("beta"))
	require.NoError(t, err)

	snap := r.Snapshot()
	children := snap.Children("root")
	require.Len(t, children, 2)
	assert.Equal(t, "alpha", *children[0].Content)
	assert.Equal(t, "beta", *children[1].Content)
	assert.Less(t, children[0].Position, children[1].Position)

	_, err = r.Update(ctx, children[1].ID, op.Update{Content: op.String("gamma")})
	require.NoError(t, err)
	_, err = r.Move(ctx, children[1].ID, children[0].ID, "")
	require.NoError(t, err)

	edge, err := r.InsertEdge(ctx, op.EdgeInsert{From: children[0].ID, To: children[1].ID, Relation: "calls"})
	require.NoError(t, err)
	_, err = r.DeleteEdge(ctx, r.mustLastEdge(t, edge))
	require.NoError(t, err)

	_, err = r.Delete(ctx, "root", true)
	require.NoError(t, err)
	assert.Zero(t, r.Snapshot().Len())

	assert.Equal(t, uint64(8), r.VersionVector().Get(r.Fingerprint()))
	assert.Equal(t, uint64(2), first.Ref.Seq)
	assert.Equal(t, uint64(3), second.Ref.Seq)
}

// mustLastEdge returns the edge id created by res.
func (r *Replica) mustLastEdge(t *testing.T, res oplog.Result) string {
	t.Helper()
	o, ok, err := r.log.Get(context.Background(), res.Ref)
	require.NoError(t, err)
	require.True(t, ok)
	return o.Target
}

func TestReplica_UnknownReferenceSpendsNoSequence(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t, "a")

	_, err := r.Update(ctx, "ghost", op.Update{Content: op.String("x")})
	assert.ErrorIs(t, err, ErrUnknownReference)
	_, err = r.Insert(ctx, op.Insert{NodeKind: "fn", Parent: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownReference)
	_, err = r.DeleteEdge(ctx, "ghost-edge")
	assert.ErrorIs(t, err, ErrUnknownReference)

	res, err := r.Insert(ctx, op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Ref.Seq)
}

func TestReplica_InvalidEditSpendsNoSequence(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t, "a")

	// An empty node kind fails validation inside the author, before the
	// log sees anything.
	_, err := r.Insert(ctx, op.Insert{})
	require.Error(t, err)

	res, err := r.Insert(ctx, op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Ref.Seq)
}

func TestReplica_ConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t, "a")
	_, err := r.InsertAs(ctx, "root", op.Insert{NodeKind: "module"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := r.Insert(ctx, op.Insert{NodeKind: "fn", Parent: "root"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(81), r.VersionVector().Get(r.Fingerprint()))
	assert.Len(t, r.Snapshot().Children("root"), 80)
	assert.Empty(t, r.Log().Pending())
}

func TestReplica_SyncConverges(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t, "a")
	b := openMemory(t, "b")

	_, err := a.InsertAs(ctx, "root", op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	_, err = b.InsertAs(ctx, "other", op.Insert{NodeKind: "module"})
	require.NoError(t, err)

	sum, err := a.Sync(ctx, b.Peer())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pulled.Integrated)
	assert.Equal(t, 1, sum.Pushed.Integrated)

	_, err = b.AppendChild(ctx, "root", "fn", op.String("from b"))
	require.NoError(t, err)
	_, err = a.AppendChild(ctx, "other", "fn", op.String("from a"))
	require.NoError(t, err)
	_, err = b.Sync(ctx, a.Peer())
	require.NoError(t, err)

	assert.True(t, a.VersionVector().Equal(b.VersionVector()))
	assert.Equal(t, a.Snapshot().Digest(), b.Snapshot().Digest())
	assert.ElementsMatch(t, []string{a.Fingerprint(), b.Fingerprint()}, a.Log().Keyring().Authors())
}

func TestReplica_SubscribeAndReconstruct(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t, "a")

	var (
		mu   sync.Mutex
		seen []uint64
	)
	unsubscribe := r.Subscribe(oplog.SubscriberFunc(func(_ context.Context, ev oplog.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Op.Seq)
	}))

	_, err := r.InsertAs(ctx, "root", op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	before := r.VersionVector()
	_, err = r.AppendChild(ctx, "root", "fn", nil)
	require.NoError(t, err)
	unsubscribe()
	_, err = r.AppendChild(ctx, "root", "fn", nil)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, seen)
	mu.Unlock()

	past, err := r.Reconstruct(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, 1, past.Len())
	assert.Len(t, r.Snapshot().Children("root"), 2)
}

func TestOpenConfig_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := diskConfig(t, dir)

	r, err := OpenConfig(ctx, cfg, quietLogger())
	require.NoError(t, err)
	replicaID := r.ID()
	author := r.Fingerprint()
	_, err = r.InsertAs(ctx, "root", op.Insert{NodeKind: "module"})
	require.NoError(t, err)
	_, err = r.AppendChild(ctx, "root", "fn", op.String("body"))
	require.NoError(t, err)
	digest := r.Snapshot().Digest()
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Insert(ctx, op.Insert{NodeKind: "late"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = os.Stat(cfg.Identity.KeyFile)
	require.NoError(t, err)

	r2, err := OpenConfig(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, replicaID, r2.ID())
	assert.Equal(t, author, r2.Fingerprint())
	assert.Equal(t, digest, r2.Snapshot().Digest())

	res, err := r2.AppendChild(ctx, "root", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Ref.Seq)
	assert.Equal(t, oplog.StatusIntegrated, res.Status)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.json")

	id, err := LoadOrCreateIdentity(path, quietLogger())
	require.NoError(t, err)
	fp := id.Fingerprint()
	id.Destroy()

	again, err := LoadOrCreateIdentity(path, nil)
	require.NoError(t, err)
	defer again.Destroy()
	assert.Equal(t, fp, again.Fingerprint())

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0600))
	_, err = LoadOrCreateIdentity(bad, nil)
	assert.ErrorIs(t, err, identity.ErrInvalidKeyFile)
}

func TestResolveReplicaID(t *testing.T) {
	id, err := resolveReplicaID("fixed", badger.InMemoryConfig())
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	mem, err := resolveReplicaID("", badger.InMemoryConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, mem)

	cfg := badger.DefaultConfig(filepath.Join(t.TempDir(), "data"))
	first, err := resolveReplicaID("", cfg)
	require.NoError(t, err)
	second, err := resolveReplicaID("", cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
