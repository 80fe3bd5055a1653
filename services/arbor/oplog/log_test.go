// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/op/optest"
	"github.com/AleutianAI/arbor/services/arbor/storage/badger"
	"github.com/AleutianAI/arbor/services/arbor/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(fc *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.Logger = quietLogger()
	if fc != nil {
		cfg.Now = fc.Now
	}
	return cfg
}

func openLog(t *testing.T, store Store, fc *fakeClock) (*Log, *tree.Store) {
	t.Helper()
	tr := tree.New(tree.WithLogger(quietLogger()))
	l, err := Open(context.Background(), testConfig(fc), store, tr, clock.NewLamport(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, tr
}

func mustAppend(t *testing.T, l *Log, o *op.Operation) Result {
	t.Helper()
	res, err := l.Append(context.Background(), o)
	require.NoError(t, err)
	return res
}

func TestAppend_Integrates(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	res := mustAppend(t, l, alice.Root(1, "root"))
	assert.Equal(t, StatusIntegrated, res.Status)
	assert.True(t, res.Applied())

	res = mustAppend(t, l, alice.Insert(2, "a", "root", "m"))
	assert.Equal(t, StatusIntegrated, res.Status)

	assert.Equal(t, uint64(2), l.VersionVector().Get(alice.Author()))
	assert.True(t, tr.HasNode("a"))
	assert.True(t, l.VersionVector().Equal(tr.VersionVector()))

	st, err := l.Status(op.Ref{Author: alice.Author(), Seq: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusIntegrated, st)
}

func TestAppend_DuplicateIsIdempotent(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")
	root := alice.Root(1, "root")

	mustAppend(t, l, root)
	before := tr.Snapshot().Digest()

	res := mustAppend(t, l, root)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.True(t, res.Applied())
	assert.Equal(t, before, tr.Snapshot().Digest())
	assert.Equal(t, uint64(1), l.VersionVector().Get(alice.Author()))
}

func TestAppend_CausalGapBuffersUntilPredecessor(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	carol := optest.NewSigner(t, "r3")

	op1 := carol.Root(1, "root")
	op2 := carol.Insert(2, "a", "root", "m")
	op3 := carol.SetContent(3, "a", "hello")

	mustAppend(t, l, op1)

	res := mustAppend(t, l, op3)
	assert.Equal(t, StatusPendingCausal, res.Status)
	assert.False(t, res.Applied())

	st, err := l.Status(op3.Ref())
	assert.ErrorIs(t, err, ErrCausalGapPending)
	assert.Equal(t, StatusPendingCausal, st)
	assert.Equal(t, uint64(1), l.VersionVector().Get(carol.Author()))
	assert.False(t, tr.HasNode("a"))
	require.Len(t, l.Pending(), 1)

	res = mustAppend(t, l, op2)
	assert.Equal(t, StatusIntegrated, res.Status)
	assert.Equal(t, []op.Ref{op3.Ref()}, res.Released)

	assert.Equal(t, uint64(3), l.VersionVector().Get(carol.Author()))
	assert.Empty(t, l.Pending())
	n, ok := tr.Snapshot().Node("a")
	require.True(t, ok)
	require.NotNil(t, n.Content)
	assert.Equal(t, "hello", *n.Content)

	st, err = l.Status(op3.Ref())
	require.NoError(t, err)
	assert.Equal(t, StatusIntegrated, st)
}

func TestAppend_ReferentialGapBuffersUntilTargetExists(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")
	bob := optest.NewSigner(t, "r2")

	root := alice.Root(1, "root")
	child := alice.Insert(2, "a", "root", "m")
	update := bob.SetContent(5, "a", "from bob")

	res := mustAppend(t, l, update)
	assert.Equal(t, StatusPendingReferential, res.Status)
	_, err := l.Status(update.Ref())
	assert.ErrorIs(t, err, ErrReferentialGapPending)

	mustAppend(t, l, root)
	res = mustAppend(t, l, child)
	assert.Equal(t, []op.Ref{update.Ref()}, res.Released)

	n, ok := tr.Snapshot().Node("a")
	require.True(t, ok)
	assert.Equal(t, "from bob", *n.Content)
	assert.Equal(t, uint64(1), l.VersionVector().Get(bob.Author()))
}

func TestAppend_RejectsBadSignature(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	o := alice.Root(1, "root")
	o.Target = "tampered"

	_, err := l.Append(context.Background(), o)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.False(t, tr.HasNode("tampered"))
	assert.Zero(t, l.VersionVector().Total())

	st, err := l.Status(o.Ref())
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)
}

func TestAppend_RejectsUnknownAuthorWithoutKey(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	t.Cleanup(id.Destroy)

	o := &op.Operation{
		ID:        op.NewID(),
		Replica:   "r9",
		Kind:      op.KindInsert,
		Target:    "root",
		Timestamp: 1,
		Seq:       1,
		Payload:   op.Insert{NodeKind: "root"},
		CreatedAt: time.Unix(0, 1).UTC(),
	}
	require.NoError(t, o.Sign(id, false))

	_, err = l.Append(context.Background(), o)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.ErrorIs(t, err, identity.ErrUnknownAuthor)

	// Once the key is known the same operation is accepted.
	_, err = l.Keyring().Register(context.Background(), id.PublicKey())
	require.NoError(t, err)
	res, err := l.Append(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, StatusIntegrated, res.Status)
}

func TestAppend_RejectsMalformed(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	o := alice.Root(1, "root")
	o.Payload = op.Move{NewParent: "x"}

	_, err := l.Append(context.Background(), o)
	assert.ErrorIs(t, err, ErrMalformedOperation)

	_, err = l.Append(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMalformedOperation)
}

func TestAppend_RejectsTimestampNotAfterReference(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")
	bob := optest.NewSigner(t, "r2")

	mustAppend(t, l, alice.Root(10, "root"))

	_, err := l.Append(context.Background(), bob.Insert(10, "a", "root", "m"))
	assert.ErrorIs(t, err, ErrMalformedOperation)
	assert.Zero(t, l.VersionVector().Get(bob.Author()))
}

func TestAppend_NilContextAndClosed(t *testing.T) {
	tr := tree.New(tree.WithLogger(quietLogger()))
	l, err := Open(context.Background(), testConfig(nil), NewMemoryStore(), tr, clock.NewLamport(0))
	require.NoError(t, err)
	alice := optest.NewSigner(t, "r1")

	_, err = l.Append(nil, alice.Root(1, "root"))
	assert.ErrorIs(t, err, ErrNilContext)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = l.Append(context.Background(), alice.Root(1, "root"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAppend_CancelledContext(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Append(ctx, alice.Root(1, "root"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, l.VersionVector().Total())
}

func TestSweep_TimesOutBufferedOperations(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := openLog(t, NewMemoryStore(), fc)
	carol := optest.NewSigner(t, "r3")

	carol.Root(1, "root") // seq 1 never delivered
	late := carol.Insert(2, "a", "root", "m")
	mustAppend(t, l, late)

	assert.Empty(t, l.Sweep(fc.Now()))

	fc.Advance(DefaultConfig().PendingHorizon + time.Second)
	expired := l.Sweep(fc.Now())
	assert.Equal(t, []op.Ref{late.Ref()}, expired)
	assert.Empty(t, l.Pending())

	st, err := l.Status(late.Ref())
	assert.Equal(t, StatusTimedOut, st)
	assert.ErrorIs(t, err, ErrIntegrityTimeout)

	// A backfill makes the operation admissible again.
	first := carol.AtSeq(1, 1, op.KindInsert, "root", op.Insert{NodeKind: "root"})
	mustAppend(t, l, first)
	res := mustAppend(t, l, late)
	assert.Equal(t, StatusIntegrated, res.Status)
	st, err = l.Status(late.Ref())
	require.NoError(t, err)
	assert.Equal(t, StatusIntegrated, st)
}

func TestAppend_PendingFull(t *testing.T) {
	tr := tree.New(tree.WithLogger(quietLogger()))
	cfg := testConfig(nil)
	cfg.MaxPending = 2
	l, err := Open(context.Background(), cfg, NewMemoryStore(), tr, clock.NewLamport(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	carol := optest.NewSigner(t, "r3")
	carol.Root(1, "root")
	mustAppend(t, l, carol.Root(2, "r2"))
	mustAppend(t, l, carol.Root(3, "r3"))
	_, err = l.Append(context.Background(), carol.Root(4, "r4"))
	assert.ErrorIs(t, err, ErrPendingFull)
	assert.Len(t, l.Pending(), 2)
}

// failingStore fails every Commit after the first n.
type failingStore struct {
	*MemoryStore
	mu    sync.Mutex
	allow int
}

func (f *failingStore) Commit(ctx context.Context, o *op.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allow <= 0 {
		return errors.New("disk full")
	}
	f.allow--
	return f.MemoryStore.Commit(ctx, o)
}

func TestAppend_StorageErrorLeavesStateUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), allow: 1}
	l, tr := openLog(t, store, nil)
	alice := optest.NewSigner(t, "r1")

	mustAppend(t, l, alice.Root(1, "root"))
	before := tr.Snapshot().Digest()

	child := alice.Insert(2, "a", "root", "m")
	_, err := l.Append(context.Background(), child)
	assert.ErrorIs(t, err, ErrStorageIO)
	assert.Equal(t, before, tr.Snapshot().Digest())
	assert.Equal(t, uint64(1), l.VersionVector().Get(alice.Author()))

	store.mu.Lock()
	store.allow = 1
	store.mu.Unlock()
	res, err := l.Append(context.Background(), child)
	require.NoError(t, err)
	assert.Equal(t, StatusIntegrated, res.Status)
}

func TestSubscribe_DeliversInIntegrationOrder(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	var (
		mu   sync.Mutex
		seen []uint64
	)
	unsubscribe := l.Subscribe(SubscriberFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev.Op.Seq)
		mu.Unlock()
	}))
	l.Subscribe(SubscriberFunc(func(context.Context, Event) { panic("sink failure") }))

	op1 := alice.Root(1, "root")
	op2 := alice.Insert(2, "a", "root", "m")
	op3 := alice.Insert(3, "b", "root", "n")

	mustAppend(t, l, op1)
	mustAppend(t, l, op3)
	mustAppend(t, l, op2)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, seen)
	mu.Unlock()

	unsubscribe()
	mustAppend(t, l, alice.Insert(4, "c", "root", "o"))
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()
}

func TestSinceAndWithin(t *testing.T) {
	l, _ := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")
	bob := optest.NewSigner(t, "r2")

	mustAppend(t, l, alice.Root(1, "root"))
	mustAppend(t, l, bob.Insert(2, "b1", "root", "m"))
	mustAppend(t, l, alice.Insert(3, "a1", "root", "n"))
	mustAppend(t, l, bob.Insert(4, "b2", "root", "o"))

	all, err := l.Since(context.Background(), clock.New())
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Stamp().Less(all[i].Stamp()))
	}

	peer := clock.VersionVector{alice.Author(): 1, bob.Author(): 2}
	missing, err := l.Since(context.Background(), peer)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "a1", missing[0].Target)

	within, err := l.Within(context.Background(), clock.VersionVector{alice.Author(): 1, bob.Author(): 1, "unknown": 4})
	require.NoError(t, err)
	assert.Len(t, within, 2)

	got, ok, err := l.Get(context.Background(), op.Ref{Author: bob.Author(), Seq: 2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b2", got.Target)

	_, ok, err = l.Get(context.Background(), op.Ref{Author: bob.Author(), Seq: 9})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconstruct_ThroughLog(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	alice := optest.NewSigner(t, "r1")

	mustAppend(t, l, alice.Root(1, "root"))
	mustAppend(t, l, alice.Insert(2, "a", "root", "m"))
	mid := tr.Snapshot()
	mustAppend(t, l, alice.Delete(3, "a", false))

	past, err := tr.Reconstruct(context.Background(), mid.VersionVector())
	require.NoError(t, err)
	assert.Equal(t, mid.Digest(), past.Digest())
	assert.True(t, past.IsLive("a"))
	assert.False(t, tr.Snapshot().IsLive("a"))
}

func TestOpen_ReplaysBadgerStore(t *testing.T) {
	dir := t.TempDir()
	cfg := badger.DefaultConfig(dir)
	cfg.Logger = quietLogger()
	cfg.GCInterval = 0

	alice := optest.NewSigner(t, "r1")
	bob := optest.NewSigner(t, "r2")

	store, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	l, tr := openLogNoCleanup(t, store)

	mustAppend(t, l, alice.Root(1, "root"))
	mustAppend(t, l, bob.Insert(2, "b", "root", "m"))
	mustAppend(t, l, alice.Move(3, "b", "root", "z"))
	mustAppend(t, l, bob.Edge(4, "e", "root", "b", "refers"))
	want := tr.Snapshot().Digest()
	wantVV := l.VersionVector()
	require.NoError(t, l.Close())

	store, err = OpenBadgerStore(cfg)
	require.NoError(t, err)
	clk := clock.NewLamport(0)
	tr2 := tree.New(tree.WithLogger(quietLogger()))
	l2, err := Open(context.Background(), testConfig(nil), store, tr2, clk)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, want, tr2.Snapshot().Digest())
	assert.True(t, wantVV.Equal(l2.VersionVector()))
	assert.Equal(t, uint64(4), clk.Current())
	assert.ElementsMatch(t, []string{alice.Author(), bob.Author()}, l2.Keyring().Authors())

	res := mustAppend(t, l2, alice.Insert(5, "c", "b", "m"))
	assert.Equal(t, StatusIntegrated, res.Status)
}

func TestBadgerStore_RangeOrdersLargeSequences(t *testing.T) {
	store, err := OpenBadgerStore(badger.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	alice := optest.NewSigner(t, "r1")
	seqs := []uint64{2_000_000_000_000_000, 10_000_000_000_000_000, 10_000_000_000_000_001, ^uint64(0)}
	for i, seq := range seqs {
		o := alice.AtSeq(uint64(i+1), seq, op.KindInsert, "n", op.Insert{NodeKind: "item"})
		require.NoError(t, store.Commit(ctx, o))
	}

	got, err := store.Range(ctx, alice.Author(), seqs[0], ^uint64(0))
	require.NoError(t, err)
	var gotSeqs []uint64
	for _, o := range got {
		gotSeqs = append(gotSeqs, o.Seq)
	}
	assert.Equal(t, seqs, gotSeqs)

	got, err = store.Range(ctx, alice.Author(), seqs[1], seqs[2])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, seqs[1], got[0].Seq)
	assert.Equal(t, seqs[2], got[1].Seq)
}

// growingOps builds a workload in which three authors create nodes and edges
// and then move, update and delete them. Timestamps rise with every
// operation, so each reference points at something created earlier.
func growingOps(t *testing.T, rng *rand.Rand, n int) []*op.Operation {
	signers := []*optest.Signer{
		optest.NewSigner(t, "r1"),
		optest.NewSigner(t, "r2"),
		optest.NewSigner(t, "r3"),
	}
	nodes := []string{"R"}
	var edges []string
	ops := []*op.Operation{signers[0].Root(1, "R")}

	pick := func(from []string) string { return from[rng.Intn(len(from))] }
	for i := 0; i < n; i++ {
		s := signers[rng.Intn(len(signers))]
		ts := uint64(2 + i)
		switch k := rng.Intn(10); {
		case k < 4 || len(nodes) < 3:
			id := fmt.Sprintf("n%d", i)
			ops = append(ops, s.Insert(ts, id, pick(nodes), "V"))
			nodes = append(nodes, id)
		case k == 4:
			ops = append(ops, s.Delete(ts, pick(nodes[1:]), rng.Intn(2) == 0))
		case k == 5:
			ops = append(ops, s.SetContent(ts, pick(nodes), fmt.Sprintf("c%d", i)))
		case k == 6:
			id := fmt.Sprintf("e%d", i)
			ops = append(ops, s.Edge(ts, id, pick(nodes), pick(nodes), "rel"))
			edges = append(edges, id)
		case k == 7 && len(edges) > 0:
			ops = append(ops, s.DeleteEdge(ts, pick(edges)))
		default:
			target, parent := pick(nodes[1:]), pick(nodes)
			if target == parent {
				parent = "R"
			}
			ops = append(ops, s.Move(ts, target, parent, "V"))
		}
	}
	return ops
}

func TestAppend_ConvergesUnderRandomDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ops := growingOps(t, rng, 150)

	ref, refTree := openLog(t, NewMemoryStore(), nil)
	for _, o := range ops {
		assert.Equal(t, StatusIntegrated, mustAppend(t, ref, o).Status)
	}
	want := refTree.Snapshot().Digest()
	wantVV := ref.VersionVector()

	for trial := 0; trial < 8; trial++ {
		delivery := make([]*op.Operation, len(ops))
		copy(delivery, ops)
		rng.Shuffle(len(delivery), func(i, j int) { delivery[i], delivery[j] = delivery[j], delivery[i] })
		// Redeliver a few operations to exercise duplicate handling.
		for k := 0; k < 10; k++ {
			delivery = append(delivery, ops[rng.Intn(len(ops))])
		}

		l, tr := openLog(t, NewMemoryStore(), nil)
		for _, o := range delivery {
			res := mustAppend(t, l, o)
			assert.NotEqual(t, StatusRejected, res.Status)
		}
		assert.Empty(t, l.Pending(), "trial %d", trial)
		assert.True(t, wantVV.Equal(l.VersionVector()), "trial %d", trial)
		assert.Equal(t, want, tr.Snapshot().Digest(), "trial %d", trial)
	}
}

func openLogNoCleanup(t *testing.T, store Store) (*Log, *tree.Store) {
	t.Helper()
	tr := tree.New(tree.WithLogger(quietLogger()))
	l, err := Open(context.Background(), testConfig(nil), store, tr, clock.NewLamport(0))
	require.NoError(t, err)
	return l, tr
}

func TestAppend_ConcurrentAuthors(t *testing.T) {
	l, tr := openLog(t, NewMemoryStore(), nil)
	root := optest.NewSigner(t, "r0")
	mustAppend(t, l, root.Root(1, "root"))

	const authors, perAuthor = 4, 25
	signers := make([]*optest.Signer, authors)
	batches := make([][]*op.Operation, authors)
	for i := range signers {
		signers[i] = optest.NewSigner(t, "r")
		for j := 0; j < perAuthor; j++ {
			ts := uint64(2 + j*authors + i)
			batches[i] = append(batches[i], signers[i].Insert(ts, op.NewID(), "root", "m"))
		}
	}

	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(ops []*op.Operation) {
			defer wg.Done()
			// Reverse order forces buffering and draining under contention.
			for k := len(ops) - 1; k >= 0; k-- {
				_, err := l.Append(context.Background(), ops[k])
				assert.NoError(t, err)
			}
		}(batches[i])
	}
	wg.Wait()

	for _, s := range signers {
		assert.Equal(t, uint64(perAuthor), l.VersionVector().Get(s.Author()))
	}
	assert.Empty(t, l.Pending())
	assert.Len(t, tr.Snapshot().Children("root"), authors*perAuthor)
}
