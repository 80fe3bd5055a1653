// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.True(t, errors.Is(err, ErrPathRequired))
}

// TestOpen_PersistsAcrossReopen verifies framed records survive a restart.
func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir, err := TempDir("arbor-badger-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return PutFramed(txn, []byte("vv:alice"), []byte("7"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()
	assert.Equal(t, dir, db2.Path())
	assert.False(t, db2.InMemory())

	err = db2.WithReadTxn(ctx, func(txn *badger.Txn) error {
		data, ok, err := GetFramed(txn, []byte("vv:alice"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("7"), data)

		_, ok, err = GetFramed(txn, []byte("vv:bob"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestFrame(t *testing.T) {
	framed := Frame([]byte("payload"))
	data, err := Unframe(framed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	framed[len(framed)-1] ^= 0xff
	_, err = Unframe(framed)
	assert.True(t, errors.Is(err, ErrCorrupted))

	_, err = Unframe([]byte{1, 2})
	assert.True(t, errors.Is(err, ErrCorrupted))

	empty, err := Unframe(Frame(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestScanPrefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		for i := 3; i >= 1; i-- {
			if err := PutFramed(txn, []byte(fmt.Sprintf("op:a:%020d", i)), []byte(fmt.Sprint(i))); err != nil {
				return err
			}
		}
		return PutFramed(txn, []byte("op:b:0000000000000001"), []byte("b1"))
	})
	require.NoError(t, err)

	var seen []string
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		assert.Equal(t, 4, CountPrefix(txn, []byte("op:")))
		return ScanPrefix(ctx, txn, []byte("op:a:"), func(_, data []byte) error {
			seen = append(seen, string(data))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, seen)

	t.Run("corrupt record stops the scan", func(t *testing.T) {
		err := db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte("op:c:0000000000000001"), []byte("garbage"))
		})
		require.NoError(t, err)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			return ScanPrefix(ctx, txn, []byte("op:c:"), func(_, _ []byte) error { return nil })
		})
		assert.True(t, errors.Is(err, ErrCorrupted))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := db.WithReadTxn(cctx, func(txn *badger.Txn) error { return nil })
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		require.NoError(t, PutFramed(txn, []byte("k"), []byte("v")))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, ok, err := GetFramed(txn, []byte("k"))
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, db.Sync())
}
