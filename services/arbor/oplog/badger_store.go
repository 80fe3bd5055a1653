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
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	op:{author}:{seq:020d}  framed JSON operation
//	vv:{author}             framed 8-byte big-endian sequence
//	key:{fingerprint}       framed ed25519 public key
const (
	opPrefix  = "op:"
	vvPrefix  = "vv:"
	keyPrefix = "key:"
)

// opKey pads seq to the 20 digits of the largest uint64 so keys sort in
// sequence order.
func opKey(author string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", opPrefix, author, seq))
}

func vvKey(author string) []byte {
	return []byte(vvPrefix + author)
}

// BadgerStore persists the log in BadgerDB.
//
// Every record is CRC-framed. Commit writes the operation and its vector
// entry in one transaction.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	owned  bool
	logger *slog.Logger
}

// NewBadgerStore wraps an open database.
//
// Inputs:
//
//	db - Open database. Must not be nil.
//	owned - Close the database when the store closes.
//	logger - Optional; slog.Default() when nil.
func NewBadgerStore(db *badger.DB, owned bool, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		owned:  owned,
		logger: logger.With(slog.String("component", "oplog_store")),
	}
}

// OpenBadgerStore opens a database from cfg and takes ownership of it.
func OpenBadgerStore(cfg badger.Config) (*BadgerStore, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, true, cfg.Logger), nil
}

// Commit implements Store.
func (s *BadgerStore) Commit(ctx context.Context, o *op.Operation) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode %s: %w", o.Ref(), err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], o.Seq)

	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := badger.PutFramed(txn, opKey(o.Author, o.Seq), data); err != nil {
			return err
		}
		return badger.PutFramed(txn, vvKey(o.Author), seq[:])
	})
}

// Range implements Store.
func (s *BadgerStore) Range(ctx context.Context, author string, from, to uint64) ([]*op.Operation, error) {
	if from == 0 {
		from = 1
	}
	var out []*op.Operation
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("%s%s:", opPrefix, author))
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opKey(author, from)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			o, err := decodeOp(item.Key(), raw)
			if err != nil {
				return err
			}
			if o.Seq > to {
				break
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func decodeOp(key, raw []byte) (*op.Operation, error) {
	data, err := badger.Unframe(raw)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key, err)
	}
	var o op.Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("key %s: decode: %w", key, err)
	}
	return &o, nil
}

// Scan implements Store.
func (s *BadgerStore) Scan(ctx context.Context, fn func(*op.Operation) error) error {
	return s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, []byte(opPrefix), func(key, data []byte) error {
			var o op.Operation
			if err := json.Unmarshal(data, &o); err != nil {
				return fmt.Errorf("key %s: decode: %w", key, err)
			}
			return fn(&o)
		})
	})
}

// VersionVector implements Store.
func (s *BadgerStore) VersionVector(ctx context.Context) (clock.VersionVector, error) {
	vv := clock.New()
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, []byte(vvPrefix), func(key, data []byte) error {
			if len(data) != 8 {
				return fmt.Errorf("key %s: %w: vector entry is %d bytes", key, badger.ErrCorrupted, len(data))
			}
			author := strings.TrimPrefix(string(key), vvPrefix)
			vv.Advance(author, binary.BigEndian.Uint64(data))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vv, nil
}

// PutKey implements identity.KeyStore.
func (s *BadgerStore) PutKey(ctx context.Context, fingerprint string, pub ed25519.PublicKey) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.PutFramed(txn, []byte(keyPrefix+fingerprint), pub)
	})
}

// LoadKeys implements identity.KeyStore.
func (s *BadgerStore) LoadKeys(ctx context.Context) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey)
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return badger.ScanPrefix(ctx, txn, []byte(keyPrefix), func(key, data []byte) error {
			pub := make(ed25519.PublicKey, len(data))
			copy(pub, data)
			keys[strings.TrimPrefix(string(key), keyPrefix)] = pub
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Sync flushes pending writes.
func (s *BadgerStore) Sync() error {
	return s.db.Sync()
}

// Close implements Store. The database is only closed if the store owns it.
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("closing database", slog.String("error", err.Error()))
		return err
	}
	return nil
}
