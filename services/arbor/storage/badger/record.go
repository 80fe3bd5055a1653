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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/dgraph-io/badger/v4"
)

// ErrCorrupted is returned when a stored record fails its CRC check.
var ErrCorrupted = errors.New("record corrupted (CRC mismatch)")

// crcSize is the width of the checksum prefix on every record.
const crcSize = 4

// Frame prefixes data with its CRC32 (IEEE) checksum.
//
// Layout: [4-byte big-endian CRC32][data].
func Frame(data []byte) []byte {
	out := make([]byte, crcSize+len(data))
	binary.BigEndian.PutUint32(out[:crcSize], crc32.ChecksumIEEE(data))
	copy(out[crcSize:], data)
	return out
}

// Unframe verifies and strips the checksum written by Frame.
//
// Outputs:
//
//	[]byte - The payload. Aliases raw.
//	error - Wraps ErrCorrupted on a short record or checksum mismatch.
func Unframe(raw []byte) ([]byte, error) {
	if len(raw) < crcSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrCorrupted, len(raw))
	}
	stored := binary.BigEndian.Uint32(raw[:crcSize])
	data := raw[crcSize:]
	if computed := crc32.ChecksumIEEE(data); computed != stored {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	return data, nil
}

// PutFramed writes a checksummed record.
func PutFramed(txn *badger.Txn, key, data []byte) error {
	return txn.Set(key, Frame(data))
}

// GetFramed reads and verifies a record.
//
// Outputs:
//
//	[]byte - A copy of the payload, or nil if the key is absent.
//	bool - Whether the key was present.
//	error - ErrCorrupted or a read error.
func GetFramed(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	data, err := Unframe(raw)
	if err != nil {
		return nil, true, fmt.Errorf("key %s: %w", key, err)
	}
	return data, true, nil
}

// ScanPrefix calls fn for every key under prefix in key order.
//
// Description:
//
//	Values are verified with Unframe before fn sees them. fn receives
//	slices that are only valid for the duration of the call. Iteration
//	stops at the first error, including a cancelled ctx (checked every
//	record).
//
// Inputs:
//
//	ctx - Cancellation.
//	txn - A read or read-write transaction.
//	prefix - Key prefix.
//	fn - Visitor.
//
// Outputs:
//
//	error - The first error from ctx, Unframe or fn.
func ScanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, fn func(key, data []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		key := item.Key()
		err := item.Value(func(raw []byte) error {
			data, err := Unframe(raw)
			if err != nil {
				return fmt.Errorf("key %s: %w", key, err)
			}
			return fn(key, data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CountPrefix returns the number of keys under prefix without reading values.
func CountPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}
