// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package op

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// CanonicalTag prefixes the canonical signing form. A new layout gets a new tag.
const CanonicalTag = "arbor-op/v1"

// canonicalWriter builds the length-prefixed canonical form.
//
// Strings are written as a 4-byte big-endian length followed by the bytes.
// Optional strings carry a presence byte. Maps are written as a count
// followed by key/value pairs in ascending key order.
type canonicalWriter struct {
	buf bytes.Buffer
}

func (w *canonicalWriter) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *canonicalWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *canonicalWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *canonicalWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *canonicalWriter) optStr(s *string) {
	if s == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.str(*s)
}

func (w *canonicalWriter) boolean(b bool) {
	if b {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *canonicalWriter) strMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

// strSet writes a string list as a sorted, deduplicated set.
func (w *canonicalWriter) strSet(list []string) {
	set := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		set = append(set, s)
	}
	sort.Strings(set)
	w.u32(uint32(len(set)))
	for _, s := range set {
		w.str(s)
	}
}

// CanonicalBytes returns the byte string an operation's signature covers.
//
// Description:
//
//	Covers, in order: the format tag, id, replica, kind, target, author,
//	timestamp, author sequence, creation time (unix nanoseconds) and the
//	kind-specific payload fields. The carried public key is not covered;
//	it is bound to the author through the fingerprint instead. Two
//	operations with equal canonical bytes are the same operation.
//
// Inputs:
//
//	o - The operation. The Signature field is ignored.
//
// Outputs:
//
//	[]byte - The canonical form. Never nil.
//
// Thread Safety: Safe for concurrent use as long as o is not being mutated.
func CanonicalBytes(o *Operation) []byte {
	var w canonicalWriter
	w.str(CanonicalTag)
	w.str(o.ID)
	w.str(o.Replica)
	w.u8(uint8(o.Kind))
	w.str(o.Target)
	w.str(o.Author)
	w.u64(o.Timestamp)
	w.u64(o.Seq)
	w.u64(uint64(o.CreatedAt.UnixNano()))
	if o.Payload != nil {
		w.u8(1)
		o.Payload.encode(&w)
	} else {
		w.u8(0)
	}
	return w.buf.Bytes()
}
