// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidVector is returned when a version vector string cannot be parsed.
var ErrInvalidVector = errors.New("invalid version vector")

// VersionVector maps an author id to the highest author sequence number
// integrated from that author. Absent authors are at 0.
//
// The zero value (nil) is a valid empty vector for reads; use New or Clone
// before writing.
type VersionVector map[string]uint64

// New returns an empty version vector.
func New() VersionVector {
	return make(VersionVector)
}

// Get returns the integrated sequence number for author.
func (v VersionVector) Get(author string) uint64 {
	return v[author]
}

// Advance raises author's entry to seq. Lower values are ignored so the
// vector never moves backwards.
//
// Returns true if the entry changed.
func (v VersionVector) Advance(author string, seq uint64) bool {
	if seq <= v[author] {
		return false
	}
	v[author] = seq
	return true
}

// Covers reports whether (author, seq) falls within the vector's bounds.
func (v VersionVector) Covers(author string, seq uint64) bool {
	return seq > 0 && seq <= v[author]
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for a, s := range v {
		if s > 0 {
			out[a] = s
		}
	}
	return out
}

// Authors returns the authors with a non-zero entry, sorted.
func (v VersionVector) Authors() []string {
	out := make([]string, 0, len(v))
	for a, s := range v {
		if s > 0 {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Total returns the number of operations the vector accounts for.
func (v VersionVector) Total() uint64 {
	var n uint64
	for _, s := range v {
		n += s
	}
	return n
}

// Equal reports whether both vectors have the same non-zero entries.
func (v VersionVector) Equal(o VersionVector) bool {
	return v.LessOrEqual(o) && o.LessOrEqual(v)
}

// LessOrEqual reports whether every entry of v is <= the matching entry of o,
// i.e. every operation v accounts for is also accounted for by o.
func (v VersionVector) LessOrEqual(o VersionVector) bool {
	for a, s := range v {
		if s > o[a] {
			return false
		}
	}
	return true
}

// Merge returns the pointwise maximum of a and b: the version vector of the
// union of the two operation sets. Neither input is modified.
func Merge(a, b VersionVector) VersionVector {
	out := a.Clone()
	for author, seq := range b {
		out.Advance(author, seq)
	}
	return out
}

// Range is an inclusive span of one author's sequence numbers.
type Range struct {
	Author string `json:"author" yaml:"author"`
	From   uint64 `json:"from" yaml:"from"`
	To     uint64 `json:"to" yaml:"to"`
}

// Len returns the number of sequence numbers in the range.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Contains reports whether seq lies in the range.
func (r Range) Contains(seq uint64) bool {
	return seq >= r.From && seq <= r.To
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%d..%d]", r.Author, r.From, r.To)
}

// Compare computes what each side is missing.
//
// Description:
//
//	For every author, if remote is ahead the range (local+1 .. remote) is
//	something local lacks; if local is ahead the range (remote+1 .. local)
//	is something remote lacks. Results are sorted by author so callers get
//	a deterministic exchange plan.
//
// Inputs:
//
//	local - This replica's vector.
//	remote - The peer's vector.
//
// Outputs:
//
//	localMissing - Ranges local must fetch from remote.
//	remoteMissing - Ranges remote must fetch from local.
//
// Thread Safety: Safe for concurrent use (stateless) as long as the inputs are not mutated.
func Compare(local, remote VersionVector) (localMissing, remoteMissing []Range) {
	authors := make(map[string]struct{}, len(local)+len(remote))
	for a := range local {
		authors[a] = struct{}{}
	}
	for a := range remote {
		authors[a] = struct{}{}
	}
	sorted := make([]string, 0, len(authors))
	for a := range authors {
		sorted = append(sorted, a)
	}
	sort.Strings(sorted)

	for _, a := range sorted {
		l, r := local[a], remote[a]
		switch {
		case r > l:
			localMissing = append(localMissing, Range{Author: a, From: l + 1, To: r})
		case l > r:
			remoteMissing = append(remoteMissing, Range{Author: a, From: r + 1, To: l})
		}
	}
	return localMissing, remoteMissing
}

// String renders the vector as "author:seq,author:seq" sorted by author.
// Zero entries are omitted, so equal vectors render identically.
func (v VersionVector) String() string {
	authors := v.Authors()
	parts := make([]string, 0, len(authors))
	for _, a := range authors {
		parts = append(parts, a+":"+strconv.FormatUint(v[a], 10))
	}
	return strings.Join(parts, ",")
}

// Parse reads the String form. Both ':' and '=' are accepted as separators.
func Parse(s string) (VersionVector, error) {
	out := New()
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		idx := strings.LastIndexAny(part, ":=")
		if idx <= 0 || idx == len(part)-1 {
			return nil, fmt.Errorf("%w: entry %q", ErrInvalidVector, part)
		}
		seq, err := strconv.ParseUint(part[idx+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrInvalidVector, part, err)
		}
		out.Advance(part[:idx], seq)
	}
	return out, nil
}
