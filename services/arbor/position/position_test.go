// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package position

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetween(t *testing.T) {
	tests := []struct {
		name string
		lo   string
		hi   string
	}{
		{"unbounded", "", ""},
		{"below single digit", "", "1"},
		{"adjacent digits", "V", "W"},
		{"adjacent with longer hi", "V", "WV"},
		{"shared prefix", "1", "1001"},
		{"top of range", "z", ""},
		{"deep keys", "VVVVk", "VVVW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Between(tt.lo, tt.hi)
			require.NoError(t, err)
			require.NoError(t, Validate(k))
			assert.Less(t, tt.lo, k)
			if tt.hi != "" {
				assert.Less(t, k, tt.hi)
			}
		})
	}
}

func TestBetween_Errors(t *testing.T) {
	_, err := Between("W", "V")
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	_, err = Between("V", "V")
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	_, err = Between("V0", "")
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = Between("", "a-b")
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = Before("")
	assert.True(t, errors.Is(err, ErrOutOfOrder))
}

func TestSequentialAppendAndPrepend(t *testing.T) {
	keys := []string{First()}
	for i := 0; i < 200; i++ {
		next, err := After(keys[len(keys)-1])
		require.NoError(t, err)
		keys = append(keys, next)
	}
	for i := 0; i < 200; i++ {
		prev, err := Before(keys[0])
		require.NoError(t, err)
		keys = append([]string{prev}, keys...)
	}
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestRandomInsertsStayOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{First()}

	for i := 0; i < 500; i++ {
		idx := rng.Intn(len(keys) + 1)
		lo, hi := "", ""
		if idx > 0 {
			lo = keys[idx-1]
		}
		if idx < len(keys) {
			hi = keys[idx]
		}
		k, err := Between(lo, hi)
		require.NoError(t, err)

		keys = append(keys, "")
		copy(keys[idx+1:], keys[idx:])
		keys[idx] = k
	}

	assert.True(t, sort.StringsAreSorted(keys))
	unique := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		unique[k] = struct{}{}
	}
	assert.Len(t, unique, len(keys))
}
