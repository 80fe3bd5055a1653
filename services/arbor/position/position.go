// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package position generates sibling ordering keys.
//
// A key is a non-empty string of base-62 digits read as the fraction
// 0.d1d2d3... Keys compare with plain string comparison, and between any
// two distinct keys another key can always be generated, so inserting a
// sibling never renumbers the others. Keys never end in the zero digit,
// which is what guarantees there is always room below a key.
//
// The empty string is accepted as a bound meaning "before everything" (as
// lo) or "after everything" (as hi). It is also a legal stored key: it sorts
// before every generated key.
package position

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(digits)

var (
	// ErrInvalidKey is returned for keys containing non-digit characters or a trailing zero.
	ErrInvalidKey = errors.New("invalid position key")

	// ErrOutOfOrder is returned when lo is not strictly before hi.
	ErrOutOfOrder = errors.New("position bounds out of order")
)

// Validate checks that key is a well-formed position key.
func Validate(key string) error {
	if key == "" {
		return nil
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: %q has invalid character %q", ErrInvalidKey, key, key[i])
		}
	}
	if key[len(key)-1] == digits[0] {
		return fmt.Errorf("%w: %q ends with zero digit", ErrInvalidKey, key)
	}
	return nil
}

// Between returns a key strictly between lo and hi.
//
// Description:
//
//	lo == "" means no lower bound; hi == "" means no upper bound. The
//	returned key is the shortest midpoint the digit arithmetic yields.
//
// Inputs:
//
//	lo - Lower bound key (exclusive) or "".
//	hi - Upper bound key (exclusive) or "".
//
// Outputs:
//
//	string - A key k with lo < k < hi.
//	error - ErrInvalidKey or ErrOutOfOrder.
//
// Thread Safety: Safe for concurrent use (stateless).
func Between(lo, hi string) (string, error) {
	if err := Validate(lo); err != nil {
		return "", err
	}
	if err := Validate(hi); err != nil {
		return "", err
	}
	if hi != "" && lo >= hi {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, lo, hi)
	}
	return midpoint(lo, hi), nil
}

// First returns a key for the first child of an empty sibling list.
func First() string {
	return midpoint("", "")
}

// After returns a key sorting after key.
func After(key string) (string, error) {
	return Between(key, "")
}

// Before returns a key sorting before key.
func Before(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: nothing sorts before the empty key", ErrOutOfOrder)
	}
	return Between("", key)
}

// digitAt returns the digit value of s[i], treating positions past the end as zero.
func digitAt(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	return strings.IndexByte(digits, s[i])
}

// tail returns s[i:], or "" when i is past the end.
func tail(s string, i int) string {
	if i >= len(s) {
		return ""
	}
	return s[i:]
}

// midpoint assumes lo < hi (hi == "" is +inf) and lo has no trailing zero.
func midpoint(lo, hi string) string {
	if hi != "" {
		n := 0
		for n < len(hi) && digitAt(lo, n) == digitAt(hi, n) {
			n++
		}
		if n > 0 {
			return hi[:n] + midpoint(tail(lo, n), hi[n:])
		}
	}

	dLo := digitAt(lo, 0)
	dHi := base
	if hi != "" {
		dHi = digitAt(hi, 0)
	}

	if dHi-dLo > 1 {
		return string(digits[(dLo+dHi)/2])
	}

	// Adjacent first digits.
	if len(hi) > 1 {
		return hi[:1]
	}
	return string(digits[dLo]) + midpoint(tail(lo, 1), "")
}
