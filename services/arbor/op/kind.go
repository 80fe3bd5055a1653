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

import "fmt"

// Kind enumerates the operation kinds. The numeric values appear in the
// canonical signing form and must never be renumbered.
type Kind uint8

const (
	KindInsert     Kind = 1
	KindUpdate     Kind = 2
	KindDelete     Kind = 3
	KindMove       Kind = 4
	KindEdgeInsert Kind = 5
	KindEdgeDelete Kind = 6
)

var kindNames = map[Kind]string{
	KindInsert:     "insert",
	KindUpdate:     "update",
	KindDelete:     "delete",
	KindMove:       "move",
	KindEdgeInsert: "edge-insert",
	KindEdgeDelete: "edge-delete",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// TargetsEdge reports whether the operation's target id names an edge.
func (k Kind) TargetsEdge() bool {
	return k == KindEdgeInsert || k == KindEdgeDelete
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformed, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
