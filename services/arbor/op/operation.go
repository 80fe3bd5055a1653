// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package op defines arbor's unit of change.
//
// An Operation is immutable once signed. It names its author (the public
// key fingerprint), the author's per-key sequence number, a Lamport
// timestamp and a kind-specific payload. The (timestamp, author, seq)
// triple is the operation's Stamp; stamps are totally ordered and every
// replica folds operations in stamp order.
package op

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/position"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed is returned for structurally invalid operations.
	ErrMalformed = errors.New("malformed operation")

	// ErrUnsigned is returned when signing is attempted without an identity.
	ErrUnsigned = errors.New("operation is not signed")
)

var validate = validator.New()

// Ref identifies an operation by author and per-author sequence.
type Ref struct {
	Author string `json:"author"`
	Seq    uint64 `json:"seq"`
}

// String renders the ref as "author/seq".
func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Author, r.Seq)
}

// Stamp is the total-order key of an operation.
//
// Stamps compare by timestamp, then author fingerprint, then author
// sequence. Signed operations from distinct keys never share an
// (author, seq) pair, so two distinct operations never compare equal.
type Stamp struct {
	Timestamp uint64 `json:"timestamp"`
	Author    string `json:"author"`
	Seq       uint64 `json:"seq"`
}

// Compare returns -1, 0 or 1.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Timestamp < o.Timestamp:
		return -1
	case s.Timestamp > o.Timestamp:
		return 1
	case s.Author < o.Author:
		return -1
	case s.Author > o.Author:
		return 1
	case s.Seq < o.Seq:
		return -1
	case s.Seq > o.Seq:
		return 1
	}
	return 0
}

// Less reports whether s orders strictly before o.
func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

// IsZero reports whether s is the zero stamp.
func (s Stamp) IsZero() bool {
	return s == Stamp{}
}

// String renders the stamp as "ts@author/seq".
func (s Stamp) String() string {
	return fmt.Sprintf("%d@%s/%d", s.Timestamp, s.Author, s.Seq)
}

// Operation is a single signed, immutable change to the tree.
//
// Callers must not mutate an Operation after it has been signed or handed
// to the log.
type Operation struct {
	// ID is a globally unique operation id (UUIDv7).
	ID string `json:"id" validate:"required"`

	// Replica is the id of the replica that produced the operation.
	Replica string `json:"replica" validate:"required"`

	Kind Kind `json:"kind" validate:"required"`

	// Target is the node id (or edge id for edge kinds) being acted on.
	Target string `json:"target" validate:"required"`

	// Author is the fingerprint of the signing key.
	Author string `json:"author" validate:"required,hexadecimal,len=32"`

	// Timestamp is the Lamport timestamp. Always >= 1.
	Timestamp uint64 `json:"timestamp" validate:"required"`

	// Seq is the author's sequence number. Starts at 1, no gaps.
	Seq uint64 `json:"seq" validate:"required"`

	Payload Payload `json:"-"`

	Signature []byte `json:"signature" validate:"required,len=64"`

	// PublicKey optionally carries the author's key for first contact.
	PublicKey []byte `json:"public_key,omitempty" validate:"omitempty,len=32"`

	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the (author, seq) identity of the operation.
func (o *Operation) Ref() Ref {
	return Ref{Author: o.Author, Seq: o.Seq}
}

// Stamp returns the total-order key of the operation.
func (o *Operation) Stamp() Stamp {
	return Stamp{Timestamp: o.Timestamp, Author: o.Author, Seq: o.Seq}
}

// Sign fills Author and Signature from id.
//
// Description:
//
//	Sets Author to the identity's fingerprint, then signs the canonical
//	form. When carryKey is true the public key is attached so that a
//	replica that has never seen this author can verify it.
//
// Inputs:
//
//	id - The signing identity. Must not be nil.
//	carryKey - Attach the public key to the operation.
//
// Outputs:
//
//	error - Non-nil if the identity is nil or destroyed.
//
// Thread Safety: Not safe; mutates o.
func (o *Operation) Sign(id *identity.Identity, carryKey bool) error {
	if id == nil {
		return ErrUnsigned
	}
	o.Author = id.Fingerprint()
	if carryKey {
		o.PublicKey = id.PublicKey()
	} else {
		o.PublicKey = nil
	}
	sig, err := id.Sign(CanonicalBytes(o))
	if err != nil {
		return fmt.Errorf("signing %s: %w", o.Ref(), err)
	}
	o.Signature = sig
	return nil
}

// Verify checks the signature against pub.
func (o *Operation) Verify(pub ed25519.PublicKey) bool {
	return identity.Verify(CanonicalBytes(o), o.Signature, pub)
}

// Validate checks that the operation is structurally well formed.
//
// Description:
//
//	Runs the struct tag rules, then the kind-specific rules: the payload
//	must match the kind, position keys must be well formed, an update
//	must change something, and a node cannot be its own parent.
//	Referential checks (does the parent exist?) belong to the log.
//
// Outputs:
//
//	error - Wraps ErrMalformed, or nil.
//
// Thread Safety: Safe for concurrent use.
func (o *Operation) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil operation", ErrMalformed)
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(o.Kind))
	}
	if o.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, o.Kind)
	}
	if o.Payload.Kind() != o.Kind {
		return fmt.Errorf("%w: %s payload on %s operation", ErrMalformed, o.Payload.Kind(), o.Kind)
	}
	if err := validate.Struct(o.Payload); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, o.Kind, err)
	}

	switch p := o.Payload.(type) {
	case Insert:
		if p.Parent == o.Target {
			return fmt.Errorf("%w: node %s cannot be its own parent", ErrMalformed, o.Target)
		}
		if err := position.Validate(p.Position); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case Update:
		if p.Empty() {
			return fmt.Errorf("%w: update of %s changes nothing", ErrMalformed, o.Target)
		}
		if p.NodeKind != nil && *p.NodeKind == "" {
			return fmt.Errorf("%w: update of %s clears the node kind", ErrMalformed, o.Target)
		}
	case Move:
		if p.NewParent == o.Target {
			return fmt.Errorf("%w: node %s cannot be moved under itself", ErrMalformed, o.Target)
		}
		if err := position.Validate(p.NewPosition); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

// Dependencies lists the node and edge ids that must be present locally
// before the operation can be integrated.
//
// Insert needs its parent (roots need nothing). Update and delete need the
// target node. Move needs the target and the new parent. Edge delete needs
// the edge. Edge insert needs nothing: edge endpoints may dangle.
func (o *Operation) Dependencies() (nodes []string, edges []string) {
	switch p := o.Payload.(type) {
	case Insert:
		if p.Parent != "" {
			nodes = append(nodes, p.Parent)
		}
	case Update, Delete:
		nodes = append(nodes, o.Target)
	case Move:
		nodes = append(nodes, o.Target, p.NewParent)
	case EdgeDelete:
		edges = append(edges, o.Target)
	}
	return nodes, edges
}

// wireOperation is the JSON form of an Operation.
type wireOperation struct {
	ID        string          `json:"id"`
	Replica   string          `json:"replica"`
	Kind      Kind            `json:"kind"`
	Target    string          `json:"target"`
	Author    string          `json:"author"`
	Timestamp uint64          `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
	PublicKey []byte          `json:"public_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (o Operation) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if o.Payload != nil {
		b, err := json.Marshal(o.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", o.Kind, err)
		}
		payload = b
	}
	return json.Marshal(wireOperation{
		ID:        o.ID,
		Replica:   o.Replica,
		Kind:      o.Kind,
		Target:    o.Target,
		Author:    o.Author,
		Timestamp: o.Timestamp,
		Seq:       o.Seq,
		Payload:   payload,
		Signature: o.Signature,
		PublicKey: o.PublicKey,
		CreatedAt: o.CreatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload is decoded
// according to the kind field.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p, ok := newPayload(w.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(w.Kind))
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, w.Kind, err)
		}
	}
	*o = Operation{
		ID:        w.ID,
		Replica:   w.Replica,
		Kind:      w.Kind,
		Target:    w.Target,
		Author:    w.Author,
		Timestamp: w.Timestamp,
		Seq:       w.Seq,
		Payload:   deref(p),
		Signature: w.Signature,
		PublicKey: w.PublicKey,
		CreatedAt: w.CreatedAt,
	}
	return nil
}

// SortByStamp sorts ops into the total order in place.
func SortByStamp(ops []*Operation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Stamp().Less(ops[j].Stamp())
	})
}
