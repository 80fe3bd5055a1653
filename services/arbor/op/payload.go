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

// Payload is the kind-specific body of an operation.
//
// The set of implementations is closed: only the types in this file satisfy
// it, so a type switch over Insert, Update, Delete, Move, EdgeInsert and
// EdgeDelete is exhaustive. Schema-less attributes travel in the Metadata
// maps rather than new payload types.
type Payload interface {
	// Kind returns the operation kind this payload belongs to.
	Kind() Kind

	// encode appends the payload fields to the canonical form in fixed order.
	encode(w *canonicalWriter)
}

// Insert creates a node. The operation target is the new node id.
type Insert struct {
	// NodeKind is the open-ended classification tag of the node.
	NodeKind string `json:"kind" validate:"required"`

	// Content is the optional literal content.
	Content *string `json:"content,omitempty"`

	// Parent is the parent node id; empty for a root.
	Parent string `json:"parent,omitempty"`

	// Position is the sibling ordering key (see package position).
	Position string `json:"position,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
}

// Kind implements Payload.
func (Insert) Kind() Kind { return KindInsert }

func (p Insert) encode(w *canonicalWriter) {
	w.str(p.NodeKind)
	w.optStr(p.Content)
	w.str(p.Parent)
	w.str(p.Position)
	w.strMap(p.Metadata)
}

// Update changes node attributes. Nil fields are left untouched.
type Update struct {
	Content *string `json:"content,omitempty"`

	NodeKind *string `json:"kind,omitempty"`

	// MetadataSet entries are merged into the node's metadata.
	MetadataSet map[string]string `json:"metadata_set,omitempty" validate:"omitempty,dive,keys,required,endkeys"`

	// MetadataUnset keys are removed from the node's metadata.
	MetadataUnset []string `json:"metadata_unset,omitempty" validate:"omitempty,dive,required"`
}

// Kind implements Payload.
func (Update) Kind() Kind { return KindUpdate }

// Empty reports whether the update changes nothing.
func (p Update) Empty() bool {
	return p.Content == nil && p.NodeKind == nil && len(p.MetadataSet) == 0 && len(p.MetadataUnset) == 0
}

func (p Update) encode(w *canonicalWriter) {
	w.optStr(p.Content)
	w.optStr(p.NodeKind)
	w.strMap(p.MetadataSet)
	w.strSet(p.MetadataUnset)
}

// Delete tombstones a node.
type Delete struct {
	// Cascade also tombstones every current descendant.
	Cascade bool `json:"cascade,omitempty"`
}

// Kind implements Payload.
func (Delete) Kind() Kind { return KindDelete }

func (p Delete) encode(w *canonicalWriter) {
	w.boolean(p.Cascade)
}

// Move reparents a node.
type Move struct {
	NewParent   string `json:"new_parent" validate:"required"`
	NewPosition string `json:"new_position,omitempty"`
}

// Kind implements Payload.
func (Move) Kind() Kind { return KindMove }

func (p Move) encode(w *canonicalWriter) {
	w.str(p.NewParent)
	w.str(p.NewPosition)
}

// EdgeInsert creates a labelled relationship. The operation target is the edge id.
//
// Endpoints are not required to exist locally.
type EdgeInsert struct {
	From     string            `json:"from" validate:"required"`
	To       string            `json:"to" validate:"required"`
	Relation string            `json:"relation" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
}

// Kind implements Payload.
func (EdgeInsert) Kind() Kind { return KindEdgeInsert }

func (p EdgeInsert) encode(w *canonicalWriter) {
	w.str(p.From)
	w.str(p.To)
	w.str(p.Relation)
	w.strMap(p.Metadata)
}

// EdgeDelete tombstones an edge. The operation target is the edge id.
type EdgeDelete struct{}

// Kind implements Payload.
func (EdgeDelete) Kind() Kind { return KindEdgeDelete }

func (EdgeDelete) encode(*canonicalWriter) {}

// newPayload returns a zero payload for kind, used by the JSON decoder.
func newPayload(k Kind) (Payload, bool) {
	switch k {
	case KindInsert:
		return &Insert{}, true
	case KindUpdate:
		return &Update{}, true
	case KindDelete:
		return &Delete{}, true
	case KindMove:
		return &Move{}, true
	case KindEdgeInsert:
		return &EdgeInsert{}, true
	case KindEdgeDelete:
		return &EdgeDelete{}, true
	}
	return nil, false
}

// deref turns the decoder's pointer payloads back into value payloads so
// that type switches only ever see values.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Insert:
		return *v
	case *Update:
		return *v
	case *Delete:
		return *v
	case *Move:
		return *v
	case *EdgeInsert:
		return *v
	case *EdgeDelete:
		return *v
	}
	return p
}

// String returns a pointer to s, for optional payload fields.
func String(s string) *string {
	return &s
}
