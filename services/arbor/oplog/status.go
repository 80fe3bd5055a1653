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
	"errors"

	"github.com/AleutianAI/arbor/services/arbor/merge"
	"github.com/AleutianAI/arbor/services/arbor/op"
)

var (
	// ErrSignatureInvalid means the operation was rejected and never logged.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrMalformedOperation means the operation is structurally invalid.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrCausalGapPending means an earlier operation from the same author
	// has not arrived. The operation is buffered.
	ErrCausalGapPending = errors.New("causal predecessor not yet integrated")

	// ErrReferentialGapPending means a node or edge the operation refers
	// to is not present. The operation is buffered.
	ErrReferentialGapPending = errors.New("referenced node not yet present")

	// ErrIntegrityTimeout means a buffered operation's predecessor never
	// arrived within the pending horizon. Request a backfill.
	ErrIntegrityTimeout = errors.New("integrity timeout")

	// ErrStorageIO means the durable write failed. The operation was not applied.
	ErrStorageIO = errors.New("storage I/O error")

	// ErrPendingFull means the pending buffer is at capacity.
	ErrPendingFull = errors.New("pending buffer full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("operation log closed")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// Status is where an operation stands in the log.
type Status uint8

const (
	// StatusUnknown means the log has never seen the operation.
	StatusUnknown Status = iota

	// StatusIntegrated means the operation is durable and materialized.
	StatusIntegrated

	// StatusDuplicate means the operation was already integrated.
	StatusDuplicate

	// StatusPendingCausal means it waits for an earlier sequence number.
	StatusPendingCausal

	// StatusPendingReferential means it waits for a node or edge.
	StatusPendingReferential

	// StatusTimedOut means it was dropped from the buffer at the horizon.
	StatusTimedOut

	// StatusRejected means it was dropped from the buffer because it turned
	// out to be malformed once its references resolved.
	StatusRejected
)

// String returns the label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusIntegrated:
		return "integrated"
	case StatusDuplicate:
		return "duplicate"
	case StatusPendingCausal:
		return "pending_causal"
	case StatusPendingReferential:
		return "pending_referential"
	case StatusTimedOut:
		return "timed_out"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Err maps the status to its sentinel, or nil for settled statuses.
func (s Status) Err() error {
	switch s {
	case StatusPendingCausal:
		return ErrCausalGapPending
	case StatusPendingReferential:
		return ErrReferentialGapPending
	case StatusTimedOut:
		return ErrIntegrityTimeout
	case StatusRejected:
		return ErrMalformedOperation
	}
	return nil
}

// Result reports what Append did with one operation.
type Result struct {
	Ref    op.Ref
	Status Status

	// Merge is set when Status is StatusIntegrated.
	Merge merge.Result

	// Released lists buffered operations integrated as a consequence of
	// this one, in integration order.
	Released []op.Ref
}

// Applied reports whether the operation is now part of the materialized state.
func (r Result) Applied() bool {
	return r.Status == StatusIntegrated || r.Status == StatusDuplicate
}

// Event is delivered to subscribers after an operation is integrated.
type Event struct {
	Op     *op.Operation
	Result merge.Result
}
