// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/merge"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/tree"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeSignatureInvalid  = "SIGNATURE_INVALID"
	CodeMalformed         = "MALFORMED_OPERATION"
	CodePendingFull       = "PENDING_FULL"
	CodeClosed            = "CLOSED"
	CodeInvalidRange      = "INVALID_RANGE"
	CodeRangeUnavailable  = "RANGE_UNAVAILABLE"
	CodeFutureVersion     = "FUTURE_VERSION"
	CodeIncompleteHistory = "INCOMPLETE_HISTORY"
	CodeNotFound          = "NOT_FOUND"
	CodeStorage           = "STORAGE_ERROR"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Replica string `json:"replica"`
	Author  string `json:"author"`
	Ops     uint64 `json:"ops"`
	Pending int    `json:"pending"`
}

// VersionVectorResponse is returned by GET /v1/vv.
type VersionVectorResponse struct {
	VersionVector clock.VersionVector `json:"version_vector"`
}

// ExportRequest is the body of POST /v1/export.
type ExportRequest struct {
	Ranges []clock.Range `json:"ranges" binding:"required"`
}

// ExportResponse is returned by POST /v1/export.
type ExportResponse struct {
	Batches []exchange.Batch `json:"batches"`
}

// ImportResponse is returned by POST /v1/import. On failure it carries the
// partial report next to the error.
type ImportResponse struct {
	Report exchange.Report `json:"report"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// AppendResponse is returned by POST /v1/ops.
type AppendResponse struct {
	Ref      op.Ref   `json:"ref"`
	Status   string   `json:"status"`
	Outcome  string   `json:"outcome,omitempty"`
	Released []op.Ref `json:"released,omitempty"`
}

func newAppendResponse(res oplog.Result) AppendResponse {
	resp := AppendResponse{
		Ref:      res.Ref,
		Status:   res.Status.String(),
		Released: res.Released,
	}
	if res.Status == oplog.StatusIntegrated {
		resp.Outcome = res.Merge.Outcome.String()
	}
	return resp
}

// StatusResponse is returned by GET /v1/ops/:author/:seq.
type StatusResponse struct {
	Ref    op.Ref `json:"ref"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PendingEntry describes one buffered operation.
type PendingEntry struct {
	Ref      op.Ref    `json:"ref"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
	Deadline time.Time `json:"deadline"`
}

// PendingResponse is returned by GET /v1/pending.
type PendingResponse struct {
	Pending []PendingEntry `json:"pending"`
}

func newPendingResponse(infos []oplog.PendingInfo) PendingResponse {
	resp := PendingResponse{Pending: make([]PendingEntry, 0, len(infos))}
	for _, p := range infos {
		resp.Pending = append(resp.Pending, PendingEntry{
			Ref:      p.Ref,
			Kind:     p.Kind.String(),
			Reason:   p.Reason.String(),
			Since:    p.Since,
			Deadline: p.Deadline,
		})
	}
	return resp
}

// TreeResponse is returned by GET /v1/tree.
type TreeResponse struct {
	VersionVector clock.VersionVector `json:"version_vector"`
	Digest        string              `json:"digest"`
	Live          int                 `json:"live"`
	Tree          *tree.Snapshot      `json:"tree"`
}

// NodeResponse is returned by GET /v1/nodes/:id.
type NodeResponse struct {
	Node      *tree.Node   `json:"node"`
	Live      bool         `json:"live"`
	Children  []*tree.Node `json:"children"`
	Ancestors []*tree.Node `json:"ancestors"`
	EdgesFrom []*tree.Edge `json:"edges_from"`
	EdgesTo   []*tree.Edge `json:"edges_to"`
}

// EventMessage is one integration event on the /v1/events stream.
type EventMessage struct {
	Ref        op.Ref            `json:"ref"`
	Kind       string            `json:"kind"`
	Target     string            `json:"target"`
	Stamp      op.Stamp          `json:"stamp"`
	Outcome    string            `json:"outcome"`
	Reversions []merge.Reversion `json:"reversions,omitempty"`
}

func newEventMessage(ev oplog.Event) EventMessage {
	return EventMessage{
		Ref:        ev.Op.Ref(),
		Kind:       ev.Op.Kind.String(),
		Target:     ev.Op.Target,
		Stamp:      ev.Result.Stamp,
		Outcome:    ev.Result.Outcome.String(),
		Reversions: ev.Result.Reversions,
	}
}
