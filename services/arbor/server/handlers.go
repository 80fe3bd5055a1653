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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/telemetry"
	"github.com/AleutianAI/arbor/services/arbor/tree"
)

// Backend is the replica a server exposes.
type Backend interface {
	ID() string
	Fingerprint() string
	Peer() exchange.Peer
	Log() *oplog.Log
	Append(ctx context.Context, o *op.Operation) (oplog.Result, error)
	Snapshot() *tree.Snapshot
	Reconstruct(ctx context.Context, vv clock.VersionVector) (*tree.Snapshot, error)
	Subscribe(sub oplog.Subscriber) (unsubscribe func())
}

// Handlers serves the sync and query API of one replica.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	backend Backend
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHandlers creates handlers for backend.
func NewHandlers(backend Backend, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		backend: backend,
		logger:  logger.With(slog.String("component", "server")),
		stop:    make(chan struct{}),
	}
}

// CloseStreams ends every open event stream.
func (h *Handlers) CloseStreams() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

// errorStatus maps a domain error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, oplog.ErrSignatureInvalid):
		return http.StatusForbidden, CodeSignatureInvalid
	case errors.Is(err, oplog.ErrMalformedOperation), errors.Is(err, op.ErrMalformed):
		return http.StatusUnprocessableEntity, CodeMalformed
	case errors.Is(err, oplog.ErrPendingFull):
		return http.StatusServiceUnavailable, CodePendingFull
	case errors.Is(err, oplog.ErrClosed):
		return http.StatusServiceUnavailable, CodeClosed
	case errors.Is(err, exchange.ErrInvalidRange), errors.Is(err, clock.ErrInvalidVector):
		return http.StatusBadRequest, CodeInvalidRange
	case errors.Is(err, exchange.ErrRangeUnavailable):
		return http.StatusConflict, CodeRangeUnavailable
	case errors.Is(err, tree.ErrFutureVersion):
		return http.StatusConflict, CodeFutureVersion
	case errors.Is(err, tree.ErrIncompleteHistory):
		return http.StatusConflict, CodeIncompleteHistory
	case errors.Is(err, oplog.ErrStorageIO):
		return http.StatusInternalServerError, CodeStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeCancelled
	}
	return http.StatusInternalServerError, CodeInternal
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", code), slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	log := h.backend.Log()
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Replica: h.backend.ID(),
		Author:  h.backend.Fingerprint(),
		Ops:     log.VersionVector().Total(),
		Pending: len(log.Pending()),
	})
}

// HandleVersionVector handles GET /v1/vv.
func (h *Handlers) HandleVersionVector(c *gin.Context) {
	vv, err := h.backend.Peer().VersionVector(c.Request.Context())
	if err != nil {
		h.fail(c, h.requestLogger(c, "HandleVersionVector"), err)
		return
	}
	c.JSON(http.StatusOK, VersionVectorResponse{VersionVector: vv})
}

// HandleExport handles POST /v1/export.
//
// Description:
//
//	Returns the requested ranges in stamp order, split into batches.
//
// Request Body:
//
//	ExportRequest
//
// Response:
//
//	200 OK: ExportResponse
//	400 Bad Request: Malformed body or range
//	409 Conflict: A range reaches past what this replica holds
func (h *Handlers) HandleExport(c *gin.Context) {
	logger := h.requestLogger(c, "HandleExport")

	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	batches, err := h.backend.Peer().Export(c.Request.Context(), req.Ranges)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Debug("exported", slog.Int("ranges", len(req.Ranges)), slog.Int("batches", len(batches)))
	c.JSON(http.StatusOK, ExportResponse{Batches: batches})
}

// HandleImport handles POST /v1/import.
//
// Description:
//
//	Feeds one batch through the log. Operations that fail signature or
//	validity checks are counted in the report and skipped. Any other
//	failure stops the batch; what was integrated before it stays.
//
// Request Body:
//
//	exchange.Batch
//
// Response:
//
//	200 OK: ImportResponse
//	4xx/5xx: ImportResponse with the partial report and the error
func (h *Handlers) HandleImport(c *gin.Context) {
	logger := h.requestLogger(c, "HandleImport")

	var batch exchange.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	rep, err := h.backend.Peer().Import(c.Request.Context(), batch)
	if err != nil {
		status, code := errorStatus(err)
		logger.Error("import failed",
			slog.Int("batch", batch.Index),
			slog.Int("integrated", rep.Integrated),
			slog.String("error", err.Error()))
		c.JSON(status, ImportResponse{Report: rep, Error: err.Error(), Code: code})
		return
	}
	logger.Info("imported",
		slog.Int("batch", batch.Index),
		slog.Int("integrated", rep.Integrated),
		slog.Int("duplicate", rep.Duplicate),
		slog.Int("pending", rep.Pending),
		slog.Int("rejected", rep.Rejected))
	c.JSON(http.StatusOK, ImportResponse{Report: rep})
}

// HandleAppend handles POST /v1/ops.
//
// Response:
//
//	200 OK: AppendResponse (integrated, duplicate or buffered)
//	403 Forbidden: Signature invalid
//	422 Unprocessable Entity: Malformed operation
//	503 Service Unavailable: Pending buffer full or log closed
func (h *Handlers) HandleAppend(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAppend")

	var o op.Operation
	if err := c.ShouldBindJSON(&o); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	res, err := h.backend.Append(c.Request.Context(), &o)
	if err != nil {
		h.fail(c, logger.With(slog.String("ref", o.Ref().String())), err)
		return
	}
	c.JSON(http.StatusOK, newAppendResponse(res))
}

// HandleStatus handles GET /v1/ops/:author/:seq.
func (h *Handlers) HandleStatus(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "seq must be a positive integer", Code: CodeInvalidRequest})
		return
	}
	ref := op.Ref{Author: c.Param("author"), Seq: seq}
	status, statusErr := h.backend.Log().Status(ref)

	resp := StatusResponse{Ref: ref, Status: status.String()}
	if statusErr != nil {
		resp.Error = statusErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePending handles GET /v1/pending.
func (h *Handlers) HandlePending(c *gin.Context) {
	c.JSON(http.StatusOK, newPendingResponse(h.backend.Log().Pending()))
}

// HandleTree handles GET /v1/tree.
//
// Query Parameters:
//
//	at - Optional version vector ("author=seq,..."). Omitted means the
//	     current state.
func (h *Handlers) HandleTree(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTree")

	snap := h.backend.Snapshot()
	if at := c.Query("at"); at != "" {
		vv, err := clock.Parse(at)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		snap, err = h.backend.Reconstruct(c.Request.Context(), vv)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
	}
	c.JSON(http.StatusOK, TreeResponse{
		VersionVector: snap.VersionVector(),
		Digest:        snap.Digest(),
		Live:          snap.Len(),
		Tree:          snap,
	})
}

// HandleNode handles GET /v1/nodes/:id.
func (h *Handlers) HandleNode(c *gin.Context) {
	id := c.Param("id")
	snap := h.backend.Snapshot()
	n, ok := snap.Node(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "node not found: " + id, Code: CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, NodeResponse{
		Node:      n,
		Live:      snap.IsLive(id),
		Children:  snap.Children(id),
		Ancestors: snap.Ancestors(id),
		EdgesFrom: snap.EdgesFrom(id, ""),
		EdgesTo:   snap.EdgesTo(id, ""),
	})
}
