// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Exporter reads operation ranges out of a log.
//
// Thread Safety: Safe for concurrent use.
type Exporter struct {
	log       Log
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewExporter creates an exporter over log.
func NewExporter(log Log, cfg Config) *Exporter {
	cfg = cfg.withDefaults()
	return &Exporter{
		log:       log,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger.With(slog.String("component", "exchange_export")),
		tracer:    otel.Tracer("arbor.exchange"),
	}
}

// Export returns every operation in ranges as stamp-ordered batches.
//
// Description:
//
//	Reads each range from the log, merges them into one sequence sorted by
//	(timestamp, author, seq) and cuts it into batches of at most BatchSize.
//	Every requested sequence number must be present locally.
//
// Inputs:
//
//	ctx - Cancellation. Checked between ranges.
//	ranges - Inclusive author ranges, typically Plan.Pull from the peer's side.
//
// Outputs:
//
//	[]Batch - Batches in order; the last has Final set. Empty ranges give nil.
//	error - ErrInvalidRange, ErrRangeUnavailable, or a storage error.
func (e *Exporter) Export(ctx context.Context, ranges []clock.Range) ([]Batch, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx, span := e.tracer.Start(ctx, "exchange.Export",
		trace.WithAttributes(attribute.Int("ranges", len(ranges))),
	)
	defer span.End()

	ops, err := e.collect(ctx, ranges)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		return nil, err
	}
	op.SortByStamp(ops)
	batches := chunk(ops, e.batchSize)

	span.SetAttributes(
		attribute.Int("operations", len(ops)),
		attribute.Int("batches", len(batches)),
	)
	recordExport(ctx, len(ops), len(batches))
	e.logger.Debug("exported operations",
		slog.Int("operations", len(ops)),
		slog.Int("batches", len(batches)))
	return batches, nil
}

func (e *Exporter) collect(ctx context.Context, ranges []clock.Range) ([]*op.Operation, error) {
	local := e.log.VersionVector()
	var total uint64
	for _, r := range ranges {
		if r.From == 0 || r.To < r.From || r.Author == "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, r)
		}
		if have := local.Get(r.Author); r.To > have {
			return nil, fmt.Errorf("%w: %s beyond local %d", ErrRangeUnavailable, r, have)
		}
		total += r.Len()
	}

	// Every range is bounded by the local vector, so total is too. Ranges
	// may still overlap.
	out := make([]*op.Operation, 0, min(total, local.Total()))
	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ops, err := e.log.Range(ctx, r.Author, r.From, r.To)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", r, err)
		}
		if uint64(len(ops)) != r.Len() {
			return nil, fmt.Errorf("%w: %s has %d of %d operations", ErrRangeUnavailable, r, len(ops), r.Len())
		}
		out = append(out, ops...)
	}
	return out, nil
}

func chunk(ops []*op.Operation, size int) []Batch {
	if len(ops) == 0 {
		return nil
	}
	batches := make([]Batch, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		batches = append(batches, Batch{Index: len(batches), Ops: ops[start:end]})
	}
	batches[len(batches)-1].Final = true
	return batches
}

// Report counts what an import did.
type Report struct {
	Integrated int `json:"integrated"`
	Duplicate  int `json:"duplicate"`
	Pending    int `json:"pending"`
	Rejected   int `json:"rejected"`

	// Released counts buffered operations integrated as a side effect.
	Released int `json:"released"`

	// Failures lists rejected operations and why.
	Failures []Failure `json:"failures,omitempty"`
}

// Failure records one rejected operation.
type Failure struct {
	Ref   op.Ref `json:"ref"`
	Error string `json:"error"`
}

// Add accumulates other into r.
func (r *Report) Add(other Report) {
	r.Integrated += other.Integrated
	r.Duplicate += other.Duplicate
	r.Pending += other.Pending
	r.Rejected += other.Rejected
	r.Released += other.Released
	r.Failures = append(r.Failures, other.Failures...)
}

// Total is the number of operations the report covers.
func (r Report) Total() int {
	return r.Integrated + r.Duplicate + r.Pending + r.Rejected
}

// Importer feeds batches through a log.
//
// Thread Safety: Safe for concurrent use.
type Importer struct {
	log    Log
	logger *slog.Logger
	tracer trace.Tracer
}

// NewImporter creates an importer over log.
func NewImporter(log Log, cfg Config) *Importer {
	cfg = cfg.withDefaults()
	return &Importer{
		log:    log,
		logger: cfg.Logger.With(slog.String("component", "exchange_import")),
		tracer: otel.Tracer("arbor.exchange"),
	}
}

// Import appends each operation of b in order.
//
// Description:
//
//	Operations rejected for signature or structure are counted and skipped;
//	the rest of the batch still imports. A storage error or cancellation
//	stops the import and is returned together with the partial report.
//
// Inputs:
//
//	ctx - Cancellation. Checked before every operation.
//	b - The batch.
//
// Outputs:
//
//	Report - Per-status counts.
//	error - A storage error, ErrPendingFull, or a context error.
func (im *Importer) Import(ctx context.Context, b Batch) (Report, error) {
	if ctx == nil {
		return Report{}, ErrNilContext
	}
	ctx, span := im.tracer.Start(ctx, "exchange.Import",
		trace.WithAttributes(
			attribute.Int("batch", b.Index),
			attribute.Int("operations", len(b.Ops)),
		),
	)
	defer span.End()

	var rep Report
	for _, o := range b.Ops {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			recordImport(ctx, rep)
			return rep, err
		}
		res, err := im.log.Append(ctx, o)
		if err != nil {
			if errors.Is(err, oplog.ErrSignatureInvalid) || errors.Is(err, oplog.ErrMalformedOperation) {
				rep.Rejected++
				rep.Failures = append(rep.Failures, Failure{Ref: refOf(o), Error: err.Error()})
				im.logger.Warn("imported operation rejected",
					slog.String("ref", refOf(o).String()),
					slog.String("error", err.Error()))
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			recordImport(ctx, rep)
			return rep, fmt.Errorf("importing %s: %w", refOf(o), err)
		}
		switch res.Status {
		case oplog.StatusIntegrated:
			rep.Integrated++
		case oplog.StatusDuplicate:
			rep.Duplicate++
		default:
			rep.Pending++
		}
		rep.Released += len(res.Released)
	}

	span.SetAttributes(
		attribute.Int("integrated", rep.Integrated),
		attribute.Int("rejected", rep.Rejected),
	)
	recordImport(ctx, rep)
	return rep, nil
}

func refOf(o *op.Operation) op.Ref {
	if o == nil {
		return op.Ref{}
	}
	return o.Ref()
}
