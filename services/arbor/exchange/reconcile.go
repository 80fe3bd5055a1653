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
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Peer is one side of an exchange. A transport implements it for a remote
// replica; Local implements it for an in-process log.
type Peer interface {
	VersionVector(ctx context.Context) (clock.VersionVector, error)
	Export(ctx context.Context, ranges []clock.Range) ([]Batch, error)
	Import(ctx context.Context, b Batch) (Report, error)
}

// Local adapts a log to Peer.
type Local struct {
	log      Log
	exporter *Exporter
	importer *Importer
}

// NewLocal wraps log.
func NewLocal(log Log, cfg Config) *Local {
	return &Local{
		log:      log,
		exporter: NewExporter(log, cfg),
		importer: NewImporter(log, cfg),
	}
}

// VersionVector implements Peer.
func (l *Local) VersionVector(ctx context.Context) (clock.VersionVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.log.VersionVector(), nil
}

// Export implements Peer.
func (l *Local) Export(ctx context.Context, ranges []clock.Range) ([]Batch, error) {
	return l.exporter.Export(ctx, ranges)
}

// Import implements Peer.
func (l *Local) Import(ctx context.Context, b Batch) (Report, error) {
	return l.importer.Import(ctx, b)
}

// Summary describes a finished or interrupted Reconcile.
type Summary struct {
	Plan   Plan   `json:"plan"`
	Pulled Report `json:"pulled"`
	Pushed Report `json:"pushed"`
}

// Reconcile brings local and remote to the union of their operations.
//
// Description:
//
//	Fetches both version vectors concurrently, computes the Diff, then
//	pulls what local lacks and pushes what remote lacks, one batch at a
//	time and paced by BatchesPerSecond. Cancellation or timeout is honoured
//	between batches and inside each import; whatever was integrated before
//	stays integrated.
//
// Inputs:
//
//	ctx - Cancellation and tracing.
//	local - This replica.
//	remote - The peer.
//	cfg - Pacing, batching and timeout.
//
// Outputs:
//
//	Summary - The plan and what each direction achieved, also on error.
//	error - The first failure, wrapped with its direction.
func Reconcile(ctx context.Context, local, remote Peer, cfg Config) (sum Summary, err error) {
	if ctx == nil {
		return Summary{}, ErrNilContext
	}
	cfg = cfg.withDefaults()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("arbor.exchange").Start(ctx, "exchange.Reconcile")
	defer span.End()
	start := time.Now()
	logger := cfg.Logger.With(slog.String("component", "exchange"))
	defer func() {
		recordReconcile(ctx, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile failed")
		}
	}()

	var localVV, remoteVV clock.VersionVector
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vv, err := local.VersionVector(gctx)
		if err != nil {
			return fmt.Errorf("local version vector: %w", err)
		}
		localVV = vv
		return nil
	})
	g.Go(func() error {
		vv, err := remote.VersionVector(gctx)
		if err != nil {
			return fmt.Errorf("remote version vector: %w", err)
		}
		remoteVV = vv
		return nil
	})
	if err := g.Wait(); err != nil {
		return sum, err
	}

	sum.Plan = Diff(localVV, remoteVV)
	span.SetAttributes(
		attribute.Int64("pull", int64(sum.Plan.PullCount())),
		attribute.Int64("push", int64(sum.Plan.PushCount())),
	)
	if sum.Plan.Empty() {
		logger.Debug("replicas already in sync", slog.String("version_vector", localVV.String()))
		return sum, nil
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), int(math.Max(1, math.Ceil(cfg.BatchesPerSecond))))
	}

	if len(sum.Plan.Pull) > 0 {
		if err := transfer(ctx, remote, local, sum.Plan.Pull, limiter, &sum.Pulled); err != nil {
			return sum, fmt.Errorf("pull: %w", err)
		}
	}
	if len(sum.Plan.Push) > 0 {
		if err := transfer(ctx, local, remote, sum.Plan.Push, limiter, &sum.Pushed); err != nil {
			return sum, fmt.Errorf("push: %w", err)
		}
	}

	logger.Info("reconciled with peer",
		slog.Int("pulled", sum.Pulled.Integrated+sum.Pulled.Released),
		slog.Int("pushed", sum.Pushed.Integrated+sum.Pushed.Released),
		slog.Int("rejected", sum.Pulled.Rejected+sum.Pushed.Rejected),
		slog.Duration("took", time.Since(start)))
	return sum, nil
}

func transfer(ctx context.Context, from, to Peer, ranges []clock.Range, limiter *rate.Limiter, rep *Report) error {
	batches, err := from.Export(ctx, ranges)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	for _, b := range batches {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := to.Import(ctx, b)
		rep.Add(r)
		if err != nil {
			return fmt.Errorf("import batch %d: %w", b.Index, err)
		}
	}
	return nil
}
