// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exchange moves operations between replicas.
//
// It holds no merge logic. Diff compares version vectors, an Exporter reads
// the requested ranges out of a log as stamp-ordered batches, and an
// Importer feeds each operation of a batch through the log's Append. A
// cancelled exchange leaves the local vector wherever it had advanced to;
// every operation integrated before the cancellation stays integrated.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
)

var (
	// ErrInvalidRange is returned for an empty or zero-based range.
	ErrInvalidRange = errors.New("invalid sequence range")

	// ErrRangeUnavailable means the exporting side does not hold every
	// operation of a requested range.
	ErrRangeUnavailable = errors.New("range not available")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// Log is the part of oplog.Log that exchange needs.
type Log interface {
	VersionVector() clock.VersionVector
	Range(ctx context.Context, author string, from, to uint64) ([]*op.Operation, error)
	Append(ctx context.Context, o *op.Operation) (oplog.Result, error)
}

// Config configures exchange components.
type Config struct {
	// BatchSize is the maximum number of operations per batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// BatchesPerSecond paces Reconcile. 0 means unlimited.
	BatchesPerSecond float64 `yaml:"batches_per_second" json:"batches_per_second"`

	// Timeout bounds one Reconcile call. 0 means no timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        256,
		BatchesPerSecond: 0,
		Timeout:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig().BatchSize
	}
	if c.BatchesPerSecond < 0 {
		c.BatchesPerSecond = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Plan is what each side of an exchange needs from the other.
type Plan struct {
	// Pull lists ranges the local side lacks.
	Pull []clock.Range `json:"pull"`

	// Push lists ranges the remote side lacks.
	Push []clock.Range `json:"push"`
}

// Empty reports whether both sides already hold the same operations.
func (p Plan) Empty() bool {
	return len(p.Pull) == 0 && len(p.Push) == 0
}

// PullCount is the number of operations the local side will receive.
func (p Plan) PullCount() uint64 {
	return countRanges(p.Pull)
}

// PushCount is the number of operations the remote side will receive.
func (p Plan) PushCount() uint64 {
	return countRanges(p.Push)
}

func countRanges(rs []clock.Range) uint64 {
	var n uint64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

// Diff computes the per-author ranges each side needs.
func Diff(local, remote clock.VersionVector) Plan {
	pull, push := clock.Compare(local, remote)
	return Plan{Pull: pull, Push: push}
}

// Batch is a stamp-ordered group of operations.
type Batch struct {
	// Index is the batch's position in its export, starting at 0.
	Index int `json:"index"`

	// Final is set on the last batch of an export.
	Final bool `json:"final"`

	Ops []*op.Operation `json:"ops"`
}
