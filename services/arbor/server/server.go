// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a replica over HTTP so peers can reconcile with it
// and clients can query and follow it.
//
// Endpoints:
//
//	GET  /v1/health            - Replica identity and log size
//	GET  /v1/vv                - Integrated version vector
//	POST /v1/export            - Operations for the requested ranges, batched
//	POST /v1/import            - Integrate one batch
//	POST /v1/ops               - Append one signed operation
//	GET  /v1/ops/:author/:seq  - Admission status of one operation
//	GET  /v1/pending           - Buffered operations
//	GET  /v1/tree              - Materialized tree, optionally ?at=<vv>
//	GET  /v1/nodes/:id         - One node with its neighbourhood
//	GET  /v1/events            - Websocket stream of integration events
//	GET  /metrics              - Prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/arbor/services/arbor/config"
	"github.com/AleutianAI/arbor/services/arbor/telemetry"
)

// RegisterRoutes registers the /v1 endpoints on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)

	// Reconciliation
	rg.GET("/vv", h.HandleVersionVector)
	rg.POST("/export", h.HandleExport)
	rg.POST("/import", h.HandleImport)

	// Operations
	rg.POST("/ops", h.HandleAppend)
	rg.GET("/ops/:author/:seq", h.HandleStatus)
	rg.GET("/pending", h.HandlePending)

	// Queries
	rg.GET("/tree", h.HandleTree)
	rg.GET("/nodes/:id", h.HandleNode)
	rg.GET("/events", h.HandleEvents)
}

// NewRouter builds the gin engine for h with tracing, recovery and the
// metrics endpoint.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("arbor"))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

// Server runs the HTTP API until its context ends.
type Server struct {
	http     *http.Server
	shutdown time.Duration
	logger   *slog.Logger
}

// New creates a server for backend.
func New(backend Backend, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	h := NewHandlers(backend, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	// Event streams are hijacked connections that Shutdown does not wait for.
	srv.RegisterOnShutdown(h.CloseStreams)
	return &Server{
		http:     srv,
		shutdown: shutdown,
		logger:   logger.With(slog.String("component", "server")),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
//
// Outputs:
//
//	error - nil after a clean shutdown, otherwise the serve or shutdown error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}
