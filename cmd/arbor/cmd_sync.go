// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/arbor/pkg/logging"
	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/replica"
	"github.com/AleutianAI/arbor/services/arbor/server"
	"github.com/AleutianAI/arbor/services/arbor/telemetry"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		since string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write operations a peer at --since lacks as newline-delimited JSON batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			from, err := clock.Parse(since)
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			ranges, _ := clock.Compare(from, r.VersionVector())
			batches, err := r.Peer().Export(cmd.Context(), ranges)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := exchange.WriteBatches(w, batches); err != nil {
				return err
			}
			a.logger.Info("exported", "ranges", len(ranges), "batches", len(batches))
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "version vector of the receiving peer (empty exports everything)")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Integrate batches written by export (stdin when no file or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			batches, err := exchange.ReadBatches(in)
			if err != nil {
				return err
			}

			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			var total exchange.Report
			for _, b := range batches {
				rep, err := r.Peer().Import(cmd.Context(), b)
				total.Add(rep)
				if err != nil {
					printReport(cmd.OutOrStdout(), total)
					return err
				}
			}
			printReport(cmd.OutOrStdout(), total)
			return nil
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [peer-url...]",
		Short: "Reconcile with peers (default server.peers)",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			peers := args
			if len(peers) == 0 {
				peers = a.cfg.Server.Peers
			}
			if len(peers) == 0 {
				return errors.New("no peers given and server.peers is empty")
			}
			clients, err := newClients(peers)
			if err != nil {
				return err
			}

			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			var errs []error
			for _, c := range clients {
				sum, err := r.Sync(cmd.Context(), c)
				if err != nil {
					errs = append(errs, fmt.Errorf("sync %s: %w", c.URL(), err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: pulled %d, pushed %d\n",
					c.URL(), sum.Pulled.Integrated, sum.Pushed.Integrated)
			}
			return errors.Join(errs...)
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync and query API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg := a.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}
			if a.cfg.Logging.Level > logging.LevelDebug {
				gin.SetMode(gin.ReleaseMode)
			}

			shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if terr := shutdownTelemetry(flushCtx); terr != nil {
					a.logger.Warn("telemetry shutdown failed", "error", terr.Error())
				}
			}()

			clients, err := newClients(cfg.Peers)
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.New(r, cfg, a.logger.Slog()).ListenAndServe(gctx)
			})
			if cfg.SyncInterval > 0 && len(clients) > 0 {
				g.Go(func() error {
					syncLoop(gctx, r, clients, cfg.SyncInterval, a.logger.Slog())
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

// syncLoop reconciles with every peer each interval until ctx ends. A peer
// that fails is logged and retried on the next tick.
func syncLoop(ctx context.Context, r *replica.Replica, peers []*server.Client, interval time.Duration, logger *slog.Logger) {
	logger = logger.With(slog.String("component", "sync_loop"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range peers {
			sum, err := r.Sync(ctx, p)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("sync failed", slog.String("peer", p.URL()), slog.String("error", err.Error()))
				continue
			}
			if !sum.Plan.Empty() {
				logger.Info("synced",
					slog.String("peer", p.URL()),
					slog.Int("pulled", sum.Pulled.Integrated),
					slog.Int("pushed", sum.Pushed.Integrated))
			}
		}
	}
}

func newClients(urls []string) ([]*server.Client, error) {
	clients := make([]*server.Client, 0, len(urls))
	for _, u := range urls {
		c, err := server.NewClient(u)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func printReport(w io.Writer, rep exchange.Report) {
	fmt.Fprintf(w, "imported: %d integrated, %d duplicate, %d pending, %d rejected\n",
		rep.Integrated, rep.Duplicate, rep.Pending, rep.Rejected)
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  rejected %s: %s\n", f.Ref, f.Error)
	}
}
