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
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/identity"
	"github.com/AleutianAI/arbor/services/arbor/tree"
)

func (a *app) keygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the replica's ed25519 signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = a.cfg.Identity.KeyFile
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("key file %s already exists (use --force to replace it)", out)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat key file: %w", err)
			}

			id, err := identity.Generate()
			if err != nil {
				return err
			}
			defer id.Destroy()
			if err := id.Save(out); err != nil {
				return err
			}
			a.logger.Info("generated identity", "key_file", out)
			fmt.Fprintln(cmd.OutOrStdout(), id.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "key file (default identity.key_file)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key file")
	return cmd
}

func (a *app) vvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vv",
		Short: "Print the replica's version vector and state digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "replica\t%s\n", r.ID())
			fmt.Fprintf(w, "author\t%s\n", r.Fingerprint())
			fmt.Fprintf(w, "digest\t%s\n", r.Snapshot().Digest())
			vv := r.VersionVector()
			for _, author := range vv.Authors() {
				fmt.Fprintf(w, "%s\t%d\n", author, vv.Get(author))
			}
			return w.Flush()
		},
	}
}

func (a *app) logCmd() *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List integrated operations in stamp order",
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

			ops, err := r.Log().Since(cmd.Context(), from)
			if err != nil {
				return err
			}
			if limit > 0 && len(ops) > limit {
				ops = ops[len(ops)-limit:]
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TS\tAUTHOR\tSEQ\tKIND\tTARGET\tCREATED")
			for _, o := range ops {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					o.Timestamp, o.Author, o.Seq, o.Kind, o.Target, o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only operations not covered by this version vector")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n operations")
	return cmd
}

func (a *app) checkoutCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Print the tree as YAML, optionally as of a past version vector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			r, err := a.openReplica(cmd)
			if err != nil {
				return err
			}
			defer closeReplica(r, &err)

			snap := r.Snapshot()
			if at != "" {
				vv, err := clock.Parse(at)
				if err != nil {
					return err
				}
				if snap, err = r.Reconstruct(cmd.Context(), vv); err != nil {
					return err
				}
			}
			return writeCheckout(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "version vector (author:seq,...) to reconstruct")
	return cmd
}

// checkoutView is the YAML form of a snapshot.
type checkoutView struct {
	VersionVector clock.VersionVector `yaml:"version_vector"`
	Digest        string              `yaml:"digest"`
	Roots         []*nodeView         `yaml:"roots"`
	Edges         []edgeView          `yaml:"edges,omitempty"`
}

type nodeView struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Content  *string           `yaml:"content,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
	Children []*nodeView       `yaml:"children,omitempty"`
}

type edgeView struct {
	ID       string            `yaml:"id"`
	From     string            `yaml:"from"`
	To       string            `yaml:"to"`
	Relation string            `yaml:"relation"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

func newCheckoutView(snap *tree.Snapshot) checkoutView {
	var build func(n *tree.Node) *nodeView
	build = func(n *tree.Node) *nodeView {
		v := &nodeView{ID: n.ID, Kind: n.Kind, Content: n.Content, Metadata: n.Metadata}
		for _, c := range snap.Children(n.ID) {
			v.Children = append(v.Children, build(c))
		}
		return v
	}

	view := checkoutView{
		VersionVector: snap.VersionVector(),
		Digest:        snap.Digest(),
	}
	for _, root := range snap.Roots() {
		view.Roots = append(view.Roots, build(root))
	}
	for _, e := range snap.Edges() {
		view.Edges = append(view.Edges, edgeView{
			ID:       e.ID,
			From:     e.From,
			To:       e.To,
			Relation: e.Relation,
			Metadata: e.Metadata,
		})
	}
	return view
}

func writeCheckout(w io.Writer, snap *tree.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newCheckoutView(snap)); err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	return enc.Close()
}
