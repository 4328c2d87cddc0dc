// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holomush/keg/pkg/errutil"
)

// listConfig holds configuration for the list command.
type listConfig struct {
	pluginType string
}

func newListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins of a type across all package roots",
		Long: `Scan every package root and print the plugins whose declared type
matches --type. Packages whose manifest cannot be read are reported on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.pluginType, "type", "", "plugin type to list")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runList(cmd *cobra.Command, cfg *listConfig) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := e.store()
	if err != nil {
		return report(cmd, err)
	}

	res := store.ListByType(cmd.Context(), cfg.pluginType)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, p := range res.Plugins {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.QualifiedName, p.Type, p.PackageDir)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	for _, pe := range res.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "keg: skipped %s: %s\n", pe.Dir, errutil.Summary(pe.Err))
	}
	return nil
}
