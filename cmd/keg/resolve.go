// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <package:plugin>",
		Short: "Print the directory a plugin resolves to",
		Long: `Resolve package:plugin against the package roots, extracting the
package archive into the cache if needed, and print the plugin directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := e.store()
			if err != nil {
				return report(cmd, err)
			}
			rp, err := store.FindPlugin(cmd.Context(), args[0])
			if err != nil {
				return report(cmd, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), rp.Dir)
			return nil
		},
	}
}
