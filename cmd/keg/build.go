// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/keg/internal/kegbuild"
)

// buildConfig holds configuration for the build command.
type buildConfig struct {
	toolchain string
	target    string
	outputDir string
	noCompile bool
	verbose   bool
}

func newBuildCmd() *cobra.Command {
	cfg := &buildConfig{}

	cmd := &cobra.Command{
		Use:   "build [path]",
		Short: "Compile and package a plugin source tree",
		Long: `Validate the package manifest and plugin metadata under path (default
the current directory), compile every plugin in release and debug profiles,
and write <name>-<version>.keg. The archive path is printed on success.
Progress logs and compiler output are shown only with --verbose; otherwise
a failure prints a single diagnostic line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, cfg, args)
		},
	}

	cmd.Flags().StringVar(&cfg.toolchain, "toolchain", "cargo", "compiler driver binary")
	cmd.Flags().StringVar(&cfg.target, "target", kegbuild.DefaultCargoTarget, "compilation target triple")
	cmd.Flags().StringVar(&cfg.outputDir, "out", "", "archive output directory (default <path>/"+kegbuild.OutputDir+")")
	cmd.Flags().BoolVar(&cfg.noCompile, "no-compile", false, "archive existing artifacts without compiling")
	cmd.Flags().BoolVar(&cfg.verbose, "verbose", false, "show progress logs and compiler output")

	return cmd
}

func runBuild(cmd *cobra.Command, cfg *buildConfig, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}

	root := "."
	if len(args) > 0 {
		root = args[0]
	}

	var output io.Writer
	if cfg.verbose {
		output = cmd.ErrOrStderr()
	} else {
		e.quiet(slog.LevelWarn)
	}

	b := kegbuild.New(
		kegbuild.WithToolchain(kegbuild.CargoToolchain{
			Command: cfg.toolchain,
			Target:  cfg.target,
			Output:  output,
		}),
		kegbuild.WithLogger(e.logger),
		kegbuild.WithOutputDir(cfg.outputDir),
		kegbuild.WithSkipCompile(cfg.noCompile),
	)
	out, err := b.Build(cmd.Context(), root)
	if err != nil {
		return report(cmd, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
