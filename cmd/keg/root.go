// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/keg/internal/config"
	"github.com/holomush/keg/internal/logging"
	"github.com/holomush/keg/internal/observability"
	"github.com/holomush/keg/internal/pkgstore"
	"github.com/holomush/keg/internal/xdg"
	"github.com/holomush/keg/pkg/errutil"
)

// Global flags available to all subcommands.
var configFile string

// errReported marks a failure whose diagnostic was already printed.
var errReported = errors.New("error reported")

// NewRootCmd creates the root command for the keg CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keg",
		Short: "keg - build, discover and run WebAssembly plugin packages",
		Long: `keg packages WebAssembly plugins into versioned archives, resolves
packages from a search path, and runs plugins inside a sandboxed runtime.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path (default "+xdg.ConfigFile()+")")
	flags.StringSlice("root", nil, "package search root, repeatable (default $"+config.PathEnv+" or "+xdg.PackagesDir()+")")
	flags.String("cache-dir", def.CacheDir, "archive extraction cache directory")
	flags.String("log-format", def.LogFormat, "log format: json or text")
	flags.String("log-level", def.LogLevel, "log level: debug, info, warn or error")
	flags.Int("max-payload-size", def.MaxPayloadSize, "largest call payload in bytes, 0 for no limit")
	flags.Uint32("max-memory-pages", def.MaxMemoryPages, "guest memory limit in 64KiB pages, 0 for the runtime default")

	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newCallCmd())

	return cmd
}

// env is the per-invocation state shared by subcommands.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observability.Metrics
}

// setup loads configuration and builds the logger for cmd.
func setup(cmd *cobra.Command) (*env, error) {
	path, explicit := configFile, configFile != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	cfg, err := config.Load(path, explicit, cmd.Flags())
	if err != nil {
		return nil, report(cmd, err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, report(cmd, err)
	}
	lv := new(slog.LevelVar)
	lv.Set(level)
	return &env{
		cfg:     cfg,
		logger:  logging.Setup("keg", cmd.Root().Version, cfg.LogFormat, lv, cmd.ErrOrStderr()),
		level:   lv,
		metrics: observability.NewMetrics(observability.NewRegistry()),
	}, nil
}

// quiet raises the log level to at least floor.
func (e *env) quiet(floor slog.Level) {
	e.level.Set(max(e.level.Level(), floor))
}

// store opens the package store described by the configuration.
func (e *env) store() (*pkgstore.Store, error) {
	//nolint:wrapcheck // store errors carry their own codes
	return pkgstore.New(e.cfg.Roots,
		pkgstore.WithCacheDir(e.cfg.CacheDir),
		pkgstore.WithLogger(e.logger),
		pkgstore.WithMetrics(e.metrics),
	)
}

// report prints err as one line on stderr and returns errReported.
func report(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "keg: "+errutil.Summary(err))
	return errReported
}
