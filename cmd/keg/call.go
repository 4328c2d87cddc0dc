// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/holomush/keg/internal/plugin"
	"github.com/holomush/keg/internal/plugin/hostfunc"
	"github.com/holomush/keg/internal/wasm"
	"github.com/holomush/keg/pkg/payload"
)

// callConfig holds configuration for the call command.
type callConfig struct {
	pluginType   string
	input        string
	pluginConfig string
}

var registerBuiltins = sync.OnceValue(func() error {
	return hostfunc.Register(plugin.DefaultCapabilities())
})

func newCallCmd() *cobra.Command {
	cfg := &callConfig{}

	cmd := &cobra.Command{
		Use:   "call <package:plugin> <function>",
		Short: "Load a plugin and call one of its functions",
		Long: `Load package:plugin as a plugin of --type, call function with the
payload given by --input (hex, default empty) and print the output payload
as hex.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, cfg, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&cfg.pluginType, "type", "", "expected plugin type")
	cmd.Flags().StringVar(&cfg.input, "input", "", "input payload as hex")
	cmd.Flags().StringVar(&cfg.pluginConfig, "plugin-config", "", "plugin configuration as a JSON object")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runCall(cmd *cobra.Command, cfg *callConfig, qualified, function string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}

	in, err := hex.DecodeString(cfg.input)
	if err != nil {
		return report(cmd, fmt.Errorf("invalid --input: %w", err))
	}
	var pluginConfig map[string]any
	if cfg.pluginConfig != "" {
		if err := json.Unmarshal([]byte(cfg.pluginConfig), &pluginConfig); err != nil {
			return report(cmd, fmt.Errorf("invalid --plugin-config: %w", err))
		}
	}
	if err := registerBuiltins(); err != nil {
		return report(cmd, err)
	}

	store, err := e.store()
	if err != nil {
		return report(cmd, err)
	}
	ctx, err := store.Enter(cmd.Context())
	if err != nil {
		return report(cmd, err)
	}

	opts := []wasm.Option{wasm.WithLogger(e.logger)}
	if e.cfg.MaxMemoryPages > 0 {
		opts = append(opts, wasm.WithMaxPages(e.cfg.MaxMemoryPages))
	}
	rt := wasm.NewRuntime(opts...)
	defer func() { _ = rt.Close(ctx) }()

	loader := plugin.NewLoader(rt, cfg.pluginType,
		plugin.WithRegistry(plugin.NewRegistry(e.metrics)),
		plugin.WithMetrics(e.metrics),
		plugin.WithLogger(e.logger),
		plugin.WithMaxPayloadSize(e.cfg.MaxPayloadSize),
	)
	inst, err := loader.Load(ctx, qualified, pluginConfig)
	if err != nil {
		return report(cmd, err)
	}
	defer func() { _ = inst.Close(ctx) }()

	out, err := inst.Call(ctx, function, payload.FromBytes(in))
	if err != nil {
		return report(cmd, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(out.Bytes()))
	return nil
}
