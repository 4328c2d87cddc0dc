// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package wasm runs plugin guests with Extism on top of wazero.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/holomush/keg/internal/plugin"
)

// HostNamespace is the import module guests use for host capabilities.
const HostNamespace = "extism:host/user"

// ErrRuntimeClosed is returned when instantiating after Close.
var ErrRuntimeClosed = errors.New("wasm runtime is closed")

// Runtime instantiates guests with Extism. Compiled code is shared through a
// wazero compilation cache, so loading the same artifact twice compiles it
// once.
type Runtime struct {
	mu       sync.RWMutex
	cache    wazero.CompilationCache
	tracer   trace.Tracer
	logger   *slog.Logger
	maxPages uint32
	wasi     bool
	closed   bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTracer sets the tracer for instantiation spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithMaxPages caps guest linear memory in 64KiB pages. Zero is unlimited.
func WithMaxPages(n uint32) Option {
	return func(r *Runtime) { r.maxPages = n }
}

// WithWASI toggles WASI support for guests. Enabled by default.
func WithWASI(enabled bool) Option {
	return func(r *Runtime) { r.wasi = enabled }
}

// NewRuntime creates a Runtime with an in-memory compilation cache.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		cache:  wazero.NewCompilationCache(),
		tracer: noop.NewTracerProvider().Tracer("keg/wasm"),
		logger: slog.Default(),
		wasi:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instantiate compiles wasm and binds every capability in caps as a host
// import under HostNamespace.
func (r *Runtime) Instantiate(ctx context.Context, name string, wasm []byte, caps *plugin.Capabilities) (plugin.Module, error) {
	ctx, span := r.tracer.Start(ctx, "Runtime.Instantiate",
		trace.WithAttributes(
			attribute.String("plugin.name", name),
			attribute.Int("wasm.size", len(wasm)),
		))
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		span.RecordError(ErrRuntimeClosed)
		return nil, ErrRuntimeClosed
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: wasm, Name: name},
		},
	}
	if r.maxPages > 0 {
		manifest.Memory = &extism.ManifestMemory{MaxPages: r.maxPages}
	}

	config := extism.PluginConfig{
		EnableWasi:    r.wasi,
		RuntimeConfig: wazero.NewRuntimeConfig().WithCompilationCache(r.cache),
	}

	p, err := extism.NewPlugin(ctx, manifest, config, hostFunctions(caps))
	if err != nil {
		err = fmt.Errorf("failed to create plugin %s: %w", name, err)
		span.RecordError(err)
		return nil, err
	}

	r.logger.Debug("guest instantiated", "plugin", name, "wasm_size", len(wasm))
	return &module{name: name, plugin: p}, nil
}

// Close releases the compilation cache. Modules already instantiated keep
// working until closed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.cache.Close(ctx)
}

// hostFunctions adapts the capability table to Extism host functions. Each
// import takes and returns one pointer to a memory block holding an encoded
// payload. Capability errors trap the guest.
func hostFunctions(caps *plugin.Capabilities) []extism.HostFunction {
	if caps == nil {
		return nil
	}
	names := caps.Names()
	fns := make([]extism.HostFunction, 0, len(names))
	for _, name := range names {
		fn := extism.NewHostFunctionWithStack(name,
			func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
				input, err := p.ReadBytes(stack[0])
				if err != nil {
					panic(fmt.Errorf("%s: read input: %w", name, err))
				}
				out, err := caps.Invoke(ctx, name, input)
				if err != nil {
					panic(err)
				}
				offset, err := p.WriteBytes(out)
				if err != nil {
					panic(fmt.Errorf("%s: write output: %w", name, err))
				}
				stack[0] = offset
			},
			[]extism.ValueType{extism.ValueTypePTR},
			[]extism.ValueType{extism.ValueTypePTR},
		)
		fn.SetNamespace(HostNamespace)
		fns = append(fns, fn)
	}
	return fns
}

type module struct {
	name   string
	plugin *extism.Plugin
}

func (m *module) Call(ctx context.Context, function string, input []byte) ([]byte, error) {
	rc, out, err := m.plugin.CallWithContext(ctx, function, input)
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, fmt.Errorf("%s returned exit code %d", function, rc)
	}
	return out, nil
}

func (m *module) HasExport(function string) bool {
	return m.plugin.FunctionExists(function)
}

func (m *module) Close(ctx context.Context) error {
	return m.plugin.Close(ctx)
}
