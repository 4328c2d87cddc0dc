// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin loads plugins from a package store into a guest runtime and
// dispatches the host capabilities guests call back into.
//
// A load walks Resolving, Loaded, Initialized and Ready. Any failure along
// the way leaves nothing behind: the guest is closed and the instance never
// becomes reachable from the registry.
package plugin

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"

	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/keg/internal/observability"
	"github.com/holomush/keg/internal/pkgstore"
	"github.com/holomush/keg/internal/plugin/capability"
)

const tracerName = "github.com/holomush/keg/internal/plugin"

// Loader loads plugins of a single type.
type Loader struct {
	runtime    Runtime
	pluginType string
	store      *pkgstore.Store
	registry   *Registry
	caps       *Capabilities
	tracer     trace.Tracer
	metrics    *observability.Metrics
	logger     *slog.Logger
	maxPayload int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithStore pins the loader to a store instead of the one active in the
// load context.
func WithStore(s *pkgstore.Store) LoaderOption {
	return func(l *Loader) { l.store = s }
}

// WithRegistry sets the instance registry. Defaults to DefaultRegistry.
func WithRegistry(r *Registry) LoaderOption {
	return func(l *Loader) { l.registry = r }
}

// WithCapabilities sets the host capability table. Defaults to
// DefaultCapabilities.
func WithCapabilities(c *Capabilities) LoaderOption {
	return func(l *Loader) { l.caps = c }
}

// WithTracer sets the tracer for load and call spans.
func WithTracer(t trace.Tracer) LoaderOption {
	return func(l *Loader) { l.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// WithLogger sets the base logger instances derive theirs from.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithMaxPayloadSize limits the size of call inputs and outputs in bytes.
// Zero means unlimited.
func WithMaxPayloadSize(n int) LoaderOption {
	return func(l *Loader) { l.maxPayload = n }
}

// NewLoader creates a loader for plugins of pluginType.
func NewLoader(rt Runtime, pluginType string, opts ...LoaderOption) *Loader {
	l := &Loader{
		runtime:    rt,
		pluginType: pluginType,
		registry:   DefaultRegistry(),
		caps:       DefaultCapabilities(),
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Type returns the plugin type this loader accepts.
func (l *Loader) Type() string { return l.pluginType }

// Registry returns the registry instances are entered into.
func (l *Loader) Registry() *Registry { return l.registry }

// Load resolves the qualified package:plugin name, instantiates its guest
// and runs the guest's init export if present. config is attached to the
// instance as-is after validation against the plugin's schema.
func (l *Loader) Load(ctx context.Context, qualified string, config map[string]any) (inst *Instance, err error) {
	ctx, span := l.tracer.Start(ctx, "Loader.Load",
		trace.WithAttributes(
			attribute.String("plugin.name", qualified),
			attribute.String("plugin.type", l.pluginType),
		))
	defer span.End()
	defer func() {
		l.metrics.RecordLoad(l.pluginType, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// Resolving
	store, err := l.storeFor(ctx)
	if err != nil {
		return nil, oops.With("plugin", qualified).Wrap(err)
	}
	resolved, err := store.FindPlugin(ctx, qualified)
	if err != nil {
		return nil, err
	}
	name := resolved.QualifiedName()

	md, err := pkgstore.ReadPluginMetadata(resolved.Dir)
	if err != nil {
		return nil, oops.With("plugin", name).Wrap(err)
	}
	declared := md.Plugin.Type
	if declared == "" {
		declared = resolved.Entry.Type
	}
	if declared != l.pluginType {
		return nil, oops.Code(CodePluginTypeMismatch).
			With("plugin", name).
			With("expected_type", l.pluginType).
			With("actual_type", declared).
			Errorf("plugin %s is a %q plugin, not %q", name, declared, l.pluginType)
	}

	schema, err := l.configSchema(resolved.Dir, md)
	if err != nil {
		return nil, oops.With("plugin", name).Wrap(err)
	}
	cfgDoc := config
	if cfgDoc == nil {
		cfgDoc = map[string]any{}
	}
	if err := validateConfig(name, schema, cfgDoc); err != nil {
		return nil, err
	}
	grants, err := capability.Compile(md.Plugin.Capabilities)
	if err != nil {
		return nil, oops.Code(pkgstore.CodeManifestParseError).
			With("plugin", name).
			Wrapf(err, "plugin capabilities")
	}

	artifact, err := SelectArtifact(resolved.Dir)
	if err != nil {
		return nil, oops.With("plugin", name).Wrap(err)
	}
	wasm, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, oops.Code(CodeArtifactMissing).
			With("plugin", name).
			With("path", artifact.Path).
			Wrapf(err, "read artifact")
	}
	span.SetAttributes(attribute.String("plugin.artifact", artifact.Kind.String()))

	// Loaded
	id := nextInstanceID()
	level := new(slog.LevelVar)
	inst = &Instance{
		id:         id,
		name:       name,
		pluginType: declared,
		dir:        resolved.Dir,
		packageDir: resolved.PackageDir,
		artifact:   artifact,
		config:     maps.Clone(config),
		schema:     schema,
		grants:     grants,
		level:      level,
		logger: slog.New(&levelHandler{level: level, handler: l.logger.Handler()}).
			With("plugin", name, "instance", uint64(id)),
		tracer:     l.tracer,
		metrics:    l.metrics,
		maxPayload: l.maxPayload,
	}
	d := &disposer{id: id, name: name, registry: l.registry, logger: l.logger}
	inst.disposer = d

	// Registered before instantiation so start code that calls host
	// capabilities can resolve the instance.
	l.registry.register(inst)
	execCtx := WithExecution(ctx, l.registry, id)

	mod, err := l.runtime.Instantiate(execCtx, name, wasm, l.caps)
	if err != nil {
		l.registry.unregister(id)
		return nil, guestError(oops.Code(CodeInitializationError).
			With("plugin", name).
			With("path", artifact.Path), err, "instantiate %s", name)
	}
	d.module = mod
	inst.module = mod

	// Initialized
	if mod.HasExport(InitExport) {
		if _, err := mod.Call(execCtx, InitExport, nil); err != nil {
			if cerr := d.dispose(context.WithoutCancel(ctx)); cerr != nil {
				l.logger.Warn("failed to close plugin after init failure", "plugin", name, "error", cerr)
			}
			return nil, guestError(oops.Code(CodeInitializationError).
				With("plugin", name).
				With("function", InitExport), err, "initialize %s", name)
		}
	}

	// Ready
	inst.cleanup = runtime.AddCleanup(inst, (*disposer).collected, d)
	inst.logger.Info("plugin loaded",
		"type", declared,
		"artifact", artifact.Kind.String(),
		"wasm_size", len(wasm))
	return inst, nil
}

// storeFor returns the pinned store or the one active in ctx.
func (l *Loader) storeFor(ctx context.Context) (*pkgstore.Store, error) {
	if l.store != nil {
		return l.store, nil
	}
	if store, ok := pkgstore.Active(ctx); ok {
		return store, nil
	}
	return nil, oops.Code(CodeStoreNotActive).Errorf("no package store is active")
}

func (l *Loader) configSchema(dir string, md *pkgstore.PluginMetadata) (*jschema.Schema, error) {
	rel := md.Plugin.ConfigSchema
	if rel == "" {
		return nil, nil
	}
	if !filepath.IsLocal(rel) {
		return nil, oops.Code(pkgstore.CodeManifestParseError).
			With("path", rel).
			Errorf("config schema path %q escapes the plugin directory", rel)
	}
	path := filepath.Join(dir, rel)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Code(pkgstore.CodeManifestParseError).
			With("path", path).
			Wrapf(err, "read config schema")
	}
	return pkgstore.CompileSchema(path, raw)
}
