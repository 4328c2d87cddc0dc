// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"runtime"

	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/keg/internal/observability"
	"github.com/holomush/keg/internal/plugin/capability"
	"github.com/holomush/keg/pkg/payload"
)

// Instance is a loaded, initialized plugin.
//
// Instance does not serialize calls: concurrent Call on one instance is
// governed by the guest runtime. Instances are closed with Close or, if
// dropped, when the garbage collector reclaims them.
type Instance struct {
	id         InstanceID
	name       string
	pluginType string
	dir        string
	packageDir string
	artifact   Artifact
	config     map[string]any
	schema     *jschema.Schema
	grants     *capability.Grants

	level  *slog.LevelVar
	logger *slog.Logger

	tracer     trace.Tracer
	metrics    *observability.Metrics
	maxPayload int

	module   Module
	disposer *disposer
	cleanup  runtime.Cleanup
}

// ID returns the registry id of the instance.
func (i *Instance) ID() InstanceID { return i.id }

// Name returns the qualified package:plugin name.
func (i *Instance) Name() string { return i.name }

// Type returns the plugin type the instance was loaded as.
func (i *Instance) Type() string { return i.pluginType }

// Dir returns the plugin directory.
func (i *Instance) Dir() string { return i.dir }

// PackageDir returns the root of the owning package.
func (i *Instance) PackageDir() string { return i.packageDir }

// Artifact returns the guest artifact that was loaded.
func (i *Instance) Artifact() Artifact { return i.artifact }

// Config returns a copy of the configuration the instance was loaded with.
func (i *Instance) Config() map[string]any { return maps.Clone(i.config) }

// Schema returns the plugin's compiled configuration schema, or nil when the
// plugin does not declare one.
func (i *Instance) Schema() *jschema.Schema { return i.schema }

// Logger returns the instance logger. Records below the instance level are
// dropped.
func (i *Instance) Logger() *slog.Logger { return i.logger }

// SetLogLevel changes the minimum level of the instance logger.
func (i *Instance) SetLogLevel(level slog.Level) { i.level.Set(level) }

// Allows reports whether the plugin was granted the named capability.
func (i *Instance) Allows(name string) bool { return i.grants.Allows(name) }

// ValidateConfig checks cfg against the plugin's configuration schema. It
// always succeeds for plugins without a schema.
func (i *Instance) ValidateConfig(cfg any) error {
	return validateConfig(i.name, i.schema, cfg)
}

func validateConfig(name string, schema *jschema.Schema, cfg any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return oops.Code(CodeConfigInvalid).With("plugin", name).Wrapf(err, "encode config")
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oops.Code(CodeConfigInvalid).With("plugin", name).Wrapf(err, "decode config")
	}
	if err := schema.Validate(doc); err != nil {
		return oops.Code(CodeConfigInvalid).With("plugin", name).Wrapf(err, "config for %s", name)
	}
	return nil
}

// Call invokes an exported guest function. The input payload is copied
// before the guest sees it and the returned payload is owned by the caller.
func (i *Instance) Call(ctx context.Context, function string, in *payload.Payload) (out *payload.Payload, err error) {
	ctx, span := i.tracer.Start(ctx, "Instance.Call",
		trace.WithAttributes(
			attribute.String("plugin.name", i.name),
			attribute.String("plugin.type", i.pluginType),
			attribute.String("plugin.function", function),
		))
	defer span.End()
	defer func() {
		i.metrics.RecordCall(i.name, function, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	defer runtime.KeepAlive(i)

	var input []byte
	if in != nil {
		input = in.Clone()
	}
	if i.maxPayload > 0 && len(input) > i.maxPayload {
		return nil, i.execError(function).
			With("size", len(input)).
			Errorf("input of %d bytes exceeds limit of %d", len(input), i.maxPayload)
	}

	if i.disposer.closed.Load() {
		return nil, i.execError(function).Errorf("plugin %s is closed", i.name)
	}
	if !i.module.HasExport(function) {
		return nil, i.execError(function).Errorf("plugin %s does not export %q", i.name, function)
	}

	output, err := i.module.Call(WithExecution(ctx, i.disposer.registry, i.id), function, input)
	if err != nil {
		return nil, guestError(i.execError(function), err, "call %s on %s", function, i.name)
	}
	if i.maxPayload > 0 && len(output) > i.maxPayload {
		return nil, i.execError(function).
			With("size", len(output)).
			Errorf("output of %d bytes exceeds limit of %d", len(output), i.maxPayload)
	}
	span.SetAttributes(attribute.Int("payload.output_size", len(output)))
	return payload.FromBytes(output), nil
}

func (i *Instance) execError(function string) oops.OopsErrorBuilder {
	return oops.Code(CodeExecutionError).
		With("plugin", i.name).
		With("function", function)
}

// Close releases the guest and removes the instance from its registry. It is
// safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.cleanup.Stop()
	return i.disposer.dispose(ctx)
}

// levelHandler filters records below a mutable level before passing them on.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}
