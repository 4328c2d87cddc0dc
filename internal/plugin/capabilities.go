// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/oops"
)

// HostFunc implements a host capability for one executing instance.
type HostFunc func(ctx context.Context, inst *Instance, input []byte) ([]byte, error)

// Capability is a host function exposed to guests.
type Capability struct {
	// Name is the import name guests call, e.g. "keg_log".
	Name string
	// Grant is the name checked against the plugin's capability grants.
	// Defaults to Name.
	Grant string
	// Type restricts the capability to instances of one plugin type. Empty
	// accepts any type.
	Type string
	Fn   HostFunc
}

func (c Capability) grant() string {
	if c.Grant != "" {
		return c.Grant
	}
	return c.Name
}

// Capabilities is the host capability table consulted by guest runtimes.
// It is safe for concurrent use.
type Capabilities struct {
	mu     sync.RWMutex
	byName map[string]Capability
}

// NewCapabilities creates an empty capability table.
func NewCapabilities() *Capabilities {
	return &Capabilities{byName: make(map[string]Capability)}
}

var defaultCapabilities = NewCapabilities()

// DefaultCapabilities returns the process-wide capability table.
func DefaultCapabilities() *Capabilities {
	return defaultCapabilities
}

// Register adds a capability. Names are unique within a table.
func (c *Capabilities) Register(capability Capability) error {
	if capability.Name == "" || capability.Fn == nil {
		return oops.In("capabilities").
			With("function", capability.Name).
			Errorf("capability needs a name and a function")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[capability.Name]; ok {
		return oops.In("capabilities").
			With("function", capability.Name).
			Errorf("capability %q already registered", capability.Name)
	}
	c.byName[capability.Name] = capability
	return nil
}

// Lookup returns the capability registered under name.
func (c *Capabilities) Lookup(name string) (Capability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capability, ok := c.byName[name]
	return capability, ok
}

// Names returns the registered capability names in sorted order.
func (c *Capabilities) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	c.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Invoke dispatches a guest's host call. The executing instance is resolved
// from ctx and checked against the capability's type restriction and the
// plugin's grants before Fn runs.
func (c *Capabilities) Invoke(ctx context.Context, name string, input []byte) (out []byte, err error) {
	capability, ok := c.Lookup(name)
	if !ok {
		return nil, oops.Code(CodeCapabilityDenied).
			With("function", name).
			Errorf("unknown host capability %q", name)
	}

	exec, ok := executionFrom(ctx)
	if !ok {
		return nil, oops.Code(CodeHostFunctionContextMismatch).
			With("function", name).
			Errorf("host capability %q called outside a plugin execution", name)
	}
	defer func() { exec.registry.metrics.RecordHostCall(name, err) }()

	inst, err := CurrentInstanceOf(ctx, capability.Type)
	if err != nil {
		return nil, oops.With("function", name).Wrap(err)
	}
	if !inst.Allows(capability.grant()) {
		return nil, oops.Code(CodeCapabilityDenied).
			With("plugin", inst.Name()).
			With("function", name).
			Errorf("plugin %s is not granted %q", inst.Name(), capability.grant())
	}

	inst.logger.DebugContext(ctx, "host call", "function", name, "input_size", len(input))
	return capability.Fn(ctx, inst, input)
}

type executionKey struct{}

type execution struct {
	registry *Registry
	id       InstanceID
}

// WithExecution marks ctx as running inside the instance id of registry.
// Guest runtimes receive such contexts from Instance.Call and pass them back
// to Invoke.
func WithExecution(ctx context.Context, registry *Registry, id InstanceID) context.Context {
	return context.WithValue(ctx, executionKey{}, execution{registry: registry, id: id})
}

func executionFrom(ctx context.Context) (execution, bool) {
	exec, ok := ctx.Value(executionKey{}).(execution)
	if !ok || exec.registry == nil {
		return execution{}, false
	}
	return exec, true
}

// CurrentInstance returns the instance executing in ctx.
func CurrentInstance(ctx context.Context) (*Instance, error) {
	exec, ok := executionFrom(ctx)
	if !ok {
		return nil, oops.Code(CodeHostFunctionContextMismatch).
			Errorf("no plugin instance is executing")
	}
	inst, ok := exec.registry.Lookup(exec.id)
	if !ok {
		return nil, oops.Code(CodeInstanceNotFound).
			With("instance", uint64(exec.id)).
			Errorf("plugin instance %d is no longer alive", exec.id)
	}
	return inst, nil
}

// CurrentInstanceOf is CurrentInstance restricted to a plugin type. An empty
// pluginType accepts any instance.
func CurrentInstanceOf(ctx context.Context, pluginType string) (*Instance, error) {
	inst, err := CurrentInstance(ctx)
	if err != nil {
		return nil, err
	}
	if pluginType != "" && inst.Type() != pluginType {
		return nil, oops.Code(CodeHostFunctionContextMismatch).
			With("plugin", inst.Name()).
			With("expected_type", pluginType).
			With("actual_type", inst.Type()).
			Errorf("host capability expects a %q plugin, %s is %q", pluginType, inst.Name(), inst.Type())
	}
	return inst, nil
}
