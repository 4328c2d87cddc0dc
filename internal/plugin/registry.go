// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/holomush/keg/internal/observability"
)

// InstanceID identifies a plugin instance for the life of the process.
// Ids are never reused.
type InstanceID uint64

var lastInstanceID atomic.Uint64

func nextInstanceID() InstanceID {
	return InstanceID(lastInstanceID.Add(1))
}

// Registry maps instance ids to live instances without keeping them alive.
//
// Entries are weak: once an instance becomes unreachable its entry resolves
// to nothing and is removed when the instance's cleanup runs.
type Registry struct {
	mu        sync.RWMutex
	instances map[InstanceID]weak.Pointer[Instance]
	metrics   *observability.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *observability.Metrics) *Registry {
	return &Registry{
		instances: make(map[InstanceID]weak.Pointer[Instance]),
		metrics:   m,
	}
}

var defaultRegistry = NewRegistry(nil)

// DefaultRegistry returns the process-wide registry used by loaders that are
// not given one.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Lookup resolves id to its instance. It returns false for unknown ids and
// for instances that have been closed or collected.
func (r *Registry) Lookup(id InstanceID) (*Instance, bool) {
	r.mu.RLock()
	wp, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	inst := wp.Value()
	return inst, inst != nil
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) register(inst *Instance) {
	r.mu.Lock()
	r.instances[inst.id] = weak.Make(inst)
	r.mu.Unlock()
	r.metrics.InstanceRegistered()
}

func (r *Registry) unregister(id InstanceID) {
	r.mu.Lock()
	_, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if ok {
		r.metrics.InstanceDisposed()
	}
}

// disposer releases an instance's guest and registry entry exactly once. It
// is shared between Instance.Close and the instance's GC cleanup, so it must
// never reference the Instance itself.
type disposer struct {
	once     sync.Once
	closed   atomic.Bool
	id       InstanceID
	name     string
	module   Module
	registry *Registry
	logger   *slog.Logger
	err      error
}

func (d *disposer) dispose(ctx context.Context) error {
	d.once.Do(func() {
		d.closed.Store(true)
		d.registry.unregister(d.id)
		if d.module != nil {
			d.err = d.module.Close(ctx)
		}
		d.logger.Debug("plugin instance disposed", "plugin", d.name, "instance", uint64(d.id))
	})
	return d.err
}

func (d *disposer) collected() {
	if err := d.dispose(context.Background()); err != nil {
		d.logger.Warn("failed to close collected plugin instance",
			"plugin", d.name, "instance", uint64(d.id), "error", err)
	}
}
