// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/keg/internal/pkgstore"
)

// Manager loads every plugin of its loader's type and owns the resulting
// instances.
type Manager struct {
	loader  *Loader
	configs map[string]map[string]any
	logger  *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*Instance
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithPluginConfig sets the configuration passed when loading the plugin with
// the given qualified name.
func WithPluginConfig(qualified string, config map[string]any) ManagerOption {
	return func(m *Manager) {
		m.configs[qualified] = config
	}
}

// NewManager creates a plugin manager over loader.
func NewManager(loader *Loader, opts ...ManagerOption) *Manager {
	m := &Manager{
		loader:  loader,
		configs: make(map[string]map[string]any),
		logger:  loader.logger,
		loaded:  make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadFailure records a plugin that LoadAll could not load.
type LoadFailure struct {
	Plugin string
	Err    error
}

// LoadAll discovers the plugins of the loader's type in every package root
// and loads those not already loaded. Individual failures are logged and
// returned without stopping the scan; the error is non-nil only when no
// store is available.
func (m *Manager) LoadAll(ctx context.Context) ([]LoadFailure, error) {
	store, err := m.loader.storeFor(ctx)
	if err != nil {
		return nil, err
	}

	res := store.ListByType(ctx, m.loader.Type())
	var failures []LoadFailure
	for _, pe := range res.Errors {
		failures = append(failures, LoadFailure{Plugin: pe.Dir, Err: pe.Err})
	}

	for _, dp := range res.Plugins {
		if _, ok := m.Get(dp.QualifiedName); ok {
			continue
		}
		inst, err := m.loader.Load(ctx, dp.QualifiedName, m.configs[dp.QualifiedName])
		if err != nil {
			m.logger.Error("failed to load plugin",
				"plugin", dp.QualifiedName,
				"error", err)
			failures = append(failures, LoadFailure{Plugin: dp.QualifiedName, Err: err})
			continue
		}

		if !m.adopt(dp.QualifiedName, inst) {
			// A concurrent LoadAll got there first.
			if err := inst.Close(ctx); err != nil {
				m.logger.Warn("failed to close duplicate plugin instance",
					"plugin", dp.QualifiedName,
					"error", err)
			}
		}
	}
	return failures, nil
}

// adopt records inst under qualified unless an instance is already loaded
// there.
func (m *Manager) adopt(qualified string, inst *Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loaded[qualified]; ok {
		return false
	}
	m.loaded[qualified] = inst
	return true
}

// Get returns the loaded instance with the given qualified name.
func (m *Manager) Get(qualified string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.loaded[qualified]
	return inst, ok
}

// ListPlugins returns the qualified names of all loaded plugins.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unload closes and forgets one plugin.
func (m *Manager) Unload(ctx context.Context, qualified string) error {
	m.mu.Lock()
	inst, ok := m.loaded[qualified]
	delete(m.loaded, qualified)
	m.mu.Unlock()

	if !ok {
		return oops.Code(pkgstore.CodePluginNotFound).
			With("plugin", qualified).
			Errorf("plugin %s is not loaded", qualified)
	}
	return inst.Close(ctx)
}

// Close closes every loaded plugin.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = make(map[string]*Instance)
	m.mu.Unlock()

	var errs []error
	for _, inst := range loaded {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
