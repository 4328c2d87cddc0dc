// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/keg/internal/pkgstore"
	"github.com/holomush/keg/internal/plugin"
	"github.com/holomush/keg/pkg/payload"
)

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	mkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const lightsManifest = `package:
  name: lights
  version: 0.3.0
plugins:
  - name: scaler
    type: effect
  - name: strict
    type: effect
  - name: flaky
    type: effect
  - name: relay
    type: effect
  - name: dimmer
    type: driver
`

const strictSchema = `{
  "type": "object",
  "properties": {
    "gain": {"type": "number", "minimum": 0}
  },
  "required": ["gain"],
  "additionalProperties": false
}`

// writeLightsPackage lays out a package whose release artifacts name fake
// programs understood by fakeRuntime.
func writeLightsPackage(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, "lights")
	writeFile(t, filepath.Join(dir, pkgstore.ManifestFile), lightsManifest)

	plugins := map[string]struct{ metadata, program string }{
		"scaler": {"plugin:\n  name: scaler\n", "scaler"},
		"strict": {"plugin:\n  name: strict\n  config_schema: config.schema.json\n  capabilities: [\"keg.log\"]\n", "relay"},
		"flaky":  {"plugin:\n  name: flaky\n", "flaky"},
		"relay":  {"plugin:\n  name: relay\n", "relay"},
		"dimmer": {"plugin:\n  name: dimmer\n", "relay"},
	}
	for name, p := range plugins {
		pdir := filepath.Join(dir, pkgstore.PluginsDir, name)
		writeFile(t, filepath.Join(pdir, pkgstore.PluginMetadataFile), p.metadata)
		writeFile(t, filepath.Join(pdir, pkgstore.ReleaseArtifact), p.program)
	}
	writeFile(t, filepath.Join(dir, pkgstore.PluginsDir, "strict", "config.schema.json"), strictSchema)
	return dir
}

// newTestStore creates a store rooted at a temp dir holding the lights package.
func newTestStore(t *testing.T) *pkgstore.Store {
	t.Helper()
	root := t.TempDir()
	writeLightsPackage(t, root)
	s, err := pkgstore.New([]string{root})
	require.NoError(t, err)
	return s
}

// fakeExport is a guest export implemented in Go.
type fakeExport func(ctx context.Context, m *fakeModule, in []byte) ([]byte, error)

// fakeRuntime instantiates Go programs selected by the artifact contents.
type fakeRuntime struct {
	mu       sync.Mutex
	programs map[string]map[string]fakeExport
	modules  []*fakeModule
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{programs: map[string]map[string]fakeExport{
		"scaler": scalerProgram(),
		"flaky":  flakyProgram(),
		"relay":  relayProgram(),
	}}
}

func (r *fakeRuntime) Instantiate(_ context.Context, name string, wasm []byte, caps *plugin.Capabilities) (plugin.Module, error) {
	exports, ok := r.programs[string(bytes.TrimSpace(wasm))]
	if !ok {
		return nil, errors.New("invalid module")
	}
	m := &fakeModule{name: name, exports: exports, caps: caps, channels: map[int64]*channel{}}
	r.mu.Lock()
	r.modules = append(r.modules, m)
	r.mu.Unlock()
	return m, nil
}

func (r *fakeRuntime) instantiated() []*fakeModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeModule(nil), r.modules...)
}

type channel struct {
	group  int64
	scalar float32
	extra  []byte
	value  float32
}

type fakeModule struct {
	name     string
	exports  map[string]fakeExport
	caps     *plugin.Capabilities
	channels map[int64]*channel
	inits    atomic.Int32
	closed   atomic.Bool
}

func (m *fakeModule) Call(ctx context.Context, function string, input []byte) ([]byte, error) {
	fn, ok := m.exports[function]
	if !ok {
		return nil, errors.New("unknown export")
	}
	return fn(ctx, m, input)
}

func (m *fakeModule) HasExport(function string) bool {
	_, ok := m.exports[function]
	return ok
}

func (m *fakeModule) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

// scalerProgram keeps per-channel metadata and values and scales values on
// process.
func scalerProgram() map[string]fakeExport {
	return map[string]fakeExport{
		plugin.InitExport: func(_ context.Context, m *fakeModule, _ []byte) ([]byte, error) {
			m.inits.Add(1)
			return nil, nil
		},
		"set_channel_metadata": func(_ context.Context, m *fakeModule, in []byte) ([]byte, error) {
			p := payload.FromBytes(in)
			index, err := p.ReadI64()
			if err != nil {
				return nil, err
			}
			group, err := p.ReadI64()
			if err != nil {
				return nil, err
			}
			scalar, err := p.ReadF32()
			if err != nil {
				return nil, err
			}
			extra, err := p.ReadBytes()
			if err != nil {
				return nil, err
			}
			m.channels[index] = &channel{group: group, scalar: scalar, extra: extra}
			return nil, nil
		},
		"set_input_values": func(_ context.Context, m *fakeModule, in []byte) ([]byte, error) {
			p := payload.FromBytes(in)
			for p.Remaining() > 0 {
				index, err := p.ReadI64()
				if err != nil {
					return nil, err
				}
				value, err := p.ReadF32()
				if err != nil {
					return nil, err
				}
				ch, ok := m.channels[index]
				if !ok {
					return nil, errors.New("no such channel")
				}
				ch.value = value
			}
			return nil, nil
		},
		"process": func(_ context.Context, m *fakeModule, in []byte) ([]byte, error) {
			p := payload.FromBytes(in)
			start, err := p.ReadI64()
			if err != nil {
				return nil, err
			}
			end, err := p.ReadI64()
			if err != nil {
				return nil, err
			}
			out := payload.New()
			for i := start; i < end; i++ {
				ch, ok := m.channels[i]
				if !ok {
					out.WriteF32(float32(math.NaN()))
					continue
				}
				out.WriteF32(ch.value * ch.scalar)
			}
			return out.Bytes(), nil
		},
	}
}

// flakyProgram fails its init export.
func flakyProgram() map[string]fakeExport {
	return map[string]fakeExport{
		plugin.InitExport: func(context.Context, *fakeModule, []byte) ([]byte, error) {
			return nil, errors.New("guest trapped: unreachable")
		},
	}
}

// relayProgram calls back into host capabilities.
func relayProgram() map[string]fakeExport {
	return map[string]fakeExport{
		"call_host": func(ctx context.Context, m *fakeModule, in []byte) ([]byte, error) {
			p := payload.FromBytes(in)
			name, err := p.ReadString()
			if err != nil {
				return nil, err
			}
			arg, err := p.ReadBytes()
			if err != nil {
				return nil, err
			}
			return m.caps.Invoke(ctx, name, arg)
		},
		"fail": func(context.Context, *fakeModule, []byte) ([]byte, error) {
			return nil, errors.New("guest trapped: divide by zero")
		},
		"echo": func(_ context.Context, _ *fakeModule, in []byte) ([]byte, error) {
			return in, nil
		},
	}
}

// mockModule is a testify mock of plugin.Module.
type mockModule struct {
	mock.Mock
}

func (m *mockModule) Call(ctx context.Context, function string, input []byte) ([]byte, error) {
	args := m.Called(ctx, function, input)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *mockModule) HasExport(function string) bool {
	return m.Called(function).Bool(0)
}

func (m *mockModule) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// mockRuntime hands out a fixed module.
type mockRuntime struct {
	module plugin.Module
}

func (r mockRuntime) Instantiate(context.Context, string, []byte, *plugin.Capabilities) (plugin.Module, error) {
	return r.module, nil
}
