// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kegbuild_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/keg/internal/kegbuild"
	"github.com/holomush/keg/internal/pkgstore"
	"github.com/holomush/keg/pkg/errutil"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const lightsManifest = `package:
  name: lights
  version: 1.2.0
plugins:
  - name: rainbow
    type: effect
  - name: strobe
    type: effect
    path: custom/strobe
`

// writeSourceTree lays out a buildable lights package with a crate in the
// rainbow plugin and prebuilt artifacts in strobe.
func writeSourceTree(t *testing.T, manifest string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, pkgstore.ManifestFile), manifest)

	rainbow := filepath.Join(root, "plugins", "rainbow")
	writeFile(t, filepath.Join(rainbow, pkgstore.PluginMetadataFile), "plugin:\n  name: rainbow\n  type: effect\n")
	writeFile(t, filepath.Join(rainbow, "Cargo.toml"), "[package]\nname = \"rainbow-effect\"\n")
	writeFile(t, filepath.Join(rainbow, "src", "lib.rs"), "// guest\n")
	writeFile(t, filepath.Join(rainbow, "tests", "smoke.rs"), "// test\n")
	writeFile(t, filepath.Join(rainbow, "target", "wasm32-wasip1", "release", "rainbow_effect.wasm"), "stale")

	strobe := filepath.Join(root, "custom", "strobe")
	writeFile(t, filepath.Join(strobe, pkgstore.PluginMetadataFile), "plugin:\n  name: strobe\n")
	writeFile(t, filepath.Join(strobe, pkgstore.ReleaseArtifact), "\x00asm strobe")
	writeFile(t, filepath.Join(strobe, pkgstore.DebugArtifact), "\x00asm strobe debug")

	writeFile(t, filepath.Join(root, "assets", "palette.bin"), "palette")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(root, "assets", ".DS_Store"), "junk")
	writeFile(t, filepath.Join(root, "target", "keg", "old.keg"), "old")
	return root
}

// fakeToolchain "compiles" crates by writing a module named after the
// profile into its own scratch directory.
type fakeToolchain struct {
	mu      sync.Mutex
	scratch string
	calls   []string
	fail    map[string]error
}

func (f *fakeToolchain) Detect(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "Cargo.toml"))
	return err == nil
}

func (f *fakeToolchain) Compile(_ context.Context, dir string, profile kegbuild.Profile) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filepath.Base(dir)+"/"+profile.String())
	f.mu.Unlock()
	if err := f.fail[filepath.Base(dir)]; err != nil {
		return "", err
	}
	out := filepath.Join(f.scratch, filepath.Base(dir)+"-"+profile.String()+".wasm")
	if err := os.WriteFile(out, []byte("\x00asm "+profile.String()), 0o600); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeToolchain) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newBuilder(t *testing.T, opts ...kegbuild.Option) (*kegbuild.Builder, *fakeToolchain) {
	t.Helper()
	tc := &fakeToolchain{scratch: t.TempDir()}
	return kegbuild.New(append([]kegbuild.Option{kegbuild.WithToolchain(tc)}, opts...)...), tc
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestBuild(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	b, tc := newBuilder(t)

	out, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "target", "keg", "lights-1.2.0.keg"), out)

	assert.Equal(t, []string{"rainbow/release", "rainbow/debug"}, tc.invocations())

	release, err := os.ReadFile(filepath.Join(root, "plugins", "rainbow", pkgstore.ReleaseArtifact))
	require.NoError(t, err)
	assert.Equal(t, "\x00asm release", string(release))
	debug, err := os.ReadFile(filepath.Join(root, "plugins", "rainbow", pkgstore.DebugArtifact))
	require.NoError(t, err)
	assert.Equal(t, "\x00asm debug", string(debug))

	assert.Equal(t, []string{
		"assets/palette.bin",
		"custom/strobe/plugin.wasm",
		"custom/strobe/plugin.yaml",
		"keg.yaml",
		"plugins/rainbow/Cargo.toml",
		"plugins/rainbow/plugin.wasm",
		"plugins/rainbow/plugin.yaml",
	}, archiveEntries(t, out))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "no temporary files are left behind")
	}
}

func TestBuild_IncludeSource(t *testing.T) {
	root := writeSourceTree(t, "package:\n  name: lights\n  version: 1.2.0\n  include_source: true\n"+
		"plugins:\n  - name: rainbow\n    type: effect\n  - name: strobe\n    type: effect\n    path: custom/strobe\n")
	b, _ := newBuilder(t)

	out, err := b.Build(context.Background(), root)
	require.NoError(t, err)

	entries := archiveEntries(t, out)
	assert.Contains(t, entries, "plugins/rainbow/src/lib.rs")
	assert.Contains(t, entries, "plugins/rainbow/tests/smoke.rs")
	assert.NotContains(t, entries, "plugins/rainbow/plugin.debug.wasm")
	assert.NotContains(t, entries, "plugins/rainbow/target/wasm32-wasip1/release/rainbow_effect.wasm")
}

func TestBuild_ArchiveIsLoadable(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	outDir := t.TempDir()
	b, _ := newBuilder(t, kegbuild.WithOutputDir(outDir))

	out, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, outDir, filepath.Dir(out))

	store, err := pkgstore.New([]string{outDir}, pkgstore.WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	resolved, err := store.FindPlugin(context.Background(), "lights-1.2.0:strobe")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(resolved.Dir, pkgstore.ReleaseArtifact))
	require.NoError(t, err)
	assert.Equal(t, "\x00asm strobe", string(data))
}

func TestValidate_MissingMetadata(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	require.NoError(t, os.Remove(filepath.Join(root, "plugins", "rainbow", pkgstore.PluginMetadataFile)))
	b, tc := newBuilder(t)

	_, err := b.Build(context.Background(), root)
	errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
	errutil.AssertErrorContext(t, err, "plugin", "rainbow")
	assert.Contains(t, err.Error(), "rainbow")

	assert.Empty(t, tc.invocations(), "validation fails before any compilation")
	assert.NoFileExists(t, filepath.Join(root, "plugins", "rainbow", pkgstore.ReleaseArtifact))
	assert.NoFileExists(t, filepath.Join(root, "plugins", "rainbow", pkgstore.DebugArtifact))
	assert.NoFileExists(t, filepath.Join(root, "target", "keg", "lights-1.2.0.keg"))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		mutate   func(t *testing.T, root string)
		plugin   string
		contains string
	}{
		{
			name:     "no plugins",
			manifest: "package:\n  name: lights\n  version: 1.2.0\nplugins: []\n",
			contains: "declares no plugins",
		},
		{
			name:     "unknown manifest key",
			manifest: "package:\n  name: lights\n  version: 1.2.0\n  colour: red\nplugins:\n  - name: rainbow\n    type: effect\n",
			contains: pkgstore.ManifestFile,
		},
		{
			name:     "bad version",
			manifest: "package:\n  name: lights\n  version: latest\nplugins:\n  - name: rainbow\n    type: effect\n",
			contains: "semantic version",
		},
		{
			name:     "missing plugin directory",
			manifest: lightsManifest + "  - name: laser\n    type: effect\n",
			plugin:   "laser",
			contains: "not found",
		},
		{
			name:     "name mismatch",
			manifest: lightsManifest,
			mutate: func(t *testing.T, root string) {
				writeFile(t, filepath.Join(root, "custom", "strobe", pkgstore.PluginMetadataFile), "plugin:\n  name: flash\n")
			},
			plugin:   "strobe",
			contains: `declares name "flash"`,
		},
		{
			name:     "type mismatch",
			manifest: lightsManifest,
			mutate: func(t *testing.T, root string) {
				writeFile(t, filepath.Join(root, "custom", "strobe", pkgstore.PluginMetadataFile), "plugin:\n  name: strobe\n  type: driver\n")
			},
			plugin:   "strobe",
			contains: `declares type "driver"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeSourceTree(t, tt.manifest)
			if tt.mutate != nil {
				tt.mutate(t, root)
			}
			b, tc := newBuilder(t)

			_, err := b.Validate(root)
			errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
			assert.Contains(t, err.Error(), tt.contains)
			if tt.plugin != "" {
				errutil.AssertErrorContext(t, err, "plugin", tt.plugin)
			}
			assert.Empty(t, tc.invocations())
		})
	}
}

func TestValidate_MissingManifest(t *testing.T) {
	b, _ := newBuilder(t)
	_, err := b.Validate(t.TempDir())
	errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
}

func TestBuild_CompileFailure(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	tc := &fakeToolchain{scratch: t.TempDir(), fail: map[string]error{"rainbow": errors.New("error[E0425]: cannot find value")}}
	b := kegbuild.New(kegbuild.WithToolchain(tc))

	_, err := b.Build(context.Background(), root)
	errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
	errutil.AssertErrorContext(t, err, "plugin", "rainbow")
	assert.Contains(t, err.Error(), "E0425")
	assert.NoFileExists(t, filepath.Join(root, "target", "keg", "lights-1.2.0.keg"))
}

func TestBuild_SkipCompile(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	b, tc := newBuilder(t, kegbuild.WithSkipCompile(true))

	out, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, tc.invocations())
	assert.NotContains(t, archiveEntries(t, out), "plugins/rainbow/plugin.wasm")
}

func TestBuild_OutputDirUnusable(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "not a directory")
	b, _ := newBuilder(t, kegbuild.WithOutputDir(filepath.Join(blocker, "out")))

	_, err := b.Build(context.Background(), root)
	errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
}

func TestBuild_Rebuild(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	b, _ := newBuilder(t)

	first, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, archiveEntries(t, first), archiveEntries(t, second))
}

func TestCargoToolchain_NotFound(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	b := kegbuild.New(kegbuild.WithToolchain(kegbuild.CargoToolchain{Command: "keg-test-no-such-cargo"}))

	_, err := b.Build(context.Background(), root)
	errutil.AssertErrorCode(t, err, kegbuild.CodeBuildError)
	errutil.AssertErrorContext(t, err, "plugin", "rainbow")
	assert.Contains(t, err.Error(), kegbuild.ErrToolchainNotFound.Error())
}

func TestCargoToolchain_Detect(t *testing.T) {
	root := writeSourceTree(t, lightsManifest)
	tc := kegbuild.CargoToolchain{}
	assert.True(t, tc.Detect(filepath.Join(root, "plugins", "rainbow")))
	assert.False(t, tc.Detect(filepath.Join(root, "custom", "strobe")))
}
