// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package kegbuild validates, compiles and archives a package source tree
// into a .keg archive.
//
// Build runs three phases in order and stops at the first failure:
// validation, compilation, archival. Archival writes to a temporary file
// that is renamed into place only when complete, so a failed build never
// leaves a partial archive behind.
package kegbuild

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/holomush/keg/internal/pkgstore"
)

// OutputDir is where archives go, relative to the package root, unless
// WithOutputDir is given.
var OutputDir = filepath.Join("target", "keg")

// Builder runs the build phases for package trees.
type Builder struct {
	toolchain   Toolchain
	logger      *slog.Logger
	outputDir   string
	skipCompile bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithToolchain sets the compiler driver. Defaults to CargoToolchain.
func WithToolchain(t Toolchain) Option {
	return func(b *Builder) { b.toolchain = t }
}

// WithLogger sets the build logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithOutputDir writes archives to dir instead of <root>/target/keg.
func WithOutputDir(dir string) Option {
	return func(b *Builder) { b.outputDir = dir }
}

// WithSkipCompile archives whatever artifacts are already present.
func WithSkipCompile(skip bool) Option {
	return func(b *Builder) { b.skipCompile = skip }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		toolchain: CargoToolchain{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates, compiles and archives the package at root and returns the
// archive path.
func (b *Builder) Build(ctx context.Context, root string) (string, error) {
	start := time.Now()
	m, err := b.Validate(root)
	if err != nil {
		return "", err
	}
	if err := b.Compile(ctx, root, m); err != nil {
		return "", err
	}
	out, err := b.Archive(root, m)
	if err != nil {
		return "", err
	}
	b.logger.Info("package built",
		"package", m.Package.Name,
		"version", m.Package.Version,
		"archive", out,
		"duration", time.Since(start))
	return out, nil
}

// Validate checks the package manifest and every plugin's metadata. It
// touches nothing on disk.
func (b *Builder) Validate(root string) (*pkgstore.PackageManifest, error) {
	path := filepath.Join(root, pkgstore.ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // root is the package being built
	if err != nil {
		return nil, buildError("", err, "read %s", pkgstore.ManifestFile)
	}
	if err := pkgstore.ValidateSchema(pkgstore.SchemaPackage, data); err != nil {
		return nil, buildError("", nil, "%s: %s", pkgstore.ManifestFile, pkgstore.FormatSchemaError(err))
	}
	m, err := pkgstore.ParsePackageManifest(data)
	if err != nil {
		return nil, buildError("", err, "%s", pkgstore.ManifestFile)
	}
	if len(m.Plugins) == 0 {
		return nil, buildError("", nil, "package %s declares no plugins", m.Package.Name)
	}

	for _, entry := range m.Plugins {
		if err := validatePlugin(root, entry); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func validatePlugin(root string, entry pkgstore.PluginEntry) error {
	dir := pkgstore.PluginDir(root, entry)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return buildError(entry.Name, nil, "plugin %q: directory %s not found", entry.Name, dir)
	}

	mdPath := filepath.Join(dir, pkgstore.PluginMetadataFile)
	data, err := os.ReadFile(mdPath) //nolint:gosec // path is inside the package being built
	if errors.Is(err, fs.ErrNotExist) {
		return buildError(entry.Name, nil, "plugin %q: missing %s", entry.Name, pkgstore.PluginMetadataFile)
	}
	if err != nil {
		return buildError(entry.Name, err, "plugin %q: read %s", entry.Name, pkgstore.PluginMetadataFile)
	}
	if err := pkgstore.ValidateSchema(pkgstore.SchemaPlugin, data); err != nil {
		return buildError(entry.Name, nil, "plugin %q: %s: %s", entry.Name, pkgstore.PluginMetadataFile, pkgstore.FormatSchemaError(err))
	}
	md, err := pkgstore.ParsePluginMetadata(data)
	if err != nil {
		return buildError(entry.Name, err, "plugin %q", entry.Name)
	}
	if md.Plugin.Name != entry.Name {
		return buildError(entry.Name, nil, "plugin %q: %s declares name %q", entry.Name, pkgstore.PluginMetadataFile, md.Plugin.Name)
	}
	if md.Plugin.Type != "" && md.Plugin.Type != entry.Type {
		return buildError(entry.Name, nil, "plugin %q: %s declares type %q, manifest says %q",
			entry.Name, pkgstore.PluginMetadataFile, md.Plugin.Type, entry.Type)
	}
	return nil
}

// Compile builds release and debug modules for every plugin whose directory
// holds toolchain sources and copies them next to the plugin metadata.
func (b *Builder) Compile(ctx context.Context, root string, m *pkgstore.PackageManifest) error {
	if b.skipCompile {
		b.logger.Debug("compilation skipped", "package", m.Package.Name)
		return nil
	}
	for _, entry := range m.Plugins {
		dir := pkgstore.PluginDir(root, entry)
		if !b.toolchain.Detect(dir) {
			b.logger.Debug("no sources to compile", "plugin", entry.Name)
			continue
		}
		for _, step := range []struct {
			profile Profile
			file    string
		}{
			{ProfileRelease, pkgstore.ReleaseArtifact},
			{ProfileDebug, pkgstore.DebugArtifact},
		} {
			b.logger.Info("compiling plugin", "plugin", entry.Name, "profile", step.profile.String())
			built, err := b.toolchain.Compile(ctx, dir, step.profile)
			if err != nil {
				return buildError(entry.Name, err, "plugin %q: compile %s", entry.Name, step.profile)
			}
			if err := copyFile(built, filepath.Join(dir, step.file)); err != nil {
				return buildError(entry.Name, err, "plugin %q: install %s", entry.Name, step.file)
			}
		}
	}
	return nil
}

// Archive writes the distributable archive and returns its path.
func (b *Builder) Archive(root string, m *pkgstore.PackageManifest) (string, error) {
	files, err := collectFiles(root, m)
	if err != nil {
		return "", buildError("", err, "collect files")
	}

	outDir := b.outputDir
	if outDir == "" {
		outDir = filepath.Join(root, OutputDir)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", buildError("", err, "create output directory")
	}
	final := filepath.Join(outDir, m.ArchiveName())

	tmp, err := os.CreateTemp(outDir, ".keg-*.tmp")
	if err != nil {
		return "", buildError("", err, "create archive")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := pkgstore.WriteArchive(tmp, root, files); err != nil {
		return "", buildError("", err, "write archive")
	}
	if err := tmp.Close(); err != nil {
		return "", buildError("", err, "write archive")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", buildError("", err, "install archive")
	}
	committed = true

	b.logger.Debug("archive written", "archive", final, "files", len(files))
	return final, nil
}

// exclusions matches package-relative slash paths that never ship.
type exclusions []glob.Glob

func newExclusions(m *pkgstore.PackageManifest) exclusions {
	patterns := []string{
		"target/**",
		"**/target/**",
		".*",
		".*/**",
		"**/.*",
		"**/.*/**",
		"**/" + pkgstore.DebugArtifact,
	}
	if !m.Package.IncludeSource {
		for _, entry := range m.Plugins {
			rel := pluginRel(entry)
			patterns = append(patterns,
				glob.QuoteMeta(rel)+"/src/**",
				glob.QuoteMeta(rel)+"/tests/**")
		}
	}

	ex := make(exclusions, 0, len(patterns))
	for _, p := range patterns {
		ex = append(ex, glob.MustCompile(p, '/'))
	}
	return ex
}

func (ex exclusions) match(rel string) bool {
	for _, g := range ex {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func pluginRel(entry pkgstore.PluginEntry) string {
	if entry.Path != "" {
		return filepath.ToSlash(filepath.Clean(filepath.FromSlash(entry.Path)))
	}
	return pkgstore.PluginsDir + "/" + entry.Name
}

// collectFiles walks root and returns the sorted slash paths to archive.
func collectFiles(root string, m *pkgstore.PackageManifest) ([]string, error) {
	ex := newExclusions(m)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if ex.match(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !ex.match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // src is a toolchain output path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*.tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
