// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pkgstore resolves package identifiers to directories, materializes
// archived packages into a cache, and answers plugin lookups against package
// manifests.
package pkgstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"

	"github.com/holomush/keg/internal/observability"
)

// Store searches an ordered list of root directories for packages.
//
// Store is safe for concurrent use.
type Store struct {
	roots       []string
	cacheDir    string
	logger      *slog.Logger
	metrics     *observability.Metrics
	extractions singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithCacheDir sets the directory archives are extracted into. When unset,
// archives are extracted into a .keg-cache directory next to the archive.
func WithCacheDir(dir string) Option {
	return func(s *Store) {
		s.cacheDir = dir
	}
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMetrics records extraction metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a store over roots, creating any root that does not exist.
func New(roots []string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, oops.Code(CodePackageNotFound).With("root", root).Wrapf(err, "create package root")
		}
		s.roots = append(s.roots, root)
	}
	if s.cacheDir != "" {
		if err := os.MkdirAll(s.cacheDir, 0o750); err != nil {
			return nil, oops.Code(CodeArchiveError).With("path", s.cacheDir).Wrapf(err, "create cache dir")
		}
	}
	return s, nil
}

// Roots returns the configured search roots in order.
func (s *Store) Roots() []string {
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// EnsurePackage resolves id to a package directory.
//
// Resolution order: id as an existing directory; a subdirectory named id in
// each root; id as an archive file, or an archive named id or id.keg in each
// root. Archives are extracted into their cache directory on first use.
func (s *Store) EnsurePackage(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", oops.Code(CodePackageNotFound).Errorf("package identifier is empty")
	}
	if isDir(id) {
		return id, nil
	}
	for _, root := range s.roots {
		candidate := filepath.Join(root, id)
		if isDir(candidate) {
			return candidate, nil
		}
	}

	for _, candidate := range s.archiveCandidates(id) {
		if !isFile(candidate) {
			continue
		}
		kind := ClassifyArchive(candidate)
		if kind == ArchiveNone {
			return "", oops.Code(CodeArchiveError).
				With("package", id).
				With("path", candidate).
				Errorf("unsupported archive type %q", filepath.Ext(candidate))
		}
		dir, err := s.materialize(ctx, candidate, kind)
		if err != nil {
			return "", oops.With("package", id).Wrap(err)
		}
		return dir, nil
	}

	return "", oops.Code(CodePackageNotFound).
		With("package", id).
		With("roots", strings.Join(s.roots, string(os.PathListSeparator))).
		Errorf("package %q not found", id)
}

func (s *Store) archiveCandidates(id string) []string {
	candidates := []string{id}
	for _, root := range s.roots {
		candidates = append(candidates, filepath.Join(root, id))
		if ClassifyArchive(id) == ArchiveNone {
			candidates = append(candidates, filepath.Join(root, id+ArchiveExt))
		}
	}
	return candidates
}

// ResolvedPlugin is the result of a plugin lookup.
type ResolvedPlugin struct {
	// Package is the package identifier the lookup was made with.
	Package string
	// PackageDir is the resolved package root.
	PackageDir string
	// Dir is the plugin directory.
	Dir string
	// Entry is the manifest entry declaring the plugin.
	Entry PluginEntry
	// Manifest is the parsed package manifest.
	Manifest *PackageManifest
}

// QualifiedName returns package:plugin.
func (r *ResolvedPlugin) QualifiedName() string {
	return r.Package + ":" + r.Entry.Name
}

// SplitQualifiedName splits name on its last colon into package and plugin.
func SplitQualifiedName(name string) (pkg, plugin string, err error) {
	i := strings.LastIndex(name, ":")
	if i <= 0 || i == len(name)-1 {
		return "", "", oops.Code(CodePluginNotFound).
			With("plugin", name).
			Errorf("qualified plugin name %q must have the form package:plugin", name)
	}
	return name[:i], name[i+1:], nil
}

// FindPlugin resolves a package:plugin name to the plugin's directory.
func (s *Store) FindPlugin(ctx context.Context, qualified string) (*ResolvedPlugin, error) {
	pkgID, name, err := SplitQualifiedName(qualified)
	if err != nil {
		return nil, err
	}

	pkgDir, err := s.EnsurePackage(ctx, pkgID)
	if err != nil {
		return nil, err
	}
	m, err := ReadPackageManifest(pkgDir)
	if err != nil {
		return nil, oops.With("package", pkgID).Wrap(err)
	}

	entry, ok := m.Plugin(name)
	if !ok {
		return nil, oops.Code(CodePluginNotFound).
			With("package", pkgID).
			With("plugin", name).
			Errorf("package %q does not declare plugin %q", m.Package.Name, name)
	}

	return &ResolvedPlugin{
		Package:    pkgID,
		PackageDir: pkgDir,
		Dir:        PluginDir(pkgDir, entry),
		Entry:      entry,
		Manifest:   m,
	}, nil
}

// DiscoveredPlugin is a plugin found while enumerating the roots.
type DiscoveredPlugin struct {
	PluginEntry
	// Package is the owning package's name from its manifest.
	Package string
	// PackageDir is the package directory.
	PackageDir string
	// QualifiedName is resolvable with FindPlugin.
	QualifiedName string
}

// PackageError records a package that could not be read during a scan.
type PackageError struct {
	Dir string
	Err error
}

// ListResult separates successful discoveries from unreadable packages so
// callers can tell "nothing found" from "some packages were unreadable".
type ListResult struct {
	Plugins []DiscoveredPlugin
	Errors  []PackageError
}

// ListByType scans every root and returns the plugins whose type equals
// pluginType. Directories without a manifest and hidden directories are not
// packages and are skipped; packages with unreadable manifests are reported in
// Errors without aborting the scan.
func (s *Store) ListByType(_ context.Context, pluginType string) ListResult {
	var res ListResult
	for _, root := range s.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			res.Errors = append(res.Errors, PackageError{Dir: root, Err: err})
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			dir := filepath.Join(root, e.Name())
			m, err := ReadPackageManifest(dir)
			if err != nil {
				if isNotExist(err) {
					s.logger.Debug("skipping directory without package manifest", "dir", dir)
					continue
				}
				s.logger.Warn("skipping package with unreadable manifest", "dir", dir, "error", err)
				res.Errors = append(res.Errors, PackageError{Dir: dir, Err: err})
				continue
			}
			for _, p := range m.Plugins {
				if p.Type != pluginType {
					continue
				}
				res.Plugins = append(res.Plugins, DiscoveredPlugin{
					PluginEntry:   p,
					Package:       m.Package.Name,
					PackageDir:    dir,
					QualifiedName: e.Name() + ":" + p.Name,
				})
			}
		}
	}

	sort.SliceStable(res.Plugins, func(i, j int) bool {
		return res.Plugins[i].QualifiedName < res.Plugins[j].QualifiedName
	})
	return res
}
