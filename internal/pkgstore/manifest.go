// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Well-known file names inside a package tree.
const (
	// ManifestFile is the package manifest at the package root.
	ManifestFile = "keg.yaml"
	// PluginMetadataFile is the per-plugin metadata file.
	PluginMetadataFile = "plugin.yaml"
	// ReleaseArtifact is the optimized compiled module.
	ReleaseArtifact = "plugin.wasm"
	// DebugArtifact is the symbol-bearing compiled module.
	DebugArtifact = "plugin.debug.wasm"
	// PluginsDir holds plugins that do not declare a path override.
	PluginsDir = "plugins"
	// ArchiveExt is the extension of packaged kegs.
	ArchiveExt = ".keg"
)

// maxNameLength is the maximum allowed length for package names.
const maxNameLength = 64

// namePattern validates package names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens, not ending with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// PackageManifest represents a keg.yaml file.
type PackageManifest struct {
	Package PackageInfo   `yaml:"package" json:"package"`
	Plugins []PluginEntry `yaml:"plugins" json:"plugins" validate:"dive"`
}

// PackageInfo is the top-level package table.
type PackageInfo struct {
	Name          string `yaml:"name" json:"name" validate:"required,max=64" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$"`
	Version       string `yaml:"version" json:"version" validate:"required"`
	IncludeSource bool   `yaml:"include_source,omitempty" json:"include_source,omitempty"`
}

// PluginEntry declares one plugin inside a package.
type PluginEntry struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Type string `yaml:"type" json:"type" validate:"required"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// PluginMetadata represents a plugin.yaml file.
type PluginMetadata struct {
	Plugin PluginInfo `yaml:"plugin" json:"plugin"`
}

// PluginInfo is the plugin table of a plugin.yaml file.
type PluginInfo struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	// Type overrides the package entry type when set.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	// ConfigSchema is a JSON Schema document path relative to the plugin dir.
	ConfigSchema string `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
	// Capabilities lists glob grants for host capabilities. Nil grants all.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ParsePackageManifest parses and validates keg.yaml contents.
func ParsePackageManifest(data []byte) (*PackageManifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeManifestParseError).Errorf("manifest data is empty")
	}

	var m PackageManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(CodeManifestParseError).Wrapf(err, "invalid YAML")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints that hold at run time. An empty plugin
// list is allowed here; the build tool enforces non-emptiness.
func (m *PackageManifest) Validate() error {
	if err := structValidator().Struct(m); err != nil {
		return oops.Code(CodeManifestParseError).With("package", m.Package.Name).Wrapf(err, "invalid manifest")
	}
	if !namePattern.MatchString(m.Package.Name) || len(m.Package.Name) > maxNameLength {
		return oops.Code(CodeManifestParseError).
			With("package", m.Package.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Package.Name)
	}
	if _, err := semver.StrictNewVersion(m.Package.Version); err != nil {
		return oops.Code(CodeManifestParseError).
			With("package", m.Package.Name).
			Wrapf(err, "version %q is not a semantic version", m.Package.Version)
	}

	seen := make(map[string]bool, len(m.Plugins))
	for _, p := range m.Plugins {
		if seen[p.Name] {
			return oops.Code(CodeManifestParseError).
				With("package", m.Package.Name).
				With("plugin", p.Name).
				Errorf("duplicate plugin name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Path != "" && !filepath.IsLocal(filepath.FromSlash(p.Path)) {
			return oops.Code(CodeManifestParseError).
				With("package", m.Package.Name).
				With("plugin", p.Name).
				Errorf("path %q must be relative to the package root", p.Path)
		}
	}
	return nil
}

// Plugin returns the entry named name.
func (m *PackageManifest) Plugin(name string) (PluginEntry, bool) {
	for _, p := range m.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return PluginEntry{}, false
}

// PluginDir returns the directory of entry inside packageDir: the explicit
// path override if present, otherwise plugins/<name>.
func PluginDir(packageDir string, entry PluginEntry) string {
	if entry.Path != "" {
		return filepath.Join(packageDir, filepath.FromSlash(entry.Path))
	}
	return filepath.Join(packageDir, PluginsDir, entry.Name)
}

// ArchiveName returns the distributable file name for the package.
func (m *PackageManifest) ArchiveName() string {
	return fmt.Sprintf("%s-%s%s", m.Package.Name, m.Package.Version, ArchiveExt)
}

// ParsePluginMetadata parses plugin.yaml contents.
func ParsePluginMetadata(data []byte) (*PluginMetadata, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeManifestParseError).Errorf("plugin metadata is empty")
	}

	var md PluginMetadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, oops.Code(CodeManifestParseError).Wrapf(err, "invalid YAML")
	}
	if err := structValidator().Struct(&md); err != nil {
		return nil, oops.Code(CodeManifestParseError).Wrapf(err, "invalid plugin metadata")
	}
	if md.Plugin.ConfigSchema != "" && !filepath.IsLocal(filepath.FromSlash(md.Plugin.ConfigSchema)) {
		return nil, oops.Code(CodeManifestParseError).
			With("plugin", md.Plugin.Name).
			Errorf("config_schema %q must be relative to the plugin directory", md.Plugin.ConfigSchema)
	}
	for _, c := range md.Plugin.Capabilities {
		if strings.TrimSpace(c) == "" {
			return nil, oops.Code(CodeManifestParseError).
				With("plugin", md.Plugin.Name).
				Errorf("capabilities must not contain empty entries")
		}
	}
	return &md, nil
}

// ReadPackageManifest reads and parses dir/keg.yaml. A missing file is
// reported as a MANIFEST_PARSE_ERROR wrapping fs.ErrNotExist.
func ReadPackageManifest(dir string) (*PackageManifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is rooted at a resolved package directory
	if err != nil {
		return nil, oops.Code(CodeManifestParseError).With("path", path).Wrapf(err, "read package manifest")
	}
	m, err := ParsePackageManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// ReadPluginMetadata reads and parses dir/plugin.yaml.
func ReadPluginMetadata(dir string) (*PluginMetadata, error) {
	path := filepath.Join(dir, PluginMetadataFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is rooted at a resolved plugin directory
	if err != nil {
		return nil, oops.Code(CodeManifestParseError).With("path", path).Wrapf(err, "read plugin metadata")
	}
	md, err := ParsePluginMetadata(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return md, nil
}
