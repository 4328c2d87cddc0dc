// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads keg settings from a YAML file, command-line flags and
// the KEG_PATH environment variable.
//
// Precedence, highest first: flags set on the command line, the config file,
// KEG_PATH, flag defaults.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/keg/internal/xdg"
)

// CodeConfigInvalid is returned for unreadable or invalid configuration.
const CodeConfigInvalid = "CONFIG_INVALID"

// PathEnv lists default package roots separated by os.PathListSeparator.
const PathEnv = "KEG_PATH"

// Config holds resolved settings.
type Config struct {
	Roots          []string `koanf:"root" validate:"min=1,dive,required"`
	CacheDir       string   `koanf:"cache-dir"`
	LogFormat      string   `koanf:"log-format" validate:"oneof=json text"`
	LogLevel       string   `koanf:"log-level" validate:"oneof=debug info warn error"`
	MaxPayloadSize int      `koanf:"max-payload-size" validate:"gte=0"`
	MaxMemoryPages uint32   `koanf:"max-memory-pages"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Roots:     DefaultRoots(),
		CacheDir:  xdg.ArchiveCacheDir(),
		LogFormat: "text",
		LogLevel:  "info",
	}
}

// DefaultRoots returns the roots named by KEG_PATH, or the XDG packages dir.
func DefaultRoots() []string {
	var roots []string
	for _, r := range filepath.SplitList(os.Getenv(PathEnv)) {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	if len(roots) == 0 {
		roots = []string{xdg.PackagesDir()}
	}
	return roots
}

// Load reads path (optional) and overlays flags from fs (may be nil).
// A path that does not exist is an error only when explicit is true.
func Load(path string, explicit bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, oops.Code(CodeConfigInvalid).With("path", path).Wrapf(err, "load config file")
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code(CodeConfigInvalid).Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code(CodeConfigInvalid).With("path", path).Wrapf(err, "decode config")
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return &cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if len(c.Roots) == 0 {
		c.Roots = def.Roots
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return oops.Code(CodeConfigInvalid).Wrapf(err, "invalid config")
	}
	return nil
}
