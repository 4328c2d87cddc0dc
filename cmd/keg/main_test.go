// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/keg/internal/pkgstore"
)

// pingModule exports "boom", which traps, and "ping", which returns 0.
var pingModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x03, 0x02, 0x00, 0x00,
	0x07, 0x0f, 0x02,
	0x04, 'b', 'o', 'o', 'm', 0x00, 0x00,
	0x04, 'p', 'i', 'n', 'g', 0x00, 0x01,
	0x0a, 0x0a, 0x02,
	0x03, 0x00, 0x00, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b,
}

const lightsManifest = `package:
  name: lights
  version: 1.2.0
plugins:
  - name: strobe
    type: effect
`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// writeLights writes the lights package with a prebuilt strobe plugin into dir.
func writeLights(t *testing.T, dir string) string {
	t.Helper()
	writeFile(t, filepath.Join(dir, pkgstore.ManifestFile), []byte(lightsManifest))
	strobe := filepath.Join(dir, pkgstore.PluginsDir, "strobe")
	writeFile(t, filepath.Join(strobe, pkgstore.PluginMetadataFile), []byte("plugin:\n  name: strobe\n"))
	writeFile(t, filepath.Join(strobe, pkgstore.ReleaseArtifact), pingModule)
	return dir
}

// execute runs the CLI with an isolated environment.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	configFile = ""
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Setenv("KEG_PATH", "")

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	stdout, _, err := execute(t, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"build", "list", "resolve", "call"} {
		assert.Contains(t, stdout, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFlag string
	}{
		{
			name:     "config flag",
			args:     []string{"--config", "/path/to/config.yaml", "--help"},
			wantFlag: "/path/to/config.yaml",
		},
		{
			name:     "config flag with equals",
			args:     []string{"--config=/etc/keg.yaml", "--help"},
			wantFlag: "/etc/keg.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlag, configFile)
		})
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	configFile = ""
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestRootCommand_MissingExplicitConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	_, stderr, err := execute(t, "--config", missing, "resolve", "lights:strobe")

	require.ErrorIs(t, err, errReported)
	assert.Contains(t, stderr, "CONFIG_INVALID")
}

func TestRootCommand_ConfigFileRoots(t *testing.T) {
	root := t.TempDir()
	writeLights(t, filepath.Join(root, "lights"))
	cfgPath := filepath.Join(t.TempDir(), "keg.yaml")
	writeFile(t, cfgPath, []byte("root: ["+root+"]\nlog-format: json\n"))

	stdout, _, err := execute(t, "--config", cfgPath, "resolve", "lights:strobe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "lights", "plugins", "strobe"), strings.TrimSpace(stdout))
}
