// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/stretchr/testify/require"

	"github.com/holomush/keg/internal/pkgstore"
)

// testingT is satisfied by *testing.T and GinkgoT().
type testingT interface {
	require.TestingT
	Helper()
	TempDir() string
}

func mkdirAll(t testingT, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t testingT, path, content string) {
	t.Helper()
	mkdirAll(t, filepath.Dir(path))
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
  - name: dimmer
    type: driver
`

// writeLightsPackage lays out the lights package under dir.
func writeLightsPackage(t testingT, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, pkgstore.ManifestFile), lightsManifest)
	writeFile(t, filepath.Join(dir, "plugins", "rainbow", pkgstore.PluginMetadataFile), "plugin:\n  name: rainbow\n")
	writeFile(t, filepath.Join(dir, "plugins", "rainbow", pkgstore.ReleaseArtifact), "\x00asm")
	writeFile(t, filepath.Join(dir, "custom", "strobe", pkgstore.PluginMetadataFile), "plugin:\n  name: strobe\n")
	writeFile(t, filepath.Join(dir, "plugins", "dimmer", pkgstore.PluginMetadataFile), "plugin:\n  name: dimmer\n")
	writeFile(t, filepath.Join(dir, "assets", "palette.bin"), "palette")
}

// listFiles returns every regular file below dir as slash-separated relative paths.
func listFiles(t testingT, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, rerr := filepath.Rel(dir, path)
			if rerr != nil {
				return rerr
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

// writeLightsArchive builds the lights package in a scratch dir and archives
// it to archivePath.
func writeLightsArchive(t testingT, archivePath string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	writeLightsPackage(t, src)

	mkdirAll(t, filepath.Dir(archivePath))
	f, err := os.Create(archivePath) //nolint:gosec // test path
	require.NoError(t, err)
	require.NoError(t, pkgstore.WriteArchive(f, src, listFiles(t, src)))
	require.NoError(t, f.Close())
}
