// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/keg/internal/pkgstore"
)

// ArtifactKind distinguishes the compiled guest variants a plugin may ship.
type ArtifactKind int

// Artifact kinds.
const (
	ArtifactRelease ArtifactKind = iota
	ArtifactDebug
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactRelease:
		return "release"
	case ArtifactDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Artifact is the compiled guest chosen for a load.
type Artifact struct {
	Kind    ArtifactKind
	Path    string
	ModTime time.Time
}

// SelectArtifact picks the guest to run from a plugin directory.
//
// The debug artifact wins when it is the only one present or when it was
// modified strictly after the release artifact; otherwise the release
// artifact is used. Neither present fails with ARTIFACT_MISSING.
func SelectArtifact(dir string) (Artifact, error) {
	release, releaseOK, err := statArtifact(filepath.Join(dir, pkgstore.ReleaseArtifact))
	if err != nil {
		return Artifact{}, err
	}
	debug, debugOK, err := statArtifact(filepath.Join(dir, pkgstore.DebugArtifact))
	if err != nil {
		return Artifact{}, err
	}

	switch {
	case debugOK && (!releaseOK || debug.ModTime.After(release.ModTime)):
		debug.Kind = ArtifactDebug
		return debug, nil
	case releaseOK:
		release.Kind = ArtifactRelease
		return release, nil
	default:
		return Artifact{}, oops.Code(CodeArtifactMissing).
			With("path", dir).
			Errorf("no %s or %s in %s", pkgstore.ReleaseArtifact, pkgstore.DebugArtifact, dir)
	}
}

func statArtifact(path string) (Artifact, bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Artifact{}, false, nil
	case err != nil:
		return Artifact{}, false, oops.Code(CodeArtifactMissing).
			With("path", path).
			Wrapf(err, "stat artifact")
	case info.IsDir():
		return Artifact{}, false, nil
	}
	return Artifact{Path: path, ModTime: info.ModTime()}, true, nil
}
