// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kegbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profile selects the optimization level of a compiled guest.
type Profile int

// Build profiles.
const (
	ProfileRelease Profile = iota
	ProfileDebug
)

func (p Profile) String() string {
	if p == ProfileDebug {
		return "debug"
	}
	return "release"
}

// Toolchain compiles guest sources found in a plugin directory.
type Toolchain interface {
	// Detect reports whether dir holds sources this toolchain builds.
	Detect(dir string) bool
	// Compile builds the sources in dir and returns the produced module path.
	Compile(ctx context.Context, dir string, profile Profile) (string, error)
}

// ErrToolchainNotFound is returned when the toolchain binary is not on PATH.
var ErrToolchainNotFound = errors.New("toolchain not found")

// DefaultCargoTarget is the Rust target guests are built for.
const DefaultCargoTarget = "wasm32-wasip1"

// CargoToolchain builds Rust crates with cargo.
type CargoToolchain struct {
	// Command is the cargo binary. Defaults to "cargo".
	Command string
	// Target is the rustc target triple. Defaults to DefaultCargoTarget.
	Target string
	// Output receives the toolchain's combined output. Nil discards it; it is
	// still included in error messages.
	Output io.Writer
}

const cargoManifest = "Cargo.toml"

type cargoFile struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Lib struct {
		Name string `toml:"name"`
	} `toml:"lib"`
}

// Detect reports whether dir contains a Cargo.toml.
func (c CargoToolchain) Detect(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, cargoManifest))
	return err == nil && info.Mode().IsRegular()
}

// Compile runs cargo build for one profile and returns the path of the
// produced .wasm file.
func (c CargoToolchain) Compile(ctx context.Context, dir string, profile Profile) (string, error) {
	command := c.Command
	if command == "" {
		command = "cargo"
	}
	target := c.Target
	if target == "" {
		target = DefaultCargoTarget
	}

	bin, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolchainNotFound, command)
	}

	crate, err := crateName(filepath.Join(dir, cargoManifest))
	if err != nil {
		return "", err
	}

	args := []string{"build", "--target", target, "--manifest-path", filepath.Join(dir, cargoManifest)}
	if profile == ProfileRelease {
		args = append(args, "--release")
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // toolchain binary and arguments are operator-controlled
	cmd.Dir = dir
	if c.Output != nil {
		cmd.Stdout = io.MultiWriter(&output, c.Output)
	} else {
		cmd.Stdout = &output
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cargo build (%s) failed: %w: %s", profile, err, lastLine(output.String()))
	}

	targetDir := os.Getenv("CARGO_TARGET_DIR")
	if targetDir == "" {
		targetDir = filepath.Join(dir, "target")
	}
	artifact := filepath.Join(targetDir, target, profile.String(), crate+".wasm")
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("cargo build (%s) produced no module: %w", profile, err)
	}
	return artifact, nil
}

// crateName returns the library file stem cargo uses for the crate.
func crateName(manifest string) (string, error) {
	var f cargoFile
	if _, err := toml.DecodeFile(manifest, &f); err != nil {
		return "", fmt.Errorf("read %s: %w", manifest, err)
	}
	name := f.Lib.Name
	if name == "" {
		name = f.Package.Name
	}
	if name == "" {
		return "", fmt.Errorf("%s declares no package name", manifest)
	}
	return strings.ReplaceAll(name, "-", "_"), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
