// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc provides the built-in host capabilities guests may call.
//
// Every capability takes and returns an encoded payload. Failures are
// returned as errors; the guest runtime turns them into guest traps.
package hostfunc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/keg/internal/plugin"
	"github.com/holomush/keg/pkg/payload"
)

// Capability import names and the grants that cover them.
const (
	ReadResource      = "keg_read_resource"
	ReadResourceGrant = "keg.resource.read"
	Log               = "keg_log"
	LogGrant          = "keg.log"
	NewRequestID      = "keg_new_request_id"
	NewRequestIDGrant = "keg.request_id"
)

// CodeInvalidResource is returned when a resource path is unusable.
const CodeInvalidResource = "INVALID_RESOURCE"

// Register installs the built-in capabilities into caps.
func Register(caps *plugin.Capabilities) error {
	for _, c := range []plugin.Capability{
		{Name: ReadResource, Grant: ReadResourceGrant, Fn: readResource},
		{Name: Log, Grant: LogGrant, Fn: logMessage},
		{Name: NewRequestID, Grant: NewRequestIDGrant, Fn: newRequestID},
	} {
		if err := caps.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// readResource returns the contents of a file inside the caller's package.
// Input: text path, slash separated, relative to the package root.
// Output: one byte string.
func readResource(_ context.Context, inst *plugin.Instance, input []byte) ([]byte, error) {
	rel, err := payload.FromBytes(input).ReadString()
	if err != nil {
		return nil, err
	}
	path := filepath.FromSlash(rel)
	if !filepath.IsLocal(path) {
		return nil, oops.Code(CodeInvalidResource).
			With("plugin", inst.Name()).
			With("path", rel).
			Errorf("resource path %q escapes the package", rel)
	}

	root, err := os.OpenRoot(inst.PackageDir())
	if err != nil {
		return nil, oops.Code(CodeInvalidResource).
			With("plugin", inst.Name()).
			Wrapf(err, "open package root")
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(path)
	if err != nil {
		return nil, oops.Code(CodeInvalidResource).
			With("plugin", inst.Name()).
			With("path", rel).
			Wrapf(err, "read resource %q", rel)
	}

	out := payload.New()
	out.WriteBytes(data)
	return out.Bytes(), nil
}

// logMessage writes a guest message through the instance logger.
// Input: i64 slog level, text message.
func logMessage(ctx context.Context, inst *plugin.Instance, input []byte) ([]byte, error) {
	p := payload.FromBytes(input)
	level, err := p.ReadI64()
	if err != nil {
		return nil, err
	}
	msg, err := p.ReadString()
	if err != nil {
		return nil, err
	}
	inst.Logger().Log(ctx, slog.Level(level), msg, "source", "guest")
	return nil, nil
}

// newRequestID returns a fresh ULID as text.
func newRequestID(context.Context, *plugin.Instance, []byte) ([]byte, error) {
	out := payload.New()
	out.WriteString(ulid.Make().String())
	return out.Bytes(), nil
}
