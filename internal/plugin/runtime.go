// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import "context"

// Runtime compiles and instantiates guest modules.
//
// Instantiate receives the context the module's start code runs under; it
// already carries the execution value for the instance being loaded, so
// host capabilities invoked during instantiation resolve correctly. The
// runtime must route guest imports named in caps through caps.Invoke with
// the context of the guest call that triggered them.
type Runtime interface {
	Instantiate(ctx context.Context, name string, wasm []byte, caps *Capabilities) (Module, error)
}

// Module is one instantiated guest. Whether concurrent calls are safe is up
// to the implementation; Instance passes them through unserialized.
type Module interface {
	// Call invokes an exported function with raw input bytes and returns the
	// bytes the guest produced.
	Call(ctx context.Context, function string, input []byte) ([]byte, error)
	// HasExport reports whether the guest exports function.
	HasExport(function string) bool
	// Close releases the guest. It is called exactly once.
	Close(ctx context.Context) error
}
