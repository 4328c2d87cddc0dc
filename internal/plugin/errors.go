// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"fmt"

	"github.com/samber/oops"

	"github.com/holomush/keg/internal/logging"
)

// Error codes attached with oops.Code by the loader, instances and the
// capability table.
const (
	CodePluginTypeMismatch          = "PLUGIN_TYPE_MISMATCH"
	CodeArtifactMissing             = "ARTIFACT_MISSING"
	CodeInitializationError         = "INITIALIZATION_ERROR"
	CodeExecutionError              = "EXECUTION_ERROR"
	CodeHostFunctionContextMismatch = "HOST_FUNCTION_CONTEXT_MISMATCH"
	CodeInstanceNotFound            = "INSTANCE_NOT_FOUND"
	CodeCapabilityDenied            = "CAPABILITY_DENIED"
	CodeStoreNotActive              = "STORE_NOT_ACTIVE"
	CodeConfigInvalid               = "CONFIG_INVALID"
)

// InitExport is the optional guest export called once after instantiation.
const InitExport = "init"

// CauseCodeKey is the error context key holding the code of a guest-side
// failure that was folded into a loader-boundary error.
const CauseCodeKey = logging.CauseCodeKey

// guestError reports a failure from inside the guest under code. cause is
// folded into the message rather than wrapped, so a code raised deeper down
// (by a host capability the guest called) cannot replace code; it is kept
// under CauseCodeKey instead.
func guestError(b oops.OopsErrorBuilder, cause error, format string, args ...any) error {
	if inner, ok := oops.AsOops(cause); ok {
		if c := inner.Code(); c != nil && c != "" {
			b = b.With(CauseCodeKey, c)
		}
	}
	return b.Errorf("%s: %s", fmt.Sprintf(format, args...), cause)
}
