// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package kegbuild

import (
	"fmt"

	"github.com/samber/oops"
)

// CodeBuildError is the code of every failure reported by the builder.
const CodeBuildError = "BUILD_ERROR"

// buildError reports a failure attributed to plugin (may be empty). A cause
// is flattened into the message so the reported code stays BUILD_ERROR even
// when the cause carries its own.
func buildError(plugin string, cause error, format string, args ...any) error {
	b := oops.Code(CodeBuildError)
	if plugin != "" {
		b = b.With("plugin", plugin)
	}
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return b.Errorf("%s", msg)
}
