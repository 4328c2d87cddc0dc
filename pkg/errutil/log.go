// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil provides helpers for reporting oops errors.
package errutil

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/oops"
)

// LogError logs err at error level. For oops errors the code and context
// are emitted as separate attributes.
func LogError(logger *slog.Logger, msg string, err error) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Error(msg, "error", err)
		return
	}

	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil && code != "" {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	logger.Error(msg, attrs...)
}

// Summary renders err as a single diagnostic line. Oops errors are prefixed
// with their code and followed by their context in key order, so identical
// failures always print identically.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return oneLine(err.Error())
	}

	var b strings.Builder
	if code := oopsErr.Code(); code != nil && code != "" {
		fmt.Fprintf(&b, "%v: ", code)
	}
	b.WriteString(oneLine(oopsErr.Error()))

	ctx := oopsErr.Context()
	if len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, ctx[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
