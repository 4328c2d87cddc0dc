// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package logging provides keg's structured logger. Records carry
// OpenTelemetry trace context and the codes of logged errors.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// CodeInvalidLevel is returned for an unparseable log level.
const CodeInvalidLevel = "INVALID_LOG_LEVEL"

// Attribute keys added by the keg handler.
const (
	// ErrorCodeKey holds the code of an oops error logged under any attribute.
	ErrorCodeKey = "error_code"
	// CauseCodeKey holds the guest-side cause code of such an error.
	CauseCodeKey = "cause_code"
)

// kegHandler stamps every record with the service identity and trace
// context, and lifts error codes out of logged errors so failures can be
// matched by code rather than message.
type kegHandler struct {
	handler slog.Handler
	service string
	version string
}

func (h *kegHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(
		slog.String("service", h.service),
		slog.String("version", h.version),
	)

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanCtx.SpanID().String()))
	}

	var codes []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		codes = errorCodes(a)
		return codes == nil
	})
	r.AddAttrs(codes...)

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.handler.Handle(ctx, r)
}

// errorCodes returns the code attributes for a, or nil when a does not hold
// a coded oops error.
func errorCodes(a slog.Attr) []slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return nil
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	code, _ := oopsErr.Code().(string)
	if code == "" {
		return nil
	}
	attrs := []slog.Attr{slog.String(ErrorCodeKey, code)}
	if cause, ok := oopsErr.Context()[CauseCodeKey].(string); ok && cause != "" {
		attrs = append(attrs, slog.String(CauseCodeKey, cause))
	}
	return attrs
}

func (h *kegHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *kegHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &kegHandler{
		handler: h.handler.WithAttrs(attrs),
		service: h.service,
		version: h.version,
	}
}

func (h *kegHandler) WithGroup(name string) slog.Handler {
	return &kegHandler{
		handler: h.handler.WithGroup(name),
		service: h.service,
		version: h.version,
	}
}

// ParseLevel parses a level name as slog does ("debug", "WARN", "info+2").
// The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, oops.Code(CodeInvalidLevel).With("level", s).Wrap(err)
	}
	return level, nil
}

// Setup creates a configured slog.Logger.
// format: "json" or "text" (defaults to "json" if empty)
// If w is nil, writes to os.Stderr.
func Setup(service, version, format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var baseHandler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == "text" {
		baseHandler = slog.NewTextHandler(w, opts)
	} else {
		baseHandler = slog.NewJSONHandler(w, opts)
	}

	handler := &kegHandler{
		handler: baseHandler,
		service: service,
		version: version,
	}

	return slog.New(handler)
}
