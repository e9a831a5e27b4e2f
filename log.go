package voltaic

import (
	"context"
	"log/slog"
)

// discardHandler is a slog.Handler that drops every record. Used as the
// default for every component's logger field so that "no logger configured"
// never means a nil-check at every call site and never means the process
// global either.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// nopLogger is the package-wide silent default, never slog.Default().
var nopLogger = slog.New(discardHandler{})
