package texgraph

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/texgraph/compute"
	"github.com/gogpu/texgraph/gpu"
	"github.com/gogpu/texgraph/graph"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for texgraph and all its sub-packages.
// By default, texgraph produces no log output. Pass nil to restore the
// default silent behavior.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
//
// Log levels used by texgraph:
//   - [slog.LevelDebug]: per-instruction tracing (skips, copies, dispatches)
//   - [slog.LevelInfo]: lifecycle events (shader library built, cleanup runs)
//   - [slog.LevelWarn]: non-fatal issues (export encoding failures)
//
// Example:
//
//	texgraph.SetLogger(slog.Default())
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	// Propagate to sub-packages so the whole module shares one
	// configuration without import cycles.
	compute.SetLogger(l)
	gpu.SetLogger(l)
	graph.SetLogger(l)
}

// Logger returns the current logger used by the texgraph root package.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
