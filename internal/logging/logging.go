// Package logging wraps log/slog for the updater. Package-level loggers are
// created with L at init time, before the config is read, and start writing
// through the handler chosen by Init as soon as it runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeyAttemptID  = "attemptId"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
	KeyState      = "state"
	KeyVersion    = "version"
)

// deferredHandler forwards to whatever handler the root currently holds.
// WithAttrs and WithGroup calls are recorded in order and replayed onto the
// live handler, so a logger derived before Init keeps its fields after it.
type deferredHandler struct {
	root  *atomic.Pointer[slog.Handler]
	steps []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	out := *h.root.Load()
	for _, step := range h.steps {
		out = step(out)
	}
	return out
}

func (h *deferredHandler) derive(step func(slog.Handler) slog.Handler) *deferredHandler {
	steps := make([]func(slog.Handler) slog.Handler, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &deferredHandler{root: h.root, steps: append(steps, step)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.root.Load()).Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var (
	level = new(slog.LevelVar)
	root  atomic.Pointer[slog.Handler]
	base  = slog.New(&deferredHandler{root: &root})
)

func init() {
	install(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(base)
}

func install(h slog.Handler) {
	root.Store(&h)
}

// Init selects the output format ("json" or "text"), the minimum level and
// the destination (nil means stdout). It may be called again to redirect
// output; existing loggers follow.
func Init(format, lvl string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	level.Set(parseLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(out, opts))
	} else {
		install(slog.NewTextHandler(out, opts))
	}
}

// SetLevel changes the minimum level in place. Used on config reload.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// L returns a logger tagged with a component name.
func L(component string) *slog.Logger {
	return base.With(slog.String(KeyComponent, component))
}

// WithAttempt tags logger with an update attempt and its target version.
func WithAttempt(logger *slog.Logger, attemptID, version string) *slog.Logger {
	return logger.With(
		slog.String(KeyAttemptID, attemptID),
		slog.String(KeyVersion, version),
	)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(v)); err != nil {
			return slog.LevelInfo
		}
	}
	return l
}
