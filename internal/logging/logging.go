// Package logging builds the process *slog.Logger on top of zerolog.
// Components only see slog; zerolog does the encoding.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at level ("debug", "info", "warn" or
// "error"). format "console" writes human-readable lines; anything else
// writes JSON.
func New(level, format string, w io.Writer) *slog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	zl := zerolog.New(w).Level(parseLevel(level))
	return slog.New(NewHandler(zl))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Handler is a slog.Handler that forwards records to a zerolog logger.
// Attributes added with WithAttrs are rendered once into the zerolog
// context.
type Handler struct {
	logger zerolog.Logger
	prefix string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps logger.
func NewHandler(logger zerolog.Logger) *Handler {
	return &Handler{logger: logger}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return zerologLevel(level) >= h.logger.GetLevel()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ev := h.logger.WithLevel(zerologLevel(r.Level))
	if ev == nil {
		return nil
	}
	if !r.Time.IsZero() {
		ev = ev.Time(zerolog.TimestampFieldName, r.Time)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = appendEvent(ev, h.prefix, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ctx := h.logger.With()
	for _, a := range attrs {
		ctx = appendContext(ctx, h.prefix, a)
	}
	return &Handler{logger: ctx.Logger(), prefix: h.prefix}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{logger: h.logger, prefix: h.prefix + name + "."}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	case level >= slog.LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

func appendEvent(ev *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return ev
	}
	key := prefix + a.Key

	switch a.Value.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range a.Value.Group() {
			ev = appendEvent(ev, p, ga)
		}
		return ev
	case slog.KindString:
		return ev.Str(key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		return ev.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		return ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Str(key, a.Value.Duration().String())
	case slog.KindTime:
		return ev.Time(key, a.Value.Time())
	}
	if err, ok := a.Value.Any().(error); ok {
		return ev.AnErr(key, err)
	}
	return ev.Interface(key, a.Value.Any())
}

func appendContext(ctx zerolog.Context, prefix string, a slog.Attr) zerolog.Context {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return ctx
	}
	key := prefix + a.Key

	switch a.Value.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range a.Value.Group() {
			ctx = appendContext(ctx, p, ga)
		}
		return ctx
	case slog.KindString:
		return ctx.Str(key, a.Value.String())
	case slog.KindInt64:
		return ctx.Int64(key, a.Value.Int64())
	case slog.KindBool:
		return ctx.Bool(key, a.Value.Bool())
	}
	if err, ok := a.Value.Any().(error); ok {
		return ctx.AnErr(key, err)
	}
	return ctx.Interface(key, a.Value.Any())
}
