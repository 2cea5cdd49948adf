// Package logging provides the structured logger used throughout agenthost.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

type taskIDKey struct{}

// WithTaskID returns a context that the Handler will render task-scoped log
// lines for — used by the pipeline to tag every log line for one task with
// its id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// Handler implements slog.Handler with a compact "[time] [LEVEL] [component]
// [taskID] msg attrs..." line format.
type Handler struct {
	w         io.Writer
	opts      slog.HandlerOptions
	component string
	attrs     []slog.Attr
}

// New constructs a Handler writing to w at the named component, at the
// given minimum level.
func New(w io.Writer, component string, level slog.Level) *Handler {
	return &Handler{w: w, component: component, opts: slog.HandlerOptions{Level: level}}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02T15:04:05.000Z07:00"), r.Level)
	if h.component != "" {
		fmt.Fprintf(buf, " [%s]", h.component)
	}
	if ctx != nil {
		if id, ok := ctx.Value(taskIDKey{}).(string); ok && id != "" {
			fmt.Fprintf(buf, " [task:%s]", id)
		}
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})
	buf.WriteByte('\n')

	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteByte(' ')
	buf.WriteString(a.Key)
	buf.WriteByte('=')
	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	return h
}

// ParseLevel maps a config string ("debug"|"info"|"warn"|"error") to a
// slog.Level, defaulting to Info on anything unrecognised.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the default logger for the named component at the given
// level, writing to w.
func Setup(w io.Writer, component string, levelStr string) *slog.Logger {
	l := slog.New(New(w, component, ParseLevel(levelStr)))
	slog.SetDefault(l)
	return l
}
