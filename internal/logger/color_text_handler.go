package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const ansiReset = "\033[0m"

// levelColor picks the ANSI color for a level; custom levels take the color
// of the nearest standard level below them.
func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

// ColorTextHandler writes a colored level tag followed by the record as
// formatted by slog.TextHandler, minus its level attribute. Handlers derived
// with WithAttrs or WithGroup share the writer and its lock.
type ColorTextHandler struct {
	out      io.Writer
	mu       *sync.Mutex
	buf      *bytes.Buffer
	next     slog.Handler
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}

	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		out:      w,
		mu:       &sync.Mutex{},
		buf:      buf,
		next:     slog.NewTextHandler(buf, &o),
		showTime: showTime,
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.showTime {
		r.Time = time.Time{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}
	_, err := fmt.Fprintf(h.out, "%s%s%s  %s", levelColor(r.Level), r.Level, ansiReset, h.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}
