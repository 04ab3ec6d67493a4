package logbuf

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute whose value becomes Entry.Component.
// Subsystems tag their loggers with slog.String(ComponentKey, name).
const ComponentKey = "component"

// Handler is an slog.Handler that captures entries into a Buffer and
// delegates to an inner handler.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(_ context.Context, _ slog.Level) bool {
	// Capture all levels; the inner handler applies its own filter.
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var component string
	attrs := make(map[string]any)

	add := func(a slog.Attr) {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			if s, ok := resolveAttrValue(a.Value).(string); ok {
				component = s
				return
			}
		}
		key := a.Key
		for _, g := range h.groups {
			key = g + "." + key
		}
		attrs[key] = resolveAttrValue(a.Value)
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	var attrsMap map[string]any
	if len(attrs) > 0 {
		attrsMap = attrs
	}

	h.buf.Write(Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Component: component,
		Message:   r.Message,
		Attrs:     attrsMap,
	})

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// resolveAttrValue converts slog values to JSON-safe types. Errors are
// flattened to strings so they don't serialize to {}.
func resolveAttrValue(v slog.Value) any {
	v = v.Resolve()
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}
