package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogEntry is one line of JSON log output.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// entryHandler writes one LogEntry per record. Attributes bound with
// WithAttrs are rendered once into base and copied into every entry.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	mu        *sync.Mutex

	prefix string
	base   LogEntry
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	entry := h.base
	entry.Level = strings.ToLower(record.Level.String())
	entry.Timestamp = ts.UTC().Format(time.RFC3339Nano)
	entry.Message = record.Message
	entry.Fields = maps.Clone(h.base.Fields)
	record.Attrs(func(attr slog.Attr) bool {
		h.place(&entry, attr)
		return true
	})
	if h.addSource {
		if src := record.Source(); src != nil && src.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line)
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.base.Fields = maps.Clone(h.base.Fields)
	for _, attr := range attrs {
		next.place(&next.base, attr)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// place stores attr on entry. Ungrouped component and channel strings become
// top-level keys; everything else goes under fields.
func (h *entryHandler) place(entry *LogEntry, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if h.prefix == "" && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			entry.Component = attr.Value.String()
			return
		case "channel":
			entry.Channel = attr.Value.String()
			return
		}
	}

	if entry.Fields == nil {
		entry.Fields = make(map[string]any)
	}
	entry.Fields[h.prefix+attr.Key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		out := make(map[string]any)
		for _, item := range value.Group() {
			out[item.Key] = jsonValue(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
	}
	return value.Any()
}
