package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	// FormatJSON renders one JSON object per line.
	FormatJSON = "json"
	// FormatText renders a human readable key=value line.
	FormatText = "text"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewLogger returns a logger for the named format writing to w.
func NewLogger(format string, w io.Writer) (Logger, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return NewJSONLogger(w), nil
	case FormatText:
		return NewTextLogger(w), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// TextLogger writes "ts level component event message key=value..." lines for terminals.
type TextLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewTextLogger builds a TextLogger writing to the provided io.Writer.
func NewTextLogger(w io.Writer) *TextLogger {
	return &TextLogger{w: w, now: time.Now}
}

// Log implements Logger.
func (l *TextLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("text logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	var b strings.Builder
	b.WriteString(ts.Format("2006-01-02T15:04:05"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(string(event.Level)))
	if event.Component != "" {
		b.WriteString(" [")
		b.WriteString(event.Component)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(event.Event)
	if event.Message != "" {
		b.WriteString(": ")
		b.WriteString(event.Message)
	}
	for _, key := range event.FieldNames() {
		fmt.Fprintf(&b, " %s=%v", key, event.Fields[key])
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(l.w, b.String()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

var (
	_ Logger = (*JSONLogger)(nil)
	_ Logger = (*TextLogger)(nil)
	_ Logger = LoggerFunc(nil)
)
