package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/routegate/internal/translator"
)

type captureWriter struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (w *captureWriter) Write(_ context.Context, batch []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, batch...)
	return w.err
}

func (w *captureWriter) all() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestLogger_FlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	w := &captureWriter{}
	l, err := New(context.Background(), quietLogger(&buf), w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Log(Event{RequestID: "r1", Provider: "openai", Model: "gpt-4o", Status: 200, InputTokens: 3})
	l.Log(Event{RequestID: "r2", Provider: "anthropic", Status: 502, Error: "boom"})
	_ = l.Close()

	got := w.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for _, e := range got {
		if e.Kind != KindRequest {
			t.Errorf("expected default kind request, got %q", e.Kind)
		}
		if e.CreatedAt.IsZero() || e.ID.String() == "" {
			t.Errorf("expected id and timestamp to be filled: %+v", e)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 slog lines, got %d: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("bad log line: %v", err)
	}
	if rec["msg"] != "request" || rec["error"] != "boom" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestLogger_RecordTranslation(t *testing.T) {
	var buf bytes.Buffer
	w := &captureWriter{}
	l, _ := New(context.Background(), quietLogger(&buf), w)

	var sink translator.Sink = l
	sink.RecordTranslation(translator.Event{
		RequestID:     "r1",
		Source:        translator.Claude,
		Target:        translator.OpenAI,
		ResolvedModel: "gpt-4o",
		Status:        "error",
		Error:         "bad body",
		Latency:       3 * time.Millisecond,
	})
	_ = l.Close()

	got := w.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.Kind != KindTranslation || e.SourceFormat != "claude" || e.TargetFormat != "openai" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Status != 400 || e.LatencyMs != 3 {
		t.Errorf("unexpected status/latency %+v", e)
	}
}

func TestLogger_WriterFailureIsCounted(t *testing.T) {
	var buf bytes.Buffer
	w := &captureWriter{err: errors.New("down")}
	l, _ := New(context.Background(), quietLogger(&buf), w)

	l.Log(Event{RequestID: "r1"})
	_ = l.Close()

	if l.FailedFlushes() != 1 {
		t.Errorf("expected 1 failed flush, got %d", l.FailedFlushes())
	}
	if !strings.Contains(buf.String(), "telemetry_flush_failed") {
		t.Errorf("expected failure to be logged, got %s", buf.String())
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	l := &Logger{ch: make(chan Event, 1)}
	l.Log(Event{})
	l.Log(Event{})
	l.Log(Event{})
	if l.DroppedLogs() != 2 {
		t.Errorf("expected 2 dropped, got %d", l.DroppedLogs())
	}
}

func TestNew_NilContext(t *testing.T) {
	//lint:ignore SA1012 nil context is the case under test
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
