// Package logger implements a non-blocking, batched telemetry logger.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the proxy hot path. If
// the channel fills up (> 10 000 entries), new events are dropped and counted
// in DroppedLogs. Each batch goes to every configured Writer.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// Kind tells request events from translation events.
type Kind string

const (
	KindRequest     Kind = "request"
	KindTranslation Kind = "translation"
)

// Event is one telemetry record.
type Event struct {
	ID             uuid.UUID
	Kind           Kind
	RequestID      string
	Provider       string
	AccountID      string
	RequestedModel string
	Model          string
	Combo          string
	SourceFormat   string
	TargetFormat   string
	InputTokens    uint32
	OutputTokens   uint32
	CostUSD        float64
	LatencyMs      uint32
	Status         uint16
	Attempts       uint8
	Cached         bool
	Stream         bool
	Error          string
	CreatedAt      time.Time
}

// Writer persists a batch of events.
type Writer interface {
	Write(ctx context.Context, batch []Event) error
}

type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	failedFlush int64

	writers []Writer
	baseCtx context.Context
	log     *slog.Logger
}

// New starts a logger. Events are always written to slogger; extra writers
// (such as ClickHouse) receive the same batches.
func New(ctx context.Context, slogger *slog.Logger, writers ...Writer) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	l.writers = append([]Writer{SlogWriter{Logger: slogger}}, writers...)

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Kind == "" {
		e.Kind = KindRequest
	}
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// RecordTranslation implements translator.Sink.
func (l *Logger) RecordTranslation(ev translator.Event) {
	e := Event{
		Kind:           KindTranslation,
		RequestID:      ev.RequestID,
		Provider:       ev.Provider,
		RequestedModel: ev.RequestedModel,
		Model:          ev.ResolvedModel,
		SourceFormat:   string(ev.Source),
		TargetFormat:   string(ev.Target),
		LatencyMs:      uint32(ev.Latency.Milliseconds()),
		Status:         200,
		Error:          ev.Error,
	}
	if ev.Status != "ok" {
		e.Status = 400
	}
	l.Log(e)
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// FailedFlushes counts batches a writer rejected.
func (l *Logger) FailedFlushes() int64 {
	return atomic.LoadInt64(&l.failedFlush)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		for _, w := range l.writers {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), writeTimeout)
			if err := w.Write(ctx, batch); err != nil {
				atomic.AddInt64(&l.failedFlush, 1)
				l.log.Warn("telemetry_flush_failed",
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogWriter writes events as structured log lines.
type SlogWriter struct {
	Logger *slog.Logger
}

func (w SlogWriter) Write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		attrs := []slog.Attr{
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("requested_model", e.RequestedModel),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Time("created_at", e.CreatedAt),
		}
		switch e.Kind {
		case KindTranslation:
			attrs = append(attrs,
				slog.String("source_format", e.SourceFormat),
				slog.String("target_format", e.TargetFormat),
			)
		default:
			attrs = append(attrs,
				slog.String("account_id", e.AccountID),
				slog.String("combo", e.Combo),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Float64("cost_usd", e.CostUSD),
				slog.Uint64("attempts", uint64(e.Attempts)),
				slog.Bool("cached", e.Cached),
				slog.Bool("stream", e.Stream),
			)
		}
		if e.Error != "" {
			attrs = append(attrs, slog.String("error", e.Error))
		}
		w.Logger.LogAttrs(ctx, slog.LevelInfo, string(e.Kind), attrs...)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
