package translator

import (
	"fmt"
	"time"
)

// Event describes one translation performed on behalf of a request.
type Event struct {
	RequestID      string
	Provider       string
	RequestedModel string
	ResolvedModel  string
	Source         Format
	Target         Format
	Status         string // "ok" or "error"
	Error          string
	Latency        time.Duration
}

// Sink receives translation events. Implementations must not block.
type Sink interface {
	RecordTranslation(Event)
}

// Service wraps the pure translation functions and reports every
// translation to a telemetry sink.
type Service struct {
	sink Sink
}

// NewService returns a Service. A nil sink discards events.
func NewService(sink Sink) *Service {
	return &Service{sink: sink}
}

// Meta identifies the request being translated.
type Meta struct {
	RequestID      string
	Provider       string
	RequestedModel string
}

// Parse detects the format of body (unless hint pins it) and decodes it.
func (s *Service) Parse(meta Meta, body []byte, hint Format) (*Envelope, error) {
	start := time.Now()
	f := DetectWithHint(body, hint)
	env, err := ToCanonical(body, f)
	if err != nil {
		s.emit(meta, "", f, "", err, time.Since(start))
		return nil, err
	}
	return env, nil
}

// Encode renders env for an upstream speaking target.
func (s *Service) Encode(meta Meta, env *Envelope, target Format) ([]byte, error) {
	start := time.Now()
	body, err := FromCanonical(env, target)
	s.emit(meta, env.Model, env.Source, target, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("translator: encode %s request: %w", target, err)
	}
	return body, nil
}

// Observe records a translation performed elsewhere, such as by a provider
// SDK adapter or the binary wire codec.
func (s *Service) Observe(meta Meta, resolved string, source, target Format, err error, latency time.Duration) {
	s.emit(meta, resolved, source, target, err, latency)
}

func (s *Service) emit(meta Meta, resolved string, source, target Format, err error, latency time.Duration) {
	if s == nil || s.sink == nil {
		return
	}
	ev := Event{
		RequestID:      meta.RequestID,
		Provider:       meta.Provider,
		RequestedModel: meta.RequestedModel,
		ResolvedModel:  resolved,
		Source:         source,
		Target:         target,
		Status:         "ok",
		Latency:        latency,
	}
	if err != nil {
		ev.Status = "error"
		ev.Error = err.Error()
	}
	s.sink.RecordTranslation(ev)
}
