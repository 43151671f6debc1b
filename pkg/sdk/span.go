package sdk

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentstack/agentstack/pkg/model"
)

// maxAttributeLen bounds each attribute value; longer values are truncated
// so a single runaway prompt cannot bloat the export pipeline.
const maxAttributeLen = 8192

// Span is one in-flight unit of work: an LLM call, a tool invocation, a
// memory read. Mutable until End, after which all mutation is ignored and
// ownership passes to the exporter.
type Span struct {
	mu sync.Mutex

	traceID      string
	spanID       string
	parentSpanID string
	name         string
	serviceName  string

	startWall int64
	endWall   int64
	startMono int64
	endMono   int64

	attributes map[string]string
	events     []model.SpanEvent
	status     model.SpanStatus

	ended bool
	rt    *Runtime
}

// TraceID returns the trace this span belongs to.
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns the span's own identifier.
func (s *Span) SpanID() string { return s.spanID }

// ParentSpanID returns the parent span id, or "" for a root span.
func (s *Span) ParentSpanID() string { return s.parentSpanID }

// Name returns the operation label.
func (s *Span) Name() string { return s.name }

// SetAttribute records a key-value attribute. Values are stored as strings
// and truncated to a bounded length. Calls after End are ignored.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		slog.Warn("agentstack: attribute set on ended span", "span_id", s.spanID, "key", key)
		return
	}
	v := fmt.Sprint(value)
	if len(v) > maxAttributeLen {
		v = v[:maxAttributeLen]
	}
	s.attributes[key] = v
}

// SetStatus sets the terminal status. An optional message is stored under
// the error.message attribute.
func (s *Span) SetStatus(status model.SpanStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.status = status
	if message != "" {
		s.attributes["error.message"] = message
	}
}

// AddEvent records a timestamped event. Calls after End are ignored.
func (s *Span) AddEvent(name string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		slog.Warn("agentstack: event added to ended span", "span_id", s.spanID, "event", name)
		return
	}
	evAttrs := make(map[string]string, len(attrs))
	for k, v := range attrs {
		evAttrs[k] = v
	}
	s.events = append(s.events, model.SpanEvent{
		Name:       name,
		Timestamp:  wallNow(),
		Attributes: evAttrs,
	})
}

// RecordError marks the span as failed and records the error as an
// exception event plus error.* attributes.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetStatus(model.StatusError, err.Error())
	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.AddEvent("exception", map[string]string{
		"exception.type":    fmt.Sprintf("%T", err),
		"exception.message": err.Error(),
	})
}

// End completes the span: records end timing, scrubs PII from attributes,
// and hands the span to the exporter. Idempotent; only the first call has
// any effect.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endWall = wallNow()
	s.endMono = monoNow()
	s.attributes = ScrubAttributes(s.attributes)
	rt := s.rt
	s.mu.Unlock()

	if rt != nil {
		rt.enqueue(s)
	}
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Record converts the span to its immutable export projection. Duration is
// computed from the monotonic readings only.
func (s *Span) Record() *model.SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := make(map[string]string, len(s.attributes))
	for k, v := range s.attributes {
		attrs[k] = v
	}
	events := make([]model.SpanEvent, len(s.events))
	copy(events, s.events)

	var dur int64
	if s.endMono != 0 {
		dur = durationMS(s.startMono, s.endMono)
	}
	return &model.SpanRecord{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentSpanID,
		Name:         s.name,
		StartTime:    s.startWall,
		EndTime:      s.endWall,
		DurationMS:   dur,
		Status:       s.status,
		ServiceName:  s.serviceName,
		Attributes:   attrs,
		Events:       events,
	}
}
