package model

import (
	"github.com/vmihailenco/msgpack/v5"
)

// SpanStatus is the terminal status of a completed span.
type SpanStatus string

const (
	StatusOK    SpanStatus = "OK"
	StatusError SpanStatus = "ERROR"
)

// SpanEvent is a discrete occurrence recorded during a span's lifetime,
// such as a log line, a streaming chunk arrival, or an exception.
type SpanEvent struct {
	Name       string            `json:"name" msgpack:"name"`
	Timestamp  int64             `json:"timestamp" msgpack:"timestamp"` // wall-clock ns since epoch
	Attributes map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// SpanRecord is the immutable projection of an ended span. It is what flows
// over the wire: SDK export payload, stream entry, and ClickHouse row all
// share this shape.
type SpanRecord struct {
	TraceID      string            `json:"trace_id" msgpack:"trace_id"`
	SpanID       string            `json:"span_id" msgpack:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty" msgpack:"parent_span_id,omitempty"`
	Name         string            `json:"name" msgpack:"name"`
	StartTime    int64             `json:"start_time" msgpack:"start_time"` // wall-clock ns since epoch
	EndTime      int64             `json:"end_time" msgpack:"end_time"`     // wall-clock ns since epoch
	DurationMS   int64             `json:"duration_ms" msgpack:"duration_ms"`
	Status       SpanStatus        `json:"status" msgpack:"status"`
	ServiceName  string            `json:"service_name,omitempty" msgpack:"service_name,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	Events       []SpanEvent       `json:"events,omitempty" msgpack:"events,omitempty"`

	// ProjectID is empty when leaving the SDK; the gateway stamps the
	// project resolved from the API key before enqueueing.
	ProjectID string `json:"project_id,omitempty" msgpack:"project_id,omitempty"`
}

// EncodeSpan serializes a span record to its compact stream representation.
func EncodeSpan(rec *SpanRecord) ([]byte, error) {
	return msgpack.Marshal(rec)
}

// DecodeSpan deserializes a stream payload produced by EncodeSpan.
func DecodeSpan(data []byte) (*SpanRecord, error) {
	var rec SpanRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
