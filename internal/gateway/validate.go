package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/agentstack/agentstack/pkg/model"
)

// maxSpansPerRequest bounds one ingest request. Larger batches should be
// split by the exporter, not absorbed here.
const maxSpansPerRequest = 1000

// decodeSpans accepts the three body shapes clients send:
// {"spans": [...]}, a bare array, or a single span object.
func decodeSpans(body []byte) ([]model.SpanRecord, error) {
	var wrapped struct {
		Spans []model.SpanRecord `json:"spans"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Spans != nil {
		return wrapped.Spans, nil
	}

	var list []model.SpanRecord
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var single model.SpanRecord
	if err := json.Unmarshal(body, &single); err == nil && single.SpanID != "" {
		return []model.SpanRecord{single}, nil
	}

	return nil, fmt.Errorf("body is not a span batch")
}

// validateSpan checks the fields every downstream consumer relies on.
func validateSpan(s *model.SpanRecord) error {
	if s.SpanID == "" {
		return fmt.Errorf("missing span_id")
	}
	if s.TraceID == "" {
		return fmt.Errorf("missing trace_id")
	}
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if s.StartTime == 0 {
		return fmt.Errorf("missing start_time")
	}
	if s.EndTime == 0 {
		return fmt.Errorf("missing end_time")
	}
	if s.EndTime < s.StartTime {
		return fmt.Errorf("end_time before start_time")
	}
	if s.DurationMS < 0 {
		return fmt.Errorf("negative duration_ms")
	}
	return nil
}
