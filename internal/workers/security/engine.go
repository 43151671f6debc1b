package security

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentstack/agentstack/internal/analytics"
	"github.com/agentstack/agentstack/internal/consumer"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

const (
	securityGroup      = "security-group"
	securityBatchLimit = 10

	injectionAlertThreshold = 50.0
	injectionHighThreshold  = 80.0
	evidenceLimit           = 200
)

// Engine runs the detection rules over each span. Alerts land in the
// analytical store and on the live alert stream; the span entry is
// acknowledged per message, not batched, so detection latency stays low.
type Engine struct {
	sink analytics.AlertSink
	log  stream.Log
}

// NewEngine builds the handler. The stream log carries live alerts out.
func NewEngine(sink analytics.AlertSink, log stream.Log) *Engine {
	return &Engine{sink: sink, log: log}
}

// EngineOptions returns the consumer options the engine runs under. Each
// instance gets a unique consumer name.
func EngineOptions() consumer.Options {
	return consumer.Options{
		Topic:        stream.TopicSpans,
		Group:        securityGroup,
		Consumer:     "worker-security-" + uuid.NewString()[:8],
		BatchSize:    securityBatchLimit,
		PollInterval: time.Second,
	}
}

func (e *Engine) Process(ctx context.Context, entry stream.Entry) ([]string, error) {
	payload, ok := entry.Fields[stream.SpanField]
	if !ok {
		return []string{entry.ID}, nil
	}
	rec, err := model.DecodeSpan([]byte(payload))
	if err != nil {
		slog.Warn("span decode failed", "entry_id", entry.ID, "error", err)
		return []string{entry.ID}, nil
	}

	alerts := Analyze(rec)
	if len(alerts) == 0 {
		return []string{entry.ID}, nil
	}
	if err := e.emit(ctx, alerts); err != nil {
		// Leave unacked; the span will be rescanned.
		return nil, err
	}
	slog.Info("alerts generated", "span_id", rec.SpanID, "count", len(alerts))
	return []string{entry.ID}, nil
}

// Tick and Flush are no-ops; the engine holds no batch state.
func (e *Engine) Tick(context.Context) ([]string, error) { return nil, nil }

func (e *Engine) Flush(context.Context) ([]string, error) { return nil, nil }

// Analyze runs all rules on one span and returns the resulting alerts.
func Analyze(rec *model.SpanRecord) []model.AlertRecord {
	text := checkableText(rec)
	now := time.Now().Unix()

	var alerts []model.AlertRecord
	add := func(rule, severity string, score float64, description, evidence string) {
		alerts = append(alerts, model.AlertRecord{
			ID:          uuid.NewString(),
			ProjectID:   projectOrUnknown(rec.ProjectID),
			TraceID:     rec.TraceID,
			SpanID:      rec.SpanID,
			RuleName:    rule,
			Severity:    severity,
			Score:       score,
			Description: description,
			Evidence:    evidence,
			CreatedAt:   now,
		})
	}

	if text != "" {
		if score := checkInjection(text); score > injectionAlertThreshold {
			severity := model.SeverityMedium
			if score > injectionHighThreshold {
				severity = model.SeverityHigh
			}
			add("Prompt Injection", severity, score,
				"Potential prompt injection detected in LLM input/output",
				truncate(text, evidenceLimit))
		}

		if types := checkPII(text); len(types) > 0 {
			severity := model.SeverityHigh
			for _, t := range types {
				if t == "AWS_KEY" || t == "SSN" {
					severity = model.SeverityCritical
				}
			}
			add("PII Leak", severity, 100,
				"Sensitive PII detected: "+strings.Join(types, ", "),
				"REDACTED")
		}
	}

	for _, anom := range checkAnomaly(rec) {
		rule, _, _ := strings.Cut(anom, ":")
		add(rule, model.SeverityLow, 30, anom,
			strconv.FormatInt(rec.DurationMS, 10))
	}

	return alerts
}

// checkableText collects the span text the rules inspect: first prompt,
// first completion, and any event message logs.
func checkableText(rec *model.SpanRecord) string {
	var parts []string
	if v, ok := rec.Attributes["llm.prompts.0.content"]; ok {
		parts = append(parts, v)
	}
	if v, ok := rec.Attributes["llm.completions.0.content"]; ok {
		parts = append(parts, v)
	}
	for _, ev := range rec.Events {
		if msg := ev.Attributes["message"]; msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) emit(ctx context.Context, alerts []model.AlertRecord) error {
	if err := e.sink.InsertAlerts(ctx, alerts); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	for _, a := range alerts {
		fields := map[string]string{
			"id":          a.ID,
			"project_id":  a.ProjectID,
			"trace_id":    a.TraceID,
			"span_id":     a.SpanID,
			"rule":        a.RuleName,
			"severity":    a.Severity,
			"score":       strconv.FormatFloat(a.Score, 'f', -1, 64),
			"description": a.Description,
			"created_at":  strconv.FormatInt(a.CreatedAt, 10),
		}
		if _, err := e.log.Append(ctx, stream.TopicAlerts, fields, 0); err != nil {
			return fmt.Errorf("append alert: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func projectOrUnknown(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}
