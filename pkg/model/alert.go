package model

// Alert severities, ordered by urgency.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// AlertRecord is a rule-triggered security finding. It is persisted to the
// security_alerts table and (in compact form) appended to the alerts.live
// topic for dashboard broadcast.
type AlertRecord struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	TraceID     string  `json:"trace_id"`
	SpanID      string  `json:"span_id"`
	RuleName    string  `json:"rule_name"`
	Severity    string  `json:"severity"`
	Score       float64 `json:"score"` // 0..100
	Description string  `json:"description"`
	Evidence    string  `json:"evidence"` // truncated or "REDACTED", never raw PII
	CreatedAt   int64   `json:"created_at"` // unix seconds
}

// CostRecord is one accrued LLM usage charge derived from a span.
type CostRecord struct {
	ProjectID        string  `json:"project_id"`
	Model            string  `json:"model"`
	SpanKind         string  `json:"span_kind"`
	Timestamp        int64   `json:"timestamp"` // span start, ns since epoch
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}
