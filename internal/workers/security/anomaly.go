package security

import (
	"fmt"
	"strconv"

	"github.com/agentstack/agentstack/pkg/model"
)

const (
	// Most LLM calls finish well under five minutes.
	maxExpectedDurationMS = 300_000

	// Token explosion threshold.
	maxExpectedTokens = 32_000
)

// checkAnomaly flags runtime outliers on a span.
func checkAnomaly(rec *model.SpanRecord) []string {
	var anomalies []string

	if rec.DurationMS > maxExpectedDurationMS {
		anomalies = append(anomalies, fmt.Sprintf("Excessive duration: %dms", rec.DurationMS))
	}

	if v, ok := rec.Attributes["llm.usage.total_tokens"]; ok {
		if total, err := strconv.ParseInt(v, 10, 64); err == nil && total > maxExpectedTokens {
			anomalies = append(anomalies, fmt.Sprintf("High token usage: %d", total))
		}
	}

	return anomalies
}
