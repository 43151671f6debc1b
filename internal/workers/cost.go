package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/agentstack/agentstack/internal/analytics"
	"github.com/agentstack/agentstack/internal/consumer"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

const (
	costGroup      = "cost-group"
	costBatchLimit = 100
	costFlushEvery = 5 * time.Second
)

// CostMeter derives usage charges from LLM spans. Non-LLM spans and
// unknown models acknowledge immediately; priced spans acknowledge with
// their batch.
type CostMeter struct {
	sink      analytics.CostSink
	batchSize int

	buf       []model.CostRecord
	ids       []string
	lastFlush time.Time
}

// NewCostMeter builds the handler. batchSize <= 0 uses the default.
func NewCostMeter(sink analytics.CostSink, batchSize int) *CostMeter {
	if batchSize <= 0 {
		batchSize = costBatchLimit
	}
	return &CostMeter{
		sink:      sink,
		batchSize: batchSize,
		lastFlush: time.Now(),
	}
}

// CostOptions returns the consumer options the cost meter runs under.
func CostOptions(name string) consumer.Options {
	return consumer.Options{
		Topic:        stream.TopicSpans,
		Group:        costGroup,
		Consumer:     name,
		BatchSize:    costBatchLimit,
		PollInterval: time.Second,
	}
}

func (m *CostMeter) Process(_ context.Context, entry stream.Entry) ([]string, error) {
	payload, ok := entry.Fields[stream.SpanField]
	if !ok {
		return []string{entry.ID}, nil
	}
	rec, err := model.DecodeSpan([]byte(payload))
	if err != nil {
		slog.Warn("span decode failed", "entry_id", entry.ID, "error", err)
		return []string{entry.ID}, nil
	}

	cost, ok := deriveCost(rec)
	if !ok {
		// Not an LLM span, or nothing to charge.
		return []string{entry.ID}, nil
	}
	m.buf = append(m.buf, cost)
	m.ids = append(m.ids, entry.ID)
	return nil, nil
}

func (m *CostMeter) Tick(ctx context.Context) ([]string, error) {
	if len(m.buf) == 0 {
		m.lastFlush = time.Now()
		return nil, nil
	}
	if len(m.buf) < m.batchSize && time.Since(m.lastFlush) < costFlushEvery {
		return nil, nil
	}
	return m.flush(ctx)
}

// Flush force-writes the buffer regardless of batch thresholds. The
// consumer calls it once at shutdown.
func (m *CostMeter) Flush(ctx context.Context) ([]string, error) {
	if len(m.buf) == 0 {
		return nil, nil
	}
	return m.flush(ctx)
}

func (m *CostMeter) flush(ctx context.Context) ([]string, error) {
	if err := m.sink.InsertCosts(ctx, m.buf); err != nil {
		// Retain for the next flush cycle.
		return nil, fmt.Errorf("insert costs: %w", err)
	}
	acked := m.ids
	slog.Debug("cost batch written", "count", len(m.buf))
	m.buf = nil
	m.ids = nil
	m.lastFlush = time.Now()
	return acked, nil
}

// deriveCost extracts usage from a span's attributes and prices it.
// Returns false for spans with no model attribute, zero tokens, or a
// model the catalog does not know.
func deriveCost(rec *model.SpanRecord) (model.CostRecord, bool) {
	attrs := rec.Attributes
	modelName := attrs["llm.model"]
	if modelName == "" {
		modelName = attrs["model"]
	}
	if modelName == "" {
		return model.CostRecord{}, false
	}
	modelName = strings.ToLower(modelName)

	promptTokens := attrInt(attrs, "llm.usage.prompt_tokens")
	completionTokens := attrInt(attrs, "llm.usage.completion_tokens")
	totalTokens := attrInt(attrs, "llm.usage.total_tokens")
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens == 0 {
		return model.CostRecord{}, false
	}

	price, ok := lookupPrice(modelName)
	if !ok {
		slog.Debug("unknown model for pricing", "model", modelName)
		return model.CostRecord{}, false
	}

	return model.CostRecord{
		ProjectID:        projectOrUnknown(rec.ProjectID),
		Model:            modelName,
		SpanKind:         "llm",
		Timestamp:        rec.StartTime,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          computeCost(price, promptTokens, completionTokens),
	}, true
}

func attrInt(attrs map[string]string, key string) int64 {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func projectOrUnknown(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

// Pending reports buffered cost rows. Test helper.
func (m *CostMeter) Pending() int { return len(m.buf) }
