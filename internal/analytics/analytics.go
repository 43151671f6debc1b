// Package analytics persists spans, cost metrics, and security alerts to
// ClickHouse for the dashboard's queries.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/agentstack/agentstack/pkg/model"
)

// SpanSink is what the writer worker needs from the store.
type SpanSink interface {
	InsertSpans(ctx context.Context, spans []*model.SpanRecord) error
}

// CostSink is what the cost worker needs from the store.
type CostSink interface {
	InsertCosts(ctx context.Context, costs []model.CostRecord) error
}

// AlertSink is what the security worker needs from the store.
type AlertSink interface {
	InsertAlerts(ctx context.Context, alerts []model.AlertRecord) error
}

// Store wraps a ClickHouse connection.
type Store struct {
	conn driver.Conn
}

// Options locates the ClickHouse server.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Open connects over the native protocol and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{conn: conn}, nil
}

// EnsureTables creates the three tables if they do not exist. Spans use
// ReplacingMergeTree keyed on span_id so redelivered entries collapse to
// one row.
func (s *Store) EnsureTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			span_id        String,
			trace_id       String,
			parent_span_id String,
			project_id     String,
			name           String,
			service_name   String,
			status         String,
			start_time     DateTime64(9),
			end_time       DateTime64(9),
			duration_ms    Float64,
			attributes     Map(String, String),
			events         String
		) ENGINE = ReplacingMergeTree
		ORDER BY (project_id, trace_id, span_id)`,

		`CREATE TABLE IF NOT EXISTS cost_metrics (
			project_id        String,
			model             String,
			span_kind         String,
			timestamp         DateTime64(9),
			prompt_tokens     UInt64,
			completion_tokens UInt64,
			total_tokens      UInt64,
			cost_usd          Float64
		) ENGINE = MergeTree
		ORDER BY (project_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS security_alerts (
			id          String,
			project_id  String,
			trace_id    String,
			span_id     String,
			rule        String,
			severity    String,
			score       Float64,
			description String,
			evidence    String,
			created_at  DateTime
		) ENGINE = MergeTree
		ORDER BY (project_id, created_at)`,
	}
	for _, stmt := range ddl {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// InsertSpans writes a batch of spans in one round trip. Attribute values
// are stringified; events serialize as JSON.
func (s *Store) InsertSpans(ctx context.Context, spans []*model.SpanRecord) error {
	if len(spans) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO spans")
	if err != nil {
		return fmt.Errorf("prepare span batch: %w", err)
	}
	for _, sp := range spans {
		attrs := sp.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		events, err := json.Marshal(sp.Events)
		if err != nil {
			events = []byte("[]")
		}
		if err := batch.Append(
			sp.SpanID,
			sp.TraceID,
			sp.ParentSpanID,
			sp.ProjectID,
			sp.Name,
			sp.ServiceName,
			string(sp.Status),
			time.Unix(0, sp.StartTime),
			time.Unix(0, sp.EndTime),
			sp.DurationMS,
			attrs,
			string(events),
		); err != nil {
			return fmt.Errorf("append span %s: %w", sp.SpanID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send span batch: %w", err)
	}
	return nil
}

// InsertCosts writes cost rows.
func (s *Store) InsertCosts(ctx context.Context, costs []model.CostRecord) error {
	if len(costs) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO cost_metrics")
	if err != nil {
		return fmt.Errorf("prepare cost batch: %w", err)
	}
	for _, c := range costs {
		if err := batch.Append(
			c.ProjectID,
			c.Model,
			c.SpanKind,
			time.Unix(0, c.Timestamp),
			uint64(c.PromptTokens),
			uint64(c.CompletionTokens),
			uint64(c.TotalTokens),
			c.CostUSD,
		); err != nil {
			return fmt.Errorf("append cost row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send cost batch: %w", err)
	}
	return nil
}

// InsertAlerts writes alert rows.
func (s *Store) InsertAlerts(ctx context.Context, alerts []model.AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO security_alerts")
	if err != nil {
		return fmt.Errorf("prepare alert batch: %w", err)
	}
	for _, a := range alerts {
		if err := batch.Append(
			a.ID,
			a.ProjectID,
			a.TraceID,
			a.SpanID,
			a.RuleName,
			a.Severity,
			a.Score,
			a.Description,
			a.Evidence,
			time.Unix(a.CreatedAt, 0),
		); err != nil {
			return fmt.Errorf("append alert %s: %w", a.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send alert batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.conn.Close() }
