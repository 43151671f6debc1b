// Package stream abstracts the durable append-only log the pipeline rides
// on. The production implementation is Redis Streams; an in-memory
// implementation with the same consumer-group semantics backs tests.
package stream

import (
	"context"
	"time"
)

// Topic names used by the pipeline.
const (
	TopicSpans  = "spans.ingest"
	TopicAlerts = "alerts.live"
)

// SpanField is the single entry field carrying the msgpack-encoded span on
// TopicSpans.
const SpanField = "data"

// MaxSpanEntries caps TopicSpans length (approximate trim) so the log
// cannot grow without bound while workers are down.
const MaxSpanEntries = 1_000_000

// Entry is one log entry: a monotonically increasing id and flat
// key-value fields. Field values are binary-safe strings.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Log is the durable log contract: at-least-once delivery per consumer
// group, ordering preserved within a topic.
type Log interface {
	// Append adds an entry and returns its id. maxLen > 0 trims the
	// topic approximately from the head.
	Append(ctx context.Context, topic string, fields map[string]string, maxLen int64) (string, error)

	// CreateGroup idempotently ensures a consumer group starting at the
	// end of the topic. Duplicate creation is not an error.
	CreateGroup(ctx context.Context, topic, group string) error

	// ReadGroup returns up to count entries not yet delivered to the
	// group, blocking up to block when none are available.
	ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks entries delivered for the group. Multiple ids are
	// acknowledged in one round trip.
	Ack(ctx context.Context, topic, group string, ids ...string) error

	// Tail returns entries with id > lastID, blocking up to block.
	// lastID "$" means "from the current end". The returned lastID is
	// the cursor for the next call.
	Tail(ctx context.Context, topic, lastID string, count int64, block time.Duration) ([]Entry, string, error)

	Close() error
}
