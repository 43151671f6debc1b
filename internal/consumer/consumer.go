// Package consumer runs stream handlers against a consumer group with
// at-least-once delivery. The writer, cost, and security workers all run
// inside this loop.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentstack/agentstack/internal/stream"
)

// Handler processes stream entries. Process returns the ids that are
// safe to acknowledge; an entry whose id is not returned stays pending
// and will be redelivered. Tick fires once per poll so handlers can
// flush time-based batches. Flush fires once at shutdown and must write
// out buffered work regardless of batch thresholds. All three return
// the ids made safe to acknowledge.
type Handler interface {
	Process(ctx context.Context, entry stream.Entry) ([]string, error)
	Tick(ctx context.Context) ([]string, error)
	Flush(ctx context.Context) ([]string, error)
}

// Options configures one consumer loop.
type Options struct {
	Topic        string
	Group        string
	Consumer     string
	BatchSize    int64
	PollInterval time.Duration // ReadGroup block duration
}

// Consumer drives a Handler over a consumer group.
type Consumer struct {
	log  stream.Log
	opts Options
	h    Handler
}

// New builds a consumer. Zero BatchSize defaults to 10 and zero
// PollInterval to one second.
func New(log stream.Log, opts Options, h Handler) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Consumer{log: log, opts: opts, h: h}
}

// Run blocks until ctx is cancelled. The consumer group is created on
// entry; an existing group is fine, any other creation failure is fatal.
// Loop errors are logged and retried after a short sleep rather than
// crashing the worker.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.CreateGroup(ctx, c.opts.Topic, c.opts.Group); err != nil {
		return err
	}

	slog.Info("consumer started",
		"topic", c.opts.Topic, "group", c.opts.Group, "consumer", c.opts.Consumer)

	for {
		if err := ctx.Err(); err != nil {
			c.drain()
			return err
		}
		if err := c.poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("consumer loop error",
				"topic", c.opts.Topic, "group", c.opts.Group, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	entries, err := c.log.ReadGroup(ctx, c.opts.Topic, c.opts.Group, c.opts.Consumer,
		c.opts.BatchSize, c.opts.PollInterval)
	if err != nil {
		return err
	}

	var ready []string
	for _, entry := range entries {
		ids, err := c.h.Process(ctx, entry)
		if err != nil {
			// Leave unacked for redelivery.
			slog.Warn("entry processing failed",
				"topic", c.opts.Topic, "entry_id", entry.ID, "error", err)
		}
		ready = append(ready, ids...)
	}

	flushed, err := c.h.Tick(ctx)
	if err != nil {
		slog.Warn("handler tick failed", "topic", c.opts.Topic, "error", err)
	}
	ready = append(ready, flushed...)

	return c.ack(ctx, ready)
}

// drain forces a final handler flush so buffered work is written and
// acknowledged before shutdown. Runs on a fresh context because the loop
// context is already cancelled.
func (c *Consumer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flushed, err := c.h.Flush(ctx)
	if err != nil {
		slog.Warn("final flush failed", "topic", c.opts.Topic, "error", err)
		return
	}
	if err := c.ack(ctx, flushed); err != nil {
		slog.Warn("final ack failed", "topic", c.opts.Topic, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.log.Ack(ctx, c.opts.Topic, c.opts.Group, ids...)
}
