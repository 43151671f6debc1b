package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog implements Log on Redis Streams. One instance is safe for
// concurrent use by multiple consumers.
type RedisLog struct {
	client *redis.Client
}

// OpenRedis connects to the Redis instance at url (redis:// form) and
// verifies the connection with a ping.
func OpenRedis(ctx context.Context, url string) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLog{client: client}, nil
}

func (l *RedisLog) Append(ctx context.Context, topic string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

func (l *RedisLog) CreateGroup(ctx context.Context, topic, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (l *RedisLog) ReadGroup(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", topic, group, err)
	}
	return flatten(res), nil
}

func (l *RedisLog) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) == 1 {
		if err := l.client.XAck(ctx, topic, group, ids[0]).Err(); err != nil {
			return fmt.Errorf("xack %s/%s: %w", topic, group, err)
		}
		return nil
	}
	// Batch acks go through one pipeline round trip.
	pipe := l.client.Pipeline()
	for _, id := range ids {
		pipe.XAck(ctx, topic, group, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xack pipeline %s/%s: %w", topic, group, err)
	}
	return nil
}

func (l *RedisLog) Tail(ctx context.Context, topic, lastID string, count int64, block time.Duration) ([]Entry, string, error) {
	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{topic, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("xread %s: %w", topic, err)
	}
	entries := flatten(res)
	if len(entries) > 0 {
		lastID = entries[len(entries)-1].ID
	}
	return entries, lastID, nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

func flatten(streams []redis.XStream) []Entry {
	var out []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return out
}
