package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one decoded entry from a Redis Stream
type StreamEntry struct {
	ID      string
	Stream  string
	Payload map[string]interface{}
}

// Streams provides Redis Streams operations for the live event feed. Each
// tenant gets its own capped stream so tailing never crosses tenants.
type Streams struct {
	client *Client
	maxLen int64
}

// NewStreams creates a new Streams instance. maxLen caps each stream's
// retained entries (approximate trim).
func NewStreams(client *Client, maxLen int64) *Streams {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Streams{client: client, maxLen: maxLen}
}

// TenantStream returns the stream key for a tenant's event feed
func TenantStream(tenantID string) string {
	return fmt.Sprintf("events:%s", tenantID)
}

// Publish appends a payload to a stream, trimming it to the configured cap
func (s *Streams) Publish(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to stream %s", stream)
		return "", err
	}

	return result, nil
}

// Recent returns up to count of the latest entries in a stream, oldest first
func (s *Streams) Recent(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	messages, err := s.client.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]StreamEntry, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		entry, ok := s.decode(ctx, stream, messages[i])
		if ok {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// Tail blocks until entries arrive after lastID, or the block duration
// passes. Use "$" as lastID to start from new entries only.
func (s *Streams) Tail(ctx context.Context, stream, lastID string, block time.Duration) ([]StreamEntry, error) {
	results, err := s.client.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   100,
		Block:   block,
	}).Result()

	if err == redis.Nil {
		return nil, nil // No entries
	}
	if err != nil {
		return nil, err
	}

	var entries []StreamEntry
	for _, result := range results {
		for _, msg := range result.Messages {
			entry, ok := s.decode(ctx, result.Stream, msg)
			if ok {
				entries = append(entries, entry)
			}
		}
	}

	return entries, nil
}

func (s *Streams) decode(ctx context.Context, stream string, msg redis.XMessage) (StreamEntry, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return StreamEntry{}, false
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		s.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to unmarshal stream entry %s", msg.ID)
		return StreamEntry{}, false
	}

	return StreamEntry{
		ID:      msg.ID,
		Stream:  stream,
		Payload: payload,
	}, true
}
