package logstream

import (
	"context"
	"time"

	"github.com/petalcrm/sundew/pkg/redis"
)

// DefaultBlock is how long one tail read waits for new entries
const DefaultBlock = 15 * time.Second

// Tailer follows a tenant's live event feed
type Tailer struct {
	streams *redis.Streams
	block   time.Duration
}

// NewTailer creates a new Tailer
func NewTailer(streams *redis.Streams) *Tailer {
	return &Tailer{
		streams: streams,
		block:   DefaultBlock,
	}
}

// Recent returns the latest count entries of the tenant's feed, oldest
// first
func (t *Tailer) Recent(ctx context.Context, tenantID string, count int64) ([]redis.StreamEntry, error) {
	return t.streams.Recent(ctx, redis.TenantStream(tenantID), count)
}

// Tail invokes fn for every new feed entry until ctx is cancelled or fn
// returns an error. Only entries arriving after the call are delivered.
func (t *Tailer) Tail(ctx context.Context, tenantID string, fn func(entry redis.StreamEntry) error) error {
	stream := redis.TenantStream(tenantID)
	lastID := "$"

	for {
		entries, err := t.streams.Tail(ctx, stream, lastID, t.block)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		for _, entry := range entries {
			lastID = entry.ID
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
}
