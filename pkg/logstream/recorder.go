// Package logstream is the observability feed: every received delivery is
// recorded durably and fanned out to a capped per-tenant stream for live
// tailing.
package logstream

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/redis"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// Recorder writes inbound events to both sinks. Recording is never allowed
// to fail the delivery that produced the event.
type Recorder struct {
	events  repositories.InboundEventRepo
	streams *redis.Streams
	logger  ectologger.Logger
}

// NewRecorder creates a new Recorder
func NewRecorder(events repositories.InboundEventRepo, streams *redis.Streams, logger ectologger.Logger) *Recorder {
	return &Recorder{
		events:  events,
		streams: streams,
		logger:  logger,
	}
}

// PreviewLimit caps how much of a payload lands in an event's preview
const PreviewLimit = 140

// Preview renders a short human-readable summary of a raw payload for the
// event feed. Payloads longer than the limit are truncated.
func Preview(raw []byte) *string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil
	}
	if len(s) > PreviewLimit {
		s = s[:PreviewLimit] + "..."
	}
	return &s
}

// Record persists the event and publishes it to the tenant's live feed
func (r *Recorder) Record(ctx context.Context, event *models.InboundEvent) {
	ctx, span := tracing.StartSpan(ctx, "Recorder.Record")
	defer span.End()

	metrics.EventsReceivedTotal.WithLabelValues(string(event.Transport), string(event.Status)).Inc()

	if err := r.events.Append(ctx, event); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source": event.Source,
		}).Error("failed to persist inbound event")
	}

	if r.streams == nil {
		return
	}
	if _, err := r.streams.Publish(ctx, redis.TenantStream(event.TenantID.String()), event); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source": event.Source,
		}).Warn("failed to publish inbound event to live feed")
	}
}
