// Package events handles event emission for message and contact lifecycle
// changes
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/petalcrm/sundew/pkg/kafka"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// DomainEvent is the envelope for every emitted event
type DomainEvent struct {
	EventType     string         `json:"event_type"`
	SchemaVersion string         `json:"schema_version"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data"`
}

// Emitter publishes domain events for downstream consumers
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

func (e *Emitter) emit(ctx context.Context, eventType string, tenantID uuid.UUID, key string, data map[string]any) error {
	event := &DomainEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}

	headers := map[string]string{
		"tenant_id":  tenantID.String(),
		"event_type": eventType,
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		headers["traceparent"] = fmt.Sprintf("00-%s-%s-01", traceID, tracing.GetSpanID(ctx))
	}

	if err := e.producer.PublishJSON(ctx, key, event, headers); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", eventType)
		return err
	}

	return nil
}

// MessageIngested emits an event for a newly stored message
func (e *Emitter) MessageIngested(ctx context.Context, message *models.Message) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.MessageIngested")
	defer span.End()

	key := fmt.Sprintf("%s:%s", message.TenantID, message.Sender)
	return e.emit(ctx, "message.ingested", message.TenantID, key, map[string]any{
		"message_id": message.MessageID,
		"channel_id": message.ChannelID,
		"sender":     message.Sender,
		"type":       message.Type,
		"is_group":   message.IsGroup,
		"sent_at":    message.SentAt,
	})
}

// ContactCreated emits an event for a newly reconciled contact
func (e *Emitter) ContactCreated(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactCreated")
	defer span.End()

	key := fmt.Sprintf("%s:%s", contact.TenantID, contact.Phone)
	return e.emit(ctx, "contact.created", contact.TenantID, key, map[string]any{
		"contact_id":    contact.ID,
		"phone":         contact.Phone,
		"origin_source": contact.OriginSource,
	})
}

// ContactUpdated emits an event for a contact refreshed by reconciliation
func (e *Emitter) ContactUpdated(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactUpdated")
	defer span.End()

	key := fmt.Sprintf("%s:%s", contact.TenantID, contact.Phone)
	return e.emit(ctx, "contact.updated", contact.TenantID, key, map[string]any{
		"contact_id": contact.ID,
		"phone":      contact.Phone,
	})
}

// ContactLeadLinked emits an event when a contact is matched to a lead
func (e *Emitter) ContactLeadLinked(ctx context.Context, contact *models.Contact, leadID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactLeadLinked")
	defer span.End()

	key := fmt.Sprintf("%s:%s", contact.TenantID, contact.Phone)
	return e.emit(ctx, "contact.lead_linked", contact.TenantID, key, map[string]any{
		"contact_id": contact.ID,
		"phone":      contact.Phone,
		"lead_id":    leadID,
	})
}
