package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

const inboundEventsTable = "inbound_events"

var inboundEventStruct = database.NewStruct(new(models.InboundEvent))

// EventCursor is a keyset pagination position in the event feed, ordered by
// received_at descending with the id as a tiebreaker.
type EventCursor struct {
	ReceivedAt time.Time
	ID         uuid.UUID
}

// InboundEventRepository handles database operations for inbound events
type InboundEventRepository struct {
	*Repository
}

// NewInboundEventRepository creates a new inbound event repository
func NewInboundEventRepository(db database.DB, logger ectologger.Logger) *InboundEventRepository {
	return &InboundEventRepository{
		Repository: NewRepository(db, logger),
	}
}

// Append records one received delivery. Appending never fails the request
// that produced the event, so callers treat errors as log-and-continue.
func (r *InboundEventRepository) Append(ctx context.Context, event *models.InboundEvent) error {
	ctx, span := tracing.StartSpan(ctx, "InboundEventRepository.Append")
	defer span.End()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(inboundEventsTable).
		Cols("id", "tenant_id", "channel_id", "source", "transport", "status", "preview", "error_message", "payload", "payload_keys", "received_at").
		Values(event.ID, event.TenantID, event.ChannelID, event.Source, event.Transport, event.Status,
			event.Preview, event.ErrorMessage, event.Payload, event.PayloadKeys, sqlbuilder.Raw("NOW()")).
		Returning("received_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&event.ReceivedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": event.ID,
			"source":   event.Source,
		}).Error("failed to append inbound event")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append inbound event")
	}

	return nil
}

// List retrieves recent events for the current tenant, newest first. A
// cursor continues a previous page.
func (r *InboundEventRepository) List(ctx context.Context, limit int, before *EventCursor) ([]models.InboundEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "InboundEventRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := inboundEventStruct.SelectFrom(inboundEventsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.IsNull("deleted_at"))
	if before != nil {
		sb.Where(sb.LessThan("(received_at, id)", sqlbuilder.Tuple(before.ReceivedAt, before.ID)))
	}
	sb.OrderBy("received_at", "id").Desc().Limit(limit)

	query, args := sb.Build()
	var events []models.InboundEvent
	err = r.DB().SelectContext(ctx, &events, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list inbound events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list inbound events")
	}

	return events, nil
}

// SoftDeleteByChannel hides a channel's events from the feed without
// discarding the audit trail. Used when the channel is deleted.
func (r *InboundEventRepository) SoftDeleteByChannel(ctx context.Context, channelID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "InboundEventRepository.SoftDeleteByChannel")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(inboundEventsTable).
		Set(ub.Assign("deleted_at", sqlbuilder.Raw("NOW()"))).
		Where(ub.Equal("channel_id", channelID), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Error("failed to soft delete inbound events")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to soft delete inbound events")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id":  channelID,
		"event_count": rows,
	}).Debugf("Soft deleted %s", inboundEventsTable)
	return rows, nil
}

// DeleteByTenantID deletes all inbound events for a tenant (for testing cleanup)
func (r *InboundEventRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "InboundEventRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(inboundEventsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete inbound events by tenant")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete inbound events by tenant")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
