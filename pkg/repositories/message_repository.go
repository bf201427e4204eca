package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

const messagesTable = "messages"

var messageStruct = database.NewStruct(new(models.Message))

// MessageRepository handles database operations for normalized messages
type MessageRepository struct {
	*Repository
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db database.DB, logger ectologger.Logger) *MessageRepository {
	return &MessageRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert writes a message idempotently on (tenant_id, channel_id,
// message_id). A redelivery refreshes display fields only; identity fields
// keep their first written value. Returns true when the row was created.
func (r *MessageRepository) Upsert(ctx context.Context, message *models.Message) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "MessageRepository.Upsert")
	defer span.End()

	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(messagesTable).
		Cols("id", "tenant_id", "channel_id", "message_id", "sender", "sender_name", "type", "body",
			"media_url", "is_group", "group_name", "profile_pic_url", "sent_at", "created_at").
		Values(message.ID, message.TenantID, message.ChannelID, message.MessageID, message.Sender,
			message.SenderName, message.Type, message.Body, message.MediaURL, message.IsGroup,
			message.GroupName, message.ProfilePicURL, message.SentAt, sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("tenant_id", "channel_id", "message_id")
	ub.Set(
		ub.Assign("sender_name", database.Refresh(messagesTable, "sender_name")),
		ub.Assign("profile_pic_url", database.Refresh(messagesTable, "profile_pic_url")),
	)
	ib.Returning("id", "(created_at = NOW()) AS created")

	query, args := ib.Build()
	var created bool
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&message.ID, &created)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"message_id": message.MessageID,
			"channel_id": message.ChannelID,
		}).Error("failed to upsert message")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert message")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"message_id": message.MessageID,
		"created":    created,
	}).Debugf("Upserted %s", messagesTable)
	return created, nil
}

// GetByMessageID retrieves a message by its gateway id (tenant-scoped)
func (r *MessageRepository) GetByMessageID(ctx context.Context, channelID uuid.UUID, messageID string) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "MessageRepository.GetByMessageID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := messageStruct.SelectFrom(messagesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("channel_id", channelID), sb.Equal("message_id", messageID))

	query, args := sb.Build()
	var message models.Message
	err = r.DB().GetContext(ctx, &message, query, args...)
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "message '%s' does not exist", messageID)
	}

	return &message, nil
}

// ListBySender retrieves a sender's messages for the current tenant, newest first
func (r *MessageRepository) ListBySender(ctx context.Context, sender string, limit int) ([]models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "MessageRepository.ListBySender")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := messageStruct.SelectFrom(messagesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("sender", sender))
	sb.OrderBy("sent_at").Desc().Limit(limit)

	query, args := sb.Build()
	var messages []models.Message
	err = r.DB().SelectContext(ctx, &messages, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"sender": sender,
		}).Error("failed to list messages by sender")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list messages by sender")
	}

	return messages, nil
}

// DeleteByTenantID deletes all messages for a tenant (for testing cleanup)
func (r *MessageRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "MessageRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(messagesTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete messages by tenant")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete messages by tenant")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
