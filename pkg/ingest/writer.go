package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/Gobusters/ectologger"

	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// Writer persists normalized messages idempotently
type Writer struct {
	messages repositories.MessageRepo
	logger   ectologger.Logger
}

// NewWriter creates a new Writer
func NewWriter(messages repositories.MessageRepo, logger ectologger.Logger) *Writer {
	return &Writer{messages: messages, logger: logger}
}

// Write stores the message for the channel. Returns the stored row and
// whether this delivery created it; redeliveries come back created=false.
func (w *Writer) Write(ctx context.Context, channel *models.Channel, normalized *Normalized) (*models.Message, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "Writer.Write")
	defer span.End()

	messageID := normalized.MessageID
	if messageID == "" {
		messageID = deriveMessageID(normalized)
	}

	message := &models.Message{
		TenantID:      channel.TenantID,
		ChannelID:     channel.ID,
		MessageID:     messageID,
		Sender:        normalized.Sender,
		SenderName:    normalized.SenderName,
		Type:          normalized.Type,
		Body:          normalized.Body,
		MediaURL:      normalized.MediaURL,
		IsGroup:       normalized.IsGroup,
		GroupName:     normalized.GroupName,
		ProfilePicURL: normalized.ProfilePicURL,
		SentAt:        normalized.SentAt,
	}

	created, err := w.messages.Upsert(ctx, message)
	if err != nil {
		return nil, false, err
	}

	result := "created"
	if !created {
		result = "deduplicated"
	}
	metrics.MessagesWrittenTotal.WithLabelValues(result).Inc()

	return message, created, nil
}

// deriveMessageID builds a stable id for payloads that carry none, so the
// same delivery replayed still deduplicates. The send time is part of the
// key only when the payload carried it; receipt time would make replays
// derive a fresh id.
func deriveMessageID(normalized *Normalized) string {
	body := ""
	if normalized.Body != nil {
		body = *normalized.Body
	}

	sentAt := ""
	if normalized.SentAtFromPayload {
		sentAt = strconv.FormatInt(normalized.SentAt.Unix(), 10)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", normalized.Sender, sentAt, body)))
	return "derived-" + hex.EncodeToString(sum[:16])
}
