package models

import (
	"time"

	"github.com/google/uuid"
)

// UnknownSender is the sentinel stored when no sender field could be found
// in a payload. Sentinel messages are kept for audit but never reconciled
// into contacts.
const UnknownSender = "unknown"

// Message is one normalized inbound message. Uniqueness is per tenant,
// channel and gateway message id; redeliveries update display fields only.
type Message struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	TenantID      uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	ChannelID     uuid.UUID  `db:"channel_id" json:"channel_id"`
	MessageID     string     `db:"message_id" json:"message_id"`
	Sender        string     `db:"sender" json:"sender"`
	SenderName    *string    `db:"sender_name" json:"sender_name,omitempty"`
	Type          string     `db:"type" json:"type"`
	Body          *string    `db:"body" json:"body,omitempty"`
	MediaURL      *string    `db:"media_url" json:"media_url,omitempty"`
	IsGroup       bool       `db:"is_group" json:"is_group"`
	GroupName     *string    `db:"group_name" json:"group_name,omitempty"`
	ProfilePicURL *string    `db:"profile_pic_url" json:"profile_pic_url,omitempty"`
	SentAt        time.Time  `db:"sent_at" json:"sent_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Message) TableName() string {
	return "messages"
}
