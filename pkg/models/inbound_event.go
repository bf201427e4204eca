package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/petalcrm/sundew/pkg/database"
)

// EventTransport names the ingestion path an event arrived through.
type EventTransport string

const (
	EventTransportWebhook EventTransport = "webhook"
	EventTransportStream  EventTransport = "stream"
)

// EventStatus is the outcome of receiving and parsing one delivery.
type EventStatus string

const (
	EventOK    EventStatus = "ok"
	EventError EventStatus = "error"
)

// InboundEvent is the audit record written for every delivery a channel
// receives, whether or not the payload could be parsed. Raw payloads are
// retained verbatim so unrecognized shapes can be inspected later.
type InboundEvent struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	TenantID   uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	ChannelID  *uuid.UUID     `db:"channel_id" json:"channel_id,omitempty"`
	Source     string         `db:"source" json:"source"`
	Transport  EventTransport `db:"transport" json:"transport"`
	Status     EventStatus    `db:"status" json:"status"`
	// Preview is a short human-readable summary shown in the event feed.
	Preview      *string                         `db:"preview" json:"preview,omitempty"`
	ErrorMessage *string                         `db:"error_message" json:"error_message,omitempty"`
	Payload      database.JSONB[map[string]any]  `db:"payload" json:"payload"`
	PayloadKeys  database.JSONB[[]string]        `db:"payload_keys" json:"payload_keys"`
	ReceivedAt   time.Time                       `db:"received_at" json:"received_at"`
	DeletedAt    *time.Time                      `db:"deleted_at" json:"-"`
}

// TableName returns the database table name
func (InboundEvent) TableName() string {
	return "inbound_events"
}
