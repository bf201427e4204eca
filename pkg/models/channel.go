package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelStatus is the last known state of a channel's gateway session.
type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelError        ChannelStatus = "error"
)

// TransportPreference selects which ingestion paths a channel uses.
type TransportPreference string

const (
	TransportPush   TransportPreference = "push"   // webhook only
	TransportStream TransportPreference = "stream" // live event stream only
	TransportBoth   TransportPreference = "both"
)

// UsesStream reports whether the channel opts into the live event stream.
func (t TransportPreference) UsesStream() bool {
	return t == TransportStream || t == TransportBoth
}

// Channel represents one configured connection to a messaging gateway
// instance for a tenant.
type Channel struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	TenantID      uuid.UUID           `db:"tenant_id" json:"tenant_id"`
	Name          string              `db:"name" json:"name"`
	Instance      string              `db:"instance" json:"instance"`
	Token         string              `db:"token" json:"-"`
	WebhookSecret string              `db:"webhook_secret" json:"-"`
	Transport     TransportPreference `db:"transport" json:"transport"`
	Status        ChannelStatus       `db:"status" json:"status"`
	// StatusDetail retains the gateway diagnostic that moved the channel
	// into the error state.
	StatusDetail  *string    `db:"status_detail" json:"status_detail,omitempty"`
	Phone         *string    `db:"phone" json:"phone,omitempty"`
	DisplayName   *string    `db:"display_name" json:"display_name,omitempty"`
	ProfilePicURL *string    `db:"profile_pic_url" json:"profile_pic_url,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Channel) TableName() string {
	return "channels"
}
