package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/petalcrm/sundew/pkg/database"
)

// Tracking is the free-form attribution payload captured when a contact
// first arrives through a paid or tracked source.
type Tracking map[string]any

// NewTracking wraps a tracking payload for storage
func NewTracking(t Tracking) database.JSONB[Tracking] {
	return database.NewJSONB(t)
}

// AdDetails returns the embedded ad details object, if any.
func (t Tracking) AdDetails() (map[string]any, bool) {
	if t == nil {
		return nil, false
	}
	details, ok := t["ad_details"].(map[string]any)
	return details, ok
}

// AdDetailsHistory returns prior ad details entries, oldest first.
func (t Tracking) AdDetailsHistory() []any {
	if t == nil {
		return nil
	}
	history, _ := t["ad_details_history"].([]any)
	return history
}

// Contact is one reconciled person per tenant, keyed by phone.
type Contact struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Phone         string    `db:"phone" json:"phone"`
	Name          *string   `db:"name" json:"name,omitempty"`
	ProfilePicURL *string   `db:"profile_pic_url" json:"profile_pic_url,omitempty"`
	// OriginSource is set once when the contact is created and never
	// overwritten by later messages.
	OriginSource  *string                  `db:"origin_source" json:"origin_source,omitempty"`
	UTMSource     *string                  `db:"utm_source" json:"utm_source,omitempty"`
	UTMMedium     *string                  `db:"utm_medium" json:"utm_medium,omitempty"`
	UTMCampaign   *string                  `db:"utm_campaign" json:"utm_campaign,omitempty"`
	UTMContent    *string                  `db:"utm_content" json:"utm_content,omitempty"`
	UTMTerm       *string                  `db:"utm_term" json:"utm_term,omitempty"`
	Tracking      database.JSONB[Tracking] `db:"tracking" json:"tracking"`
	LeadID        *uuid.UUID               `db:"lead_id" json:"lead_id,omitempty"`
	LastMessageAt *time.Time               `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Contact) TableName() string {
	return "contacts"
}
