package models

import (
	"time"

	"github.com/google/uuid"
)

// PairingOutcome records how a QR pairing attempt ended.
type PairingOutcome string

const (
	PairingPending    PairingOutcome = "pending"
	PairingSucceeded  PairingOutcome = "succeeded"
	PairingSuperseded PairingOutcome = "superseded"
	PairingFailed     PairingOutcome = "failed"
	PairingCancelled  PairingOutcome = "cancelled"
)

// PairingSession is one issued QR code for linking a channel to a device.
// A channel has at most one pending session at a time; reissuing a code
// supersedes the previous session.
type PairingSession struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	TenantID   uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	ChannelID  uuid.UUID      `db:"channel_id" json:"channel_id"`
	QRCode     string         `db:"qr_code" json:"qr_code"`
	IssuedAt   time.Time      `db:"issued_at" json:"issued_at"`
	TTLSeconds int            `db:"ttl_seconds" json:"ttl_seconds"`
	Outcome    PairingOutcome `db:"outcome" json:"outcome"`
	ResolvedAt *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// ExpiresAt is the instant the issued code stops being scannable.
func (p *PairingSession) ExpiresAt() time.Time {
	return p.IssuedAt.Add(time.Duration(p.TTLSeconds) * time.Second)
}

// TableName returns the database table name
func (PairingSession) TableName() string {
	return "pairing_sessions"
}
