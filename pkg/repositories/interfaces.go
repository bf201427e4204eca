package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/petalcrm/sundew/pkg/models"
)

// ChannelRepo defines the interface for channel repository operations
type ChannelRepo interface {
	Create(ctx context.Context, channel *models.Channel) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	GetByName(ctx context.Context, name string) (*models.Channel, error)
	GetBySecret(ctx context.Context, tenantID uuid.UUID, secret string) (*models.Channel, error)
	FindBySecret(ctx context.Context, secret string) (*models.Channel, error)
	List(ctx context.Context) ([]models.Channel, error)
	ListStreaming(ctx context.Context) ([]models.Channel, error)
	Update(ctx context.Context, channel *models.Channel) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ChannelStatus, detail *string) error
	UpdateIdentity(ctx context.Context, id uuid.UUID, phone, displayName, profilePicURL *string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PairingSessionRepo defines the interface for pairing session repository operations
type PairingSessionRepo interface {
	Create(ctx context.Context, session *models.PairingSession) error
	GetPending(ctx context.Context, channelID uuid.UUID) (*models.PairingSession, error)
	Resolve(ctx context.Context, id uuid.UUID, outcome models.PairingOutcome) error
	ResolvePendingForChannel(ctx context.Context, channelID uuid.UUID, outcome models.PairingOutcome) error
}

// InboundEventRepo defines the interface for inbound event repository operations
type InboundEventRepo interface {
	Append(ctx context.Context, event *models.InboundEvent) error
	List(ctx context.Context, limit int, before *EventCursor) ([]models.InboundEvent, error)
	SoftDeleteByChannel(ctx context.Context, channelID uuid.UUID) (int64, error)
}

// MessageRepo defines the interface for message repository operations
type MessageRepo interface {
	Upsert(ctx context.Context, message *models.Message) (bool, error)
	GetByMessageID(ctx context.Context, channelID uuid.UUID, messageID string) (*models.Message, error)
	ListBySender(ctx context.Context, sender string, limit int) ([]models.Message, error)
}

// ContactRepo defines the interface for contact repository operations
type ContactRepo interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error)
	GetByPhone(ctx context.Context, phone string) (*models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)
	Update(ctx context.Context, contact *models.Contact) error
}
