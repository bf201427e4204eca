package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

const channelsTable = "channels"

var channelStruct = database.NewStruct(new(models.Channel))

// isUniqueViolation reports whether err is a Postgres unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ChannelRepository handles database operations for channels
type ChannelRepository struct {
	*Repository
}

// NewChannelRepository creates a new channel repository
func NewChannelRepository(db database.DB, logger ectologger.Logger) *ChannelRepository {
	return &ChannelRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new channel
func (r *ChannelRepository) Create(ctx context.Context, channel *models.Channel) error {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	channel.TenantID = tenantID

	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(channelsTable).
		Cols("id", "tenant_id", "name", "instance", "token", "webhook_secret", "transport", "status", "created_at", "updated_at").
		Values(channel.ID, channel.TenantID, channel.Name, channel.Instance, channel.Token, channel.WebhookSecret,
			channel.Transport, channel.Status, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&channel.CreatedAt, &channel.UpdatedAt)
	if isUniqueViolation(err) {
		return httperror.NewHTTPErrorf(http.StatusConflict, "channel '%s' already exists", channel.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Error("failed to create channel")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create channel")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id": channel.ID,
	}).Debugf("Created %s", channelsTable)
	return nil
}

// GetByID retrieves a channel by ID (tenant-scoped)
func (r *ChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var channel models.Channel
	err = r.DB().GetContext(ctx, &channel, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "channel %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": id,
		}).Error("failed to get channel by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get channel by ID")
	}

	return &channel, nil
}

// GetByName retrieves a channel by name (tenant-scoped)
func (r *ChannelRepository) GetByName(ctx context.Context, name string) (*models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.GetByName")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("name", name))

	query, args := sb.Build()
	var channel models.Channel
	err = r.DB().GetContext(ctx, &channel, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "channel '%s' does not exist", name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_name": name,
		}).Error("failed to get channel by name")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get channel by name")
	}

	return &channel, nil
}

// GetBySecret retrieves a channel by tenant and webhook secret. It is used
// on the unauthenticated webhook path, so the tenant comes from the URL
// rather than the request context.
func (r *ChannelRepository) GetBySecret(ctx context.Context, tenantID uuid.UUID, secret string) (*models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.GetBySecret")
	defer span.End()

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("webhook_secret", secret))

	query, args := sb.Build()
	var channel models.Channel
	err := r.DB().GetContext(ctx, &channel, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "invalid webhook credentials")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get channel by secret")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get channel by secret")
	}

	return &channel, nil
}

// FindBySecret retrieves a channel by webhook secret alone. Secrets are
// globally unique, so a delivery that only carries a bearer token still
// resolves to a single tenant.
func (r *ChannelRepository) FindBySecret(ctx context.Context, secret string) (*models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.FindBySecret")
	defer span.End()

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(sb.Equal("webhook_secret", secret))

	query, args := sb.Build()
	var channel models.Channel
	err := r.DB().GetContext(ctx, &channel, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "invalid webhook credentials")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to find channel by secret")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find channel by secret")
	}

	return &channel, nil
}

// List retrieves all channels for the current tenant
func (r *ChannelRepository) List(ctx context.Context) ([]models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("name")

	query, args := sb.Build()
	var channels []models.Channel
	err = r.DB().SelectContext(ctx, &channels, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list channels")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list channels")
	}

	return channels, nil
}

// ListStreaming retrieves channels across all tenants that use the live
// event stream, for resuming consumers on startup.
func (r *ChannelRepository) ListStreaming(ctx context.Context) ([]models.Channel, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.ListStreaming")
	defer span.End()

	sb := channelStruct.SelectFrom(channelsTable)
	sb.Where(
		sb.In("transport", models.TransportStream, models.TransportBoth),
		sb.Equal("status", models.ChannelConnected),
	)

	query, args := sb.Build()
	var channels []models.Channel
	err := r.DB().SelectContext(ctx, &channels, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list streaming channels")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list streaming channels")
	}

	return channels, nil
}

// Update updates an existing channel's configuration
func (r *ChannelRepository) Update(ctx context.Context, channel *models.Channel) error {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(channelsTable).
		Set(
			ub.Assign("name", channel.Name),
			ub.Assign("instance", channel.Instance),
			ub.Assign("token", channel.Token),
			ub.Assign("transport", channel.Transport),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", channel.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&channel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "channel %s does not exist", channel.ID)
	}
	if isUniqueViolation(err) {
		return httperror.NewHTTPErrorf(http.StatusConflict, "channel '%s' already exists", channel.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Error("failed to update channel")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update channel")
	}

	return nil
}

// UpdateStatus transitions a channel to a new connection status. The detail
// is cleared unless the new status is error.
func (r *ChannelRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ChannelStatus, detail *string) error {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.UpdateStatus")
	defer span.End()

	if status != models.ChannelError {
		detail = nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(channelsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("status_detail", detail),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": id,
			"status":     status,
		}).Error("failed to update channel status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update channel status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update channel status")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "channel %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id": id,
		"status":     status,
	}).Debugf("Updated %s status", channelsTable)
	return nil
}

// UpdateIdentity records the bound account identity reported by the gateway
// once a channel is connected.
func (r *ChannelRepository) UpdateIdentity(ctx context.Context, id uuid.UUID, phone, displayName, profilePicURL *string) error {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.UpdateIdentity")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(channelsTable).
		Set(
			ub.Assign("phone", phone),
			ub.Assign("display_name", displayName),
			ub.Assign("profile_pic_url", profilePicURL),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": id,
		}).Error("failed to update channel identity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update channel identity")
	}

	return nil
}

// Delete deletes a channel by ID
func (r *ChannelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(channelsTable).
		Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": id,
		}).Error("failed to delete channel")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete channel")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete channel")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "channel %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id": id,
	}).Debugf("Deleted %s", channelsTable)
	return nil
}

// DeleteByTenantID deletes all channels for a tenant (for testing cleanup)
func (r *ChannelRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ChannelRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(channelsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete channels by tenant")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete channels by tenant")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
