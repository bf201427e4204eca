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

	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

const pairingSessionsTable = "pairing_sessions"

var pairingSessionStruct = database.NewStruct(new(models.PairingSession))

// PairingSessionRepository handles database operations for QR pairing sessions
type PairingSessionRepository struct {
	*Repository
}

// NewPairingSessionRepository creates a new pairing session repository
func NewPairingSessionRepository(db database.DB, logger ectologger.Logger) *PairingSessionRepository {
	return &PairingSessionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new pending session after superseding any session that
// is still pending for the channel. The two statements run in one
// transaction so the at-most-one-pending invariant holds.
func (r *PairingSessionRepository) Create(ctx context.Context, session *models.PairingSession) error {
	ctx, span := tracing.StartSpan(ctx, "PairingSessionRepository.Create")
	defer span.End()

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.Outcome = models.PairingPending

	tx, err := r.DB().BeginTxx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to begin pairing session transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create pairing session")
	}
	defer tx.Rollback() //nolint:errcheck

	ub := database.NewUpdateBuilder()
	ub.Update(pairingSessionsTable).
		Set(
			ub.Assign("outcome", models.PairingSuperseded),
			ub.Assign("resolved_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("channel_id", session.ChannelID), ub.Equal("outcome", models.PairingPending))

	query, args := ub.Build()
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": session.ChannelID,
		}).Error("failed to supersede pending pairing sessions")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create pairing session")
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(pairingSessionsTable).
		Cols("id", "tenant_id", "channel_id", "qr_code", "issued_at", "ttl_seconds", "outcome").
		Values(session.ID, session.TenantID, session.ChannelID, session.QRCode,
			sqlbuilder.Raw("NOW()"), session.TTLSeconds, session.Outcome).
		Returning("issued_at")

	query, args = ib.Build()
	if err = tx.QueryRowContext(ctx, query, args...).Scan(&session.IssuedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": session.ChannelID,
		}).Error("failed to create pairing session")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create pairing session")
	}

	if err = tx.Commit(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to commit pairing session transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create pairing session")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"session_id": session.ID,
		"channel_id": session.ChannelID,
	}).Debugf("Created %s", pairingSessionsTable)
	return nil
}

// GetPending retrieves the pending session for a channel, if any
func (r *PairingSessionRepository) GetPending(ctx context.Context, channelID uuid.UUID) (*models.PairingSession, error) {
	ctx, span := tracing.StartSpan(ctx, "PairingSessionRepository.GetPending")
	defer span.End()

	sb := pairingSessionStruct.SelectFrom(pairingSessionsTable)
	sb.Where(sb.Equal("channel_id", channelID), sb.Equal("outcome", models.PairingPending))
	sb.OrderBy("issued_at").Desc().Limit(1)

	query, args := sb.Build()
	var session models.PairingSession
	err := r.DB().GetContext(ctx, &session, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "channel %s has no pending pairing session", channelID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Error("failed to get pending pairing session")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get pending pairing session")
	}

	return &session, nil
}

// Resolve marks a session with its final outcome. Sessions that already
// resolved are left untouched.
func (r *PairingSessionRepository) Resolve(ctx context.Context, id uuid.UUID, outcome models.PairingOutcome) error {
	ctx, span := tracing.StartSpan(ctx, "PairingSessionRepository.Resolve")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(pairingSessionsTable).
		Set(
			ub.Assign("outcome", outcome),
			ub.Assign("resolved_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("outcome", models.PairingPending))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"session_id": id,
			"outcome":    outcome,
		}).Error("failed to resolve pairing session")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve pairing session")
	}

	return nil
}

// ResolvePendingForChannel resolves whatever session is still pending for a
// channel, used when the channel disconnects or is deleted.
func (r *PairingSessionRepository) ResolvePendingForChannel(ctx context.Context, channelID uuid.UUID, outcome models.PairingOutcome) error {
	ctx, span := tracing.StartSpan(ctx, "PairingSessionRepository.ResolvePendingForChannel")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(pairingSessionsTable).
		Set(
			ub.Assign("outcome", outcome),
			ub.Assign("resolved_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("channel_id", channelID), ub.Equal("outcome", models.PairingPending))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Error("failed to resolve pending pairing sessions")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve pending pairing sessions")
	}

	return nil
}

// DeleteByTenantID deletes all pairing sessions for a tenant (for testing cleanup)
func (r *PairingSessionRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "PairingSessionRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(pairingSessionsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete pairing sessions by tenant")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete pairing sessions by tenant")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
