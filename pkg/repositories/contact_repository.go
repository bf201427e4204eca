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

const contactsTable = "contacts"

var contactStruct = database.NewStruct(new(models.Contact))

// ContactRepository handles database operations for contacts
type ContactRepository struct {
	*Repository
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db database.DB, logger ectologger.Logger) *ContactRepository {
	return &ContactRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new contact
func (r *ContactRepository) Create(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	contact.TenantID = tenantID

	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(contactsTable).
		Cols("id", "tenant_id", "phone", "name", "profile_pic_url", "origin_source",
			"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
			"tracking", "lead_id", "last_message_at", "created_at", "updated_at").
		Values(contact.ID, contact.TenantID, contact.Phone, contact.Name, contact.ProfilePicURL,
			contact.OriginSource, contact.UTMSource, contact.UTMMedium, contact.UTMCampaign,
			contact.UTMContent, contact.UTMTerm, contact.Tracking, contact.LeadID,
			contact.LastMessageAt, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&contact.CreatedAt, &contact.UpdatedAt)
	if isUniqueViolation(err) {
		return httperror.NewHTTPErrorf(http.StatusConflict, "contact with phone '%s' already exists", contact.Phone)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contact.ID,
		}).Error("failed to create contact")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id": contact.ID,
	}).Debugf("Created %s", contactsTable)
	return nil
}

// GetByID retrieves a contact by ID (tenant-scoped)
func (r *ContactRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := contactStruct.SelectFrom(contactsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var contact models.Contact
	err = r.DB().GetContext(ctx, &contact, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": id,
		}).Error("failed to get contact by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact by ID")
	}

	return &contact, nil
}

// GetByPhone retrieves a contact by phone (tenant-scoped)
func (r *ContactRepository) GetByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.GetByPhone")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := contactStruct.SelectFrom(contactsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("phone", phone))

	query, args := sb.Build()
	var contact models.Contact
	err = r.DB().GetContext(ctx, &contact, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact with phone '%s' does not exist", phone)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"phone": phone,
		}).Error("failed to get contact by phone")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact by phone")
	}

	return &contact, nil
}

// List retrieves all contacts for the current tenant
func (r *ContactRepository) List(ctx context.Context) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := contactStruct.SelectFrom(contactsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("updated_at").Desc()

	query, args := sb.Build()
	var contacts []models.Contact
	err = r.DB().SelectContext(ctx, &contacts, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list contacts")
	}

	return contacts, nil
}

// Update persists a reconciled contact. All mutable columns are written;
// callers are responsible for merging per the attribution rules first.
func (r *ContactRepository) Update(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.Update")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(contactsTable).
		Set(
			ub.Assign("name", contact.Name),
			ub.Assign("profile_pic_url", contact.ProfilePicURL),
			ub.Assign("origin_source", contact.OriginSource),
			ub.Assign("utm_source", contact.UTMSource),
			ub.Assign("utm_medium", contact.UTMMedium),
			ub.Assign("utm_campaign", contact.UTMCampaign),
			ub.Assign("utm_content", contact.UTMContent),
			ub.Assign("utm_term", contact.UTMTerm),
			ub.Assign("tracking", contact.Tracking),
			ub.Assign("lead_id", contact.LeadID),
			ub.Assign("last_message_at", contact.LastMessageAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", contact.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&contact.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s does not exist", contact.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contact.ID,
		}).Error("failed to update contact")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
	}

	return nil
}

// DeleteByTenantID deletes all contacts for a tenant (for testing cleanup)
func (r *ContactRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(contactsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete contacts by tenant")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete contacts by tenant")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
