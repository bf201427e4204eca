package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/reconcile"
	"github.com/petalcrm/sundew/pkg/repositories"
)

// ContactHandler handles contact-related API requests
type ContactHandler struct {
	contacts repositories.ContactRepo
	engine   *reconcile.Engine
}

// NewContactHandler creates a new contact handler
func NewContactHandler(contacts repositories.ContactRepo, engine *reconcile.Engine) *ContactHandler {
	return &ContactHandler{
		contacts: contacts,
		engine:   engine,
	}
}

// ImportContactRequest is the request body for importing a contact
type ImportContactRequest struct {
	Phone       string          `json:"phone" validate:"required"`
	Name        *string         `json:"name,omitempty"`
	Source      *string         `json:"source,omitempty"`
	UTMSource   *string         `json:"utm_source,omitempty"`
	UTMMedium   *string         `json:"utm_medium,omitempty"`
	UTMCampaign *string         `json:"utm_campaign,omitempty"`
	UTMContent  *string         `json:"utm_content,omitempty"`
	UTMTerm     *string         `json:"utm_term,omitempty"`
	Tracking    models.Tracking `json:"tracking,omitempty"`
}

// RegisterRoutes registers the contact routes
func (h *ContactHandler) RegisterRoutes(g *echo.Group) {
	contacts := g.Group("/contacts")
	contacts.GET("", h.List)
	contacts.GET("/:id", h.Get)
	contacts.POST("/import", h.Import)
}

// List handles GET /contacts
func (h *ContactHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	contacts, err := h.contacts.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, contacts)
}

// Get handles GET /contacts/:id
func (h *ContactHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	contact, err := h.contacts.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, contact)
}

// Import handles POST /contacts/import. Importing an existing phone merges
// under the same attribution rules as message ingestion.
func (h *ContactHandler) Import(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req ImportContactRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	incoming := &models.Contact{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Phone:        req.Phone,
		Name:         req.Name,
		OriginSource: req.Source,
		UTMSource:    req.UTMSource,
		UTMMedium:    req.UTMMedium,
		UTMCampaign:  req.UTMCampaign,
		UTMContent:   req.UTMContent,
		UTMTerm:      req.UTMTerm,
	}
	if req.Tracking != nil {
		incoming.Tracking = models.NewTracking(req.Tracking)
	}

	contact, created, err := h.engine.Import(ctx, incoming)
	if err != nil {
		return err
	}

	if created {
		return CreatedResponse(c, contact)
	}
	return SuccessResponse(c, contact)
}
