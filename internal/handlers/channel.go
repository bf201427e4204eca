package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/petalcrm/sundew/pkg/connection"
	"github.com/petalcrm/sundew/pkg/gateway"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/stream"
)

// ChannelHandler handles channel-related API requests
type ChannelHandler struct {
	channels   repositories.ChannelRepo
	pairings   repositories.PairingSessionRepo
	events     repositories.InboundEventRepo
	connection *connection.Manager
	streams    *stream.Manager
}

// NewChannelHandler creates a new channel handler
func NewChannelHandler(
	channels repositories.ChannelRepo,
	pairings repositories.PairingSessionRepo,
	events repositories.InboundEventRepo,
	conn *connection.Manager,
	streams *stream.Manager,
) *ChannelHandler {
	return &ChannelHandler{
		channels:   channels,
		pairings:   pairings,
		events:     events,
		connection: conn,
		streams:    streams,
	}
}

// CreateChannelRequest is the request body for creating a channel
type CreateChannelRequest struct {
	Name      string `json:"name" validate:"required"`
	Instance  string `json:"instance" validate:"required"`
	Token     string `json:"token" validate:"required"`
	Transport string `json:"transport,omitempty"`
}

// UpdateChannelRequest is the request body for updating a channel
type UpdateChannelRequest struct {
	Name      *string `json:"name,omitempty"`
	Instance  *string `json:"instance,omitempty"`
	Token     *string `json:"token,omitempty"`
	Transport *string `json:"transport,omitempty"`
}

// ChannelResponse wraps a channel with its webhook secret. Only returned on
// create, where the caller needs the secret to configure external senders.
type ChannelResponse struct {
	*models.Channel
	WebhookSecret string `json:"webhook_secret"`
}

// RegisterRoutes registers the channel routes
func (h *ChannelHandler) RegisterRoutes(g *echo.Group) {
	channels := g.Group("/channels")
	channels.POST("", h.Create)
	channels.GET("", h.List)
	channels.GET("/:id", h.Get)
	channels.PUT("/:id", h.Update)
	channels.DELETE("/:id", h.Delete)
	channels.POST("/:id/connect", h.Connect)
	channels.POST("/:id/disconnect", h.Disconnect)
	channels.GET("/:id/pairing", h.Pairing)
}

// Create handles POST /channels
func (h *ChannelHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req CreateChannelRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	transport := models.TransportPush
	if req.Transport != "" {
		transport, err = parseTransport(req.Transport)
		if err != nil {
			return err
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return err
	}

	channel := &models.Channel{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Name:          req.Name,
		Instance:      req.Instance,
		Token:         req.Token,
		WebhookSecret: secret,
		Transport:     transport,
		Status:        models.ChannelDisconnected,
	}

	if err := h.channels.Create(ctx, channel); err != nil {
		return err
	}

	return CreatedResponse(c, &ChannelResponse{Channel: channel, WebhookSecret: secret})
}

// List handles GET /channels
func (h *ChannelHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	channels, err := h.channels.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, channels)
}

// Get handles GET /channels/:id
func (h *ChannelHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	channel, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, channel)
}

// Update handles PUT /channels/:id
func (h *ChannelHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	existing, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var req UpdateChannelRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.Name != nil {
		if *req.Name == "" {
			return BadRequest("name cannot be empty")
		}
		existing.Name = *req.Name
	}
	if req.Instance != nil {
		existing.Instance = *req.Instance
	}
	if req.Token != nil {
		existing.Token = *req.Token
	}
	if req.Transport != nil {
		transport, err := parseTransport(*req.Transport)
		if err != nil {
			return err
		}
		existing.Transport = transport
	}

	if err := h.channels.Update(ctx, existing); err != nil {
		return err
	}

	return SuccessResponse(c, existing)
}

// Delete handles DELETE /channels/:id. The channel's audit events are soft
// deleted alongside it; stored messages are retained.
func (h *ChannelHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	channel, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return err
	}

	h.connection.Teardown(ctx, channel.ID)
	h.streams.Stop(ctx, channel.ID)

	if _, err := h.events.SoftDeleteByChannel(ctx, channel.ID); err != nil {
		return err
	}

	if err := h.channels.Delete(ctx, channel.ID); err != nil {
		return err
	}

	return NoContentResponse(c)
}

// Connect handles POST /channels/:id/connect
func (h *ChannelHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	result, err := h.connection.Connect(ctx, id)
	if err != nil {
		return mapConnectError(err)
	}

	return SuccessResponse(c, result)
}

// Disconnect handles POST /channels/:id/disconnect
func (h *ChannelHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.connection.Disconnect(ctx, id); err != nil {
		return mapConnectError(err)
	}

	return NoContentResponse(c)
}

// Pairing handles GET /channels/:id/pairing. Returns the latest pending
// pairing session so a client can render the QR code.
func (h *ChannelHandler) Pairing(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if _, err := h.channels.GetByID(ctx, id); err != nil {
		return err
	}

	pairing, err := h.pairings.GetPending(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, pairing)
}

func parseTransport(s string) (models.TransportPreference, error) {
	switch models.TransportPreference(s) {
	case models.TransportPush, models.TransportStream, models.TransportBoth:
		return models.TransportPreference(s), nil
	default:
		return "", BadRequest("transport must be one of: push, stream, both")
	}
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to generate webhook secret")
	}
	return hex.EncodeToString(buf), nil
}

// mapConnectError translates connection and gateway failures into API errors
func mapConnectError(err error) error {
	switch {
	case errors.Is(err, connection.ErrAlreadyConnecting):
		return httperror.NewHTTPError(http.StatusConflict, "channel is already connecting")
	case gateway.IsConfigError(err):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case gateway.IsAuthError(err):
		return httperror.NewHTTPError(http.StatusBadGateway, "gateway rejected the channel credentials")
	default:
		var terr *gateway.TransportError
		if errors.As(err, &terr) {
			return httperror.NewHTTPError(http.StatusBadGateway, "gateway request failed")
		}
		return err
	}
}
