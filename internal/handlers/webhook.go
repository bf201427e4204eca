package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/petalcrm/sundew/pkg/database"
	"github.com/petalcrm/sundew/pkg/ingest"
	"github.com/petalcrm/sundew/pkg/logstream"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
)

// MaxWebhookBody caps how much of a delivery body is read
const MaxWebhookBody = 1 << 20

// WebhookHandler receives push deliveries from messaging gateways. The
// routes are public; each delivery authenticates with the channel's webhook
// secret instead of a user token.
type WebhookHandler struct {
	channels repositories.ChannelRepo
	recorder *logstream.Recorder
	pipeline *ingest.Pipeline
	logger   ectologger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(
	channels repositories.ChannelRepo,
	recorder *logstream.Recorder,
	pipeline *ingest.Pipeline,
	logger ectologger.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		channels: channels,
		recorder: recorder,
		pipeline: pipeline,
		logger:   logger,
	}
}

// RegisterRoutes registers the webhook routes on a public group. The
// tenant-scoped form suits gateways that template the URL; the bare form
// suits gateways that only carry a bearer token, since the secret alone
// resolves the tenant.
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	webhooks := g.Group("/webhooks")
	webhooks.GET("", h.Verify)
	webhooks.POST("", h.Receive)
	webhooks.GET("/:tenant_id", h.Verify)
	webhooks.POST("/:tenant_id", h.Receive)
}

// authenticate resolves the delivery's channel from its credentials
func (h *WebhookHandler) authenticate(c echo.Context) (*models.Channel, error) {
	secret := webhookSecret(c)
	if secret == "" {
		return nil, Unauthorized("webhook secret required")
	}

	if c.Param("tenant_id") == "" {
		return h.channels.FindBySecret(c.Request().Context(), secret)
	}

	tenantID, err := ParseUUID(c, "tenant_id")
	if err != nil {
		return nil, err
	}
	return h.channels.GetBySecret(c.Request().Context(), tenantID, secret)
}

// Verify handles GET probes. Gateways hit the endpoint before registering
// it, with the same credentials deliveries will carry.
func (h *WebhookHandler) Verify(c echo.Context) error {
	if _, err := h.authenticate(c); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// Receive handles webhook deliveries. Every authenticated delivery is
// recorded, parseable or not; a malformed body is never an error the
// sender sees, since gateways retry or disable hooks on failure responses.
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	channel, err := h.authenticate(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxWebhookBody))
	if err != nil {
		return BadRequest("failed to read request body")
	}

	event := &models.InboundEvent{
		TenantID:  channel.TenantID,
		ChannelID: &channel.ID,
		Source:    channel.Name,
		Transport: models.EventTransportWebhook,
		Status:    models.EventOK,
		Preview:   logstream.Preview(body),
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		msg := "malformed JSON payload"
		event.Status = models.EventError
		event.ErrorMessage = &msg
		event.Payload = database.NewJSONB(map[string]any{"raw": string(body)})
		h.recorder.Record(ctx, event)
		return SuccessResponse(c, map[string]any{"status": "rejected"})
	}

	event.Payload = database.NewJSONB(payload)
	event.PayloadKeys = database.NewJSONB(ingest.TopLevelKeys(payload))
	h.recorder.Record(ctx, event)

	err = h.pipeline.Enqueue(ctx, ingest.Task{
		Channel:    channel,
		Payload:    payload,
		Transport:  models.EventTransportWebhook,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		// The delivery is already in the audit log; dropping it here is
		// recoverable, failing the webhook is not.
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Error("failed to enqueue webhook delivery")
		return SuccessResponse(c, map[string]any{"status": "dropped"})
	}

	return SuccessResponse(c, map[string]any{"status": "accepted"})
}

// webhookSecret pulls the delivery secret from the query string or a bearer
// token, whichever the gateway supports
func webhookSecret(c echo.Context) string {
	if secret := c.QueryParam("secret"); secret != "" {
		return secret
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
