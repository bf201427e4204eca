package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/petalcrm/sundew/pkg/logstream"
	"github.com/petalcrm/sundew/pkg/redis"
	"github.com/petalcrm/sundew/pkg/repositories"
)

const (
	// DefaultEventLimit is the page size when none is requested
	DefaultEventLimit = 50

	// MaxEventLimit caps the page size
	MaxEventLimit = 200
)

// EventHandler serves the inbound event feed
type EventHandler struct {
	events repositories.InboundEventRepo
	tailer *logstream.Tailer
}

// NewEventHandler creates a new event handler
func NewEventHandler(events repositories.InboundEventRepo, tailer *logstream.Tailer) *EventHandler {
	return &EventHandler{
		events: events,
		tailer: tailer,
	}
}

// EventPage is one page of the event feed with the cursor for the next page
type EventPage struct {
	Events []any   `json:"events"`
	Next   *string `json:"next,omitempty"`
}

// RegisterRoutes registers the event feed routes
func (h *EventHandler) RegisterRoutes(g *echo.Group) {
	events := g.Group("/events")
	events.GET("", h.List)
	events.GET("/tail", h.Tail)
}

// List handles GET /events. Pages newest first; pass the returned cursor as
// ?before= to continue.
func (h *EventHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	limit := DefaultEventLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return BadRequest("limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	var before *repositories.EventCursor
	if raw := c.QueryParam("before"); raw != "" {
		cursor, err := parseEventCursor(raw)
		if err != nil {
			return err
		}
		before = cursor
	}

	events, err := h.events.List(ctx, limit, before)
	if err != nil {
		return err
	}

	page := EventPage{Events: make([]any, 0, len(events))}
	for i := range events {
		page.Events = append(page.Events, &events[i])
	}
	if len(events) == limit {
		last := events[len(events)-1]
		next := formatEventCursor(last.ReceivedAt, last.ID)
		page.Next = &next
	}

	return SuccessResponse(c, page)
}

// Tail handles GET /events/tail, streaming new events over SSE as they
// arrive on the tenant's live feed
func (h *EventHandler) Tail(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	return h.tailer.Tail(ctx, tenantID.String(), func(entry redis.StreamEntry) error {
		data, err := json.Marshal(entry.Payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "id: %s\ndata: %s\n\n", entry.ID, data); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})
}

// parseEventCursor decodes a "<received_at>,<id>" cursor
func parseEventCursor(raw string) (*repositories.EventCursor, error) {
	ts, idStr, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, BadRequest("invalid cursor")
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, BadRequest("invalid cursor timestamp")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, BadRequest("invalid cursor id")
	}

	return &repositories.EventCursor{ReceivedAt: receivedAt, ID: id}, nil
}

func formatEventCursor(receivedAt time.Time, id uuid.UUID) string {
	return receivedAt.UTC().Format(time.RFC3339Nano) + "," + id.String()
}
