package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/internal/handlers"
	"github.com/petalcrm/sundew/pkg/ingest"
	"github.com/petalcrm/sundew/pkg/logstream"
	"github.com/petalcrm/sundew/pkg/middleware"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeChannelRepo struct {
	repositories.ChannelRepo
	channel *models.Channel
}

func (r *fakeChannelRepo) GetBySecret(ctx context.Context, tenantID uuid.UUID, secret string) (*models.Channel, error) {
	if r.channel != nil && r.channel.TenantID == tenantID && r.channel.WebhookSecret == secret {
		return r.channel, nil
	}
	return nil, httperror.NewHTTPError(http.StatusUnauthorized, "unknown webhook secret")
}

func (r *fakeChannelRepo) FindBySecret(ctx context.Context, secret string) (*models.Channel, error) {
	if r.channel != nil && r.channel.WebhookSecret == secret {
		return r.channel, nil
	}
	return nil, httperror.NewHTTPError(http.StatusUnauthorized, "unknown webhook secret")
}

type fakeEventRepo struct {
	repositories.InboundEventRepo
	mu     sync.Mutex
	events []*models.InboundEvent
}

func (r *fakeEventRepo) Append(ctx context.Context, event *models.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type captureReconciler struct{}

func (captureReconciler) ReconcileMessage(ctx context.Context, channel *models.Channel, message *models.Message, created bool) error {
	return nil
}

type captureMessageRepo struct {
	repositories.MessageRepo
	mu       sync.Mutex
	messages []*models.Message
}

func (r *captureMessageRepo) Upsert(ctx context.Context, message *models.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return true, nil
}

type webhookFixture struct {
	e        *echo.Echo
	channel  *models.Channel
	events   *fakeEventRepo
	messages *captureMessageRepo
	pipeline *ingest.Pipeline
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	channel := &models.Channel{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Name:          "whatsapp-main",
		WebhookSecret: "topsecret",
	}

	events := &fakeEventRepo{}
	messages := &captureMessageRepo{}
	recorder := logstream.NewRecorder(events, nil, testLogger())
	pipeline := ingest.NewPipeline(ingest.NewNormalizer(testLogger()),
		ingest.NewWriter(messages, testLogger()), captureReconciler{}, nil, 16, testLogger())
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() { pipeline.Stop(context.Background()) }) //nolint:errcheck

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(testLogger())
	handlers.NewWebhookHandler(&fakeChannelRepo{channel: channel}, recorder, pipeline, testLogger()).
		RegisterRoutes(e.Group(""))

	return &webhookFixture{e: e, channel: channel, events: events, messages: messages, pipeline: pipeline}
}

func (f *webhookFixture) post(body, secret string) *httptest.ResponseRecorder {
	target := "/webhooks/" + f.channel.TenantID.String()
	if secret != "" {
		target += "?secret=" + secret
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_Verify(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/"+f.channel.TenantID.String()+"?secret=topsecret", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestWebhook_VerifyRequiresSecret(t *testing.T) {
	f := newWebhookFixture(t)

	for _, target := range []string{
		"/webhooks/" + f.channel.TenantID.String(),
		"/webhooks/" + f.channel.TenantID.String() + "?secret=wrong",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestWebhook_AcceptsDelivery(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.post(`{"from": "5511999887766", "message": "hello", "id": "MSG-1"}`, "topsecret")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	f.events.mu.Lock()
	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	f.events.mu.Unlock()

	assert.Equal(t, models.EventOK, event.Status)
	assert.Equal(t, models.EventTransportWebhook, event.Transport)
	assert.Equal(t, "whatsapp-main", event.Source)
	assert.Equal(t, []string{"from", "id", "message"}, event.PayloadKeys.GetValue())

	// The payload flows through the pipeline to the message store
	require.Eventually(t, func() bool {
		f.messages.mu.Lock()
		defer f.messages.mu.Unlock()
		return len(f.messages.messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhook_BearerSecret(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+f.channel.TenantID.String(),
		strings.NewReader(`{"from": "5511999887766"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer topsecret")
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_BearerSecretWithoutTenantInURL(t *testing.T) {
	f := newWebhookFixture(t)

	// Some gateways cannot template the tenant into the URL; the secret
	// alone identifies the channel and its tenant.
	req := httptest.NewRequest(http.MethodPost, "/webhooks",
		strings.NewReader(`{"from": "5511999887766", "message": "hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer topsecret")
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	f.events.mu.Lock()
	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	f.events.mu.Unlock()
	assert.Equal(t, f.channel.TenantID, event.TenantID)

	// Verify probes work on the bare route too
	probe := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	probe.Header.Set(echo.HeaderAuthorization, "Bearer topsecret")
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, probe)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Without credentials the bare route stays closed
	anon := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, anon)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	f := newWebhookFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.post(`{}`, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, f.post(`{}`, "").Code)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Empty(t, f.events.events, "unauthenticated deliveries are not recorded")
}

func TestWebhook_MalformedBodyStillRecorded(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.post(`{not json at all`, "topsecret")

	// Never a failure status the gateway would retry or disable on
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected")

	f.events.mu.Lock()
	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	f.events.mu.Unlock()

	assert.Equal(t, models.EventError, event.Status)
	require.NotNil(t, event.ErrorMessage)
	assert.Equal(t, "{not json at all", event.Payload.GetValue()["raw"])
}

func TestWebhook_InvalidTenantID(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/not-a-uuid?secret=topsecret",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
