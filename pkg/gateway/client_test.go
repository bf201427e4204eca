package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/httpclient"
	"github.com/petalcrm/sundew/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testClient(baseURL string) *Client {
	return NewClient(Config{BaseURL: baseURL},
		httpclient.NewClient(httpclient.DefaultConfig(), testLogger()), testLogger())
}

func testGatewayChannel() *models.Channel {
	return &models.Channel{
		Name:     "whatsapp-main",
		Instance: "main-01",
		Token:    "secret-token",
	}
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/main-01/status", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state": "open", "phone": "5511999887766"}`)) //nolint:errcheck
	}))
	defer server.Close()

	status, err := testClient(server.URL).Status(context.Background(), testGatewayChannel())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status.State)
	require.NotNil(t, status.Phone)
	assert.Equal(t, "5511999887766", *status.Phone)
}

func TestStatus_MissingToken(t *testing.T) {
	channel := testGatewayChannel()
	channel.Token = ""

	_, err := testClient("http://gateway.invalid").Status(context.Background(), channel)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestStatus_AuthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Status(context.Background(), testGatewayChannel())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestPair(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/main-01/qrcode", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": "QR-DATA", "ttl": 45}`)) //nolint:errcheck
	}))
	defer server.Close()

	code, err := testClient(server.URL).Pair(context.Background(), testGatewayChannel())
	require.NoError(t, err)
	assert.Equal(t, "QR-DATA", code.Code)
	assert.Equal(t, 45, code.TTLSeconds)
}

func TestPair_EmptyCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": ""}`)) //nolint:errcheck
	}))
	defer server.Close()

	_, err := testClient(server.URL).Pair(context.Background(), testGatewayChannel())
	require.Error(t, err)

	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestRegisterWebhook_FallsThroughVariants(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		// Only the legacy variant succeeds
		if r.URL.Path == "/webhook/set/main-01" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := testClient(server.URL).RegisterWebhook(context.Background(), testGatewayChannel(),
		"https://sundew.example/webhooks/t1?secret=s")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/instances/main-01/webhook",
		"/instances/main-01/webhook",
		"/webhook/set/main-01",
	}, paths)
}

func TestRegisterWebhook_AuthErrorAborts(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := testClient(server.URL).RegisterWebhook(context.Background(), testGatewayChannel(),
		"https://sundew.example/webhooks/t1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 1, calls, "auth failure must not retry other variants")
}

func TestStreamURLs(t *testing.T) {
	client := testClient("https://gateway.example")

	urls := client.StreamURLs(testGatewayChannel())
	assert.Equal(t, []string{
		"wss://gateway.example/instances/main-01/ws/events",
		"wss://gateway.example/instances/main-01/events",
	}, urls)
}
