package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/connection"
	"github.com/petalcrm/sundew/pkg/gateway"
)

func TestEventCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	at := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)

	cursor, err := parseEventCursor(formatEventCursor(at, id))
	require.NoError(t, err)
	assert.True(t, cursor.ReceivedAt.Equal(at))
	assert.Equal(t, id, cursor.ID)
}

func TestParseEventCursor_Invalid(t *testing.T) {
	for _, raw := range []string{"", "no-comma", "2025-06-01T12:00:00Z,not-a-uuid", "bad-time," + uuid.NewString()} {
		_, err := parseEventCursor(raw)
		require.Error(t, err, "cursor %q", raw)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	}
}

func TestMapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"already connecting", connection.ErrAlreadyConnecting, http.StatusConflict},
		{"missing token", &gateway.ConfigError{Message: "no token"}, http.StatusBadRequest},
		{"bad credentials", &gateway.AuthError{Message: "rejected"}, http.StatusBadGateway},
		{"gateway down", &gateway.TransportError{Op: "pair", Err: errors.New("refused")}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapConnectError(tt.err)
			require.True(t, httperror.IsHTTPError(err))
			assert.Equal(t, tt.expected, httperror.GetStatusCode(err))
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		cause := errors.New("database down")
		assert.Equal(t, cause, mapConnectError(cause))
	})
}
