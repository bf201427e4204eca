package main

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/logstream"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeEventRepo struct {
	repositories.InboundEventRepo
	appended []*models.InboundEvent
}

func (r *fakeEventRepo) Append(ctx context.Context, event *models.InboundEvent) error {
	r.appended = append(r.appended, event)
	return nil
}

type fakeChannelRepo struct {
	repositories.ChannelRepo
	statusUpdates int
}

func (r *fakeChannelRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ChannelStatus, detail *string) error {
	r.statusUpdates++
	return nil
}

func TestStreamHandlers_UnavailableLeavesChannelAlone(t *testing.T) {
	channels := &fakeChannelRepo{}
	events := &fakeEventRepo{}
	recorder := logstream.NewRecorder(events, nil, testLogger())

	handlers := newStreamHandlers(channels, nil, recorder, nil, testLogger())

	channel := &models.Channel{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "whatsapp-main",
		Status:   models.ChannelConnected,
	}
	handlers.OnUnavailable(context.Background(), channel, errors.New("dial tcp: connection refused"))

	// The channel keeps its status; only an audit event marks the outage.
	assert.Zero(t, channels.statusUpdates)

	require.Len(t, events.appended, 1)
	event := events.appended[0]
	assert.Equal(t, models.EventError, event.Status)
	assert.Equal(t, models.EventTransportStream, event.Transport)
	assert.Equal(t, channel.TenantID, event.TenantID)
	require.NotNil(t, event.ChannelID)
	assert.Equal(t, channel.ID, *event.ChannelID)
	require.NotNil(t, event.ErrorMessage)
	assert.Contains(t, *event.ErrorMessage, "connection refused")
}
