package repositories_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
)

func TestMessageRepository_UpsertDeduplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewMessageRepository(db, getTestLogger())

	tenantID := uuid.New()
	channelID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	message := &models.Message{
		TenantID:   tenantID,
		ChannelID:  channelID,
		MessageID:  "WAMID.001",
		Sender:     "5511999887766",
		SenderName: strPtr("Maria"),
		Type:       "text",
		Body:       strPtr("hello"),
		SentAt:     time.Now().UTC().Truncate(time.Second),
	}

	created, err := repo.Upsert(ctx, message)
	require.NoError(t, err)
	assert.True(t, created)
	firstID := message.ID

	// Redelivery of the same gateway id is not a new row
	redelivery := &models.Message{
		TenantID:   tenantID,
		ChannelID:  channelID,
		MessageID:  "WAMID.001",
		Sender:     "5511999887766",
		SenderName: strPtr("Maria Silva"),
		Type:       "text",
		Body:       strPtr("something else entirely"),
		SentAt:     time.Now().UTC(),
	}
	created, err = repo.Upsert(ctx, redelivery)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstID, redelivery.ID)

	// Display fields refresh, identity fields keep their first value
	stored, err := repo.GetByMessageID(ctx, channelID, "WAMID.001")
	require.NoError(t, err)
	require.NotNil(t, stored.SenderName)
	assert.Equal(t, "Maria Silva", *stored.SenderName)
	require.NotNil(t, stored.Body)
	assert.Equal(t, "hello", *stored.Body)

	// Same gateway id on another channel is a distinct message
	other := &models.Message{
		TenantID:  tenantID,
		ChannelID: uuid.New(),
		MessageID: "WAMID.001",
		Sender:    "5511999887766",
		Type:      "text",
		SentAt:    time.Now().UTC(),
	}
	created, err = repo.Upsert(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, firstID, other.ID)
}

func TestMessageRepository_UpsertKeepsRefreshedValuesOnNull(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewMessageRepository(db, getTestLogger())

	tenantID := uuid.New()
	channelID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	message := &models.Message{
		TenantID:   tenantID,
		ChannelID:  channelID,
		MessageID:  "WAMID.002",
		Sender:     "5511999887766",
		SenderName: strPtr("Maria"),
		Type:       "text",
		SentAt:     time.Now().UTC(),
	}
	_, err := repo.Upsert(ctx, message)
	require.NoError(t, err)

	// A redelivery without a sender name does not erase the stored one
	bare := &models.Message{
		TenantID:  tenantID,
		ChannelID: channelID,
		MessageID: "WAMID.002",
		Sender:    "5511999887766",
		Type:      "text",
		SentAt:    time.Now().UTC(),
	}
	_, err = repo.Upsert(ctx, bare)
	require.NoError(t, err)

	stored, err := repo.GetByMessageID(ctx, channelID, "WAMID.002")
	require.NoError(t, err)
	require.NotNil(t, stored.SenderName)
	assert.Equal(t, "Maria", *stored.SenderName)
}

func TestMessageRepository_ListBySender(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewMessageRepository(db, getTestLogger())

	tenantID := uuid.New()
	channelID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		message := &models.Message{
			TenantID:  tenantID,
			ChannelID: channelID,
			MessageID: uuid.NewString(),
			Sender:    "5511999887766",
			Type:      "text",
			SentAt:    base.Add(time.Duration(i) * time.Minute),
		}
		_, err := repo.Upsert(ctx, message)
		require.NoError(t, err)
	}

	messages, err := repo.ListBySender(ctx, "5511999887766", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// Newest first
	assert.True(t, messages[0].SentAt.After(messages[1].SentAt))

	// Other tenants see nothing
	messages, err = repo.ListBySender(getTestContext(uuid.New()), "5511999887766", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, err = repo.GetByMessageID(ctx, channelID, "no-such-id")
	assertNotFound(t, err)
}
