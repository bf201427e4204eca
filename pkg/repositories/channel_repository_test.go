package repositories_test

import (
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
)

func TestChannelRepository_CRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewChannelRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	channel := &models.Channel{
		Name:          "sales-line",
		Instance:      "main-01",
		Token:         "gateway-token",
		WebhookSecret: "super-secret",
		Transport:     models.TransportPush,
		Status:        models.ChannelDisconnected,
	}

	// Test Create
	err := repo.Create(ctx, channel)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, channel.ID)
	assert.Equal(t, tenantID, channel.TenantID)
	assert.False(t, channel.CreatedAt.IsZero())

	// Duplicate name within the tenant conflicts
	dup := &models.Channel{
		Name:          "sales-line",
		Instance:      "main-02",
		Token:         "other-token",
		WebhookSecret: "other-secret",
		Transport:     models.TransportPush,
		Status:        models.ChannelDisconnected,
	}
	err = repo.Create(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	// Test GetByID
	found, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "sales-line", found.Name)
	assert.Equal(t, "main-01", found.Instance)
	assert.Equal(t, models.ChannelDisconnected, found.Status)

	// Test GetByName
	found, err = repo.GetByName(ctx, "sales-line")
	require.NoError(t, err)
	assert.Equal(t, channel.ID, found.ID)

	// Test Update
	found.Name = "support-line"
	found.Transport = models.TransportBoth
	err = repo.Update(ctx, found)
	require.NoError(t, err)

	updated, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "support-line", updated.Name)
	assert.Equal(t, models.TransportBoth, updated.Transport)

	// Test UpdateStatus
	err = repo.UpdateStatus(ctx, channel.ID, models.ChannelError, strPtr("gateway timeout"))
	require.NoError(t, err)

	updated, err = repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelError, updated.Status)
	require.NotNil(t, updated.StatusDetail)
	assert.Equal(t, "gateway timeout", *updated.StatusDetail)

	// Test UpdateIdentity
	err = repo.UpdateIdentity(ctx, channel.ID, strPtr("5511999887766"), strPtr("Sales"), nil)
	require.NoError(t, err)

	updated, err = repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.Phone)
	assert.Equal(t, "5511999887766", *updated.Phone)

	// Test List
	channels, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	// Test tenant isolation - different tenant shouldn't see this channel
	otherTenantCtx := getTestContext(uuid.New())
	_, err = repo.GetByID(otherTenantCtx, channel.ID)
	assertNotFound(t, err)

	// Test Delete
	err = repo.Delete(ctx, channel.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, channel.ID)
	assertNotFound(t, err)
}

func TestChannelRepository_GetBySecret(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewChannelRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	channel := &models.Channel{
		Name:          "hooked",
		Instance:      "main-01",
		Token:         "gateway-token",
		WebhookSecret: "delivery-secret",
		Transport:     models.TransportPush,
		Status:        models.ChannelDisconnected,
	}
	require.NoError(t, repo.Create(ctx, channel))

	found, err := repo.GetBySecret(ctx, tenantID, "delivery-secret")
	require.NoError(t, err)
	assert.Equal(t, channel.ID, found.ID)

	// Wrong secret and wrong tenant both read as bad credentials
	_, err = repo.GetBySecret(ctx, tenantID, "wrong-secret")
	assertUnauthorized(t, err)

	_, err = repo.GetBySecret(ctx, uuid.New(), "delivery-secret")
	assertUnauthorized(t, err)
}

func TestChannelRepository_FindBySecret(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewChannelRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	secret := uuid.NewString()
	channel := &models.Channel{
		Name:          "bearer-only",
		Instance:      "main-01",
		Token:         "gateway-token",
		WebhookSecret: secret,
		Transport:     models.TransportPush,
		Status:        models.ChannelDisconnected,
	}
	require.NoError(t, repo.Create(ctx, channel))

	// The secret alone identifies the tenant
	found, err := repo.FindBySecret(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, channel.ID, found.ID)
	assert.Equal(t, tenantID, found.TenantID)

	_, err = repo.FindBySecret(ctx, "no-such-secret")
	assertUnauthorized(t, err)
}

func TestChannelRepository_ListStreaming(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewChannelRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	t.Cleanup(func() {
		_, _ = repo.DeleteByTenantID(ctx, tenantID)
	})

	transports := []models.TransportPreference{models.TransportPush, models.TransportStream, models.TransportBoth}
	for i, transport := range transports {
		channel := &models.Channel{
			Name:          "channel-" + string(rune('a'+i)),
			Instance:      "main-01",
			Token:         "gateway-token",
			WebhookSecret: uuid.NewString(),
			Transport:     transport,
			Status:        models.ChannelDisconnected,
		}
		require.NoError(t, repo.Create(ctx, channel))
		require.NoError(t, repo.UpdateStatus(ctx, channel.ID, models.ChannelConnected, nil))
	}

	// ListStreaming crosses tenants, so only count our own rows
	streaming, err := repo.ListStreaming(ctx)
	require.NoError(t, err)

	var mine []models.Channel
	for _, channel := range streaming {
		if channel.TenantID == tenantID {
			mine = append(mine, channel)
		}
	}
	require.Len(t, mine, 2)
	for _, channel := range mine {
		assert.True(t, channel.Transport.UsesStream())
	}
}

func TestChannelRepository_TenantRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewChannelRepository(db, getTestLogger())

	// Context without a tenant is rejected
	_, err := repo.GetByID(t.Context(), uuid.New())
	assertUnauthorized(t, err)

	err = repo.Create(t.Context(), &models.Channel{Name: "orphan"})
	assertUnauthorized(t, err)
}
