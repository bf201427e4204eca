package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestMergeAttribution_OriginSourceSetOnce(t *testing.T) {
	existing := &models.Contact{OriginSource: strPtr("paid-ads")}
	incoming := &models.Contact{OriginSource: strPtr("whatsapp-main")}

	changed := mergeAttribution(existing, incoming)

	assert.False(t, changed)
	assert.Equal(t, "paid-ads", *existing.OriginSource)
}

func TestMergeAttribution_OriginSourceBackfilled(t *testing.T) {
	existing := &models.Contact{}
	incoming := &models.Contact{OriginSource: strPtr("whatsapp-main")}

	changed := mergeAttribution(existing, incoming)

	assert.True(t, changed)
	assert.Equal(t, "whatsapp-main", *existing.OriginSource)
}

func TestMergeAttribution_UTMBackfillOnly(t *testing.T) {
	// A contact that arrived through an ad keeps its campaign fields when
	// later organic traffic has none, and gaps are filled individually.
	existing := &models.Contact{
		UTMSource:   strPtr("facebook"),
		UTMCampaign: strPtr("summer-sale"),
	}
	incoming := &models.Contact{
		UTMSource: strPtr("organic"),
		UTMMedium: strPtr("social"),
	}

	changed := mergeAttribution(existing, incoming)

	assert.True(t, changed)
	assert.Equal(t, "facebook", *existing.UTMSource)
	assert.Equal(t, "summer-sale", *existing.UTMCampaign)
	assert.Equal(t, "social", *existing.UTMMedium)
}

func TestMergeTracking_FirstAdWins(t *testing.T) {
	firstAd := map[string]any{"ad_id": "ad-1", "headline": "Buy now"}
	secondAd := map[string]any{"ad_id": "ad-2", "headline": "Last chance"}

	existing := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": firstAd})}
	incoming := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": secondAd})}

	changed := mergeAttribution(existing, incoming)
	require.True(t, changed)

	merged := existing.Tracking.GetValue()
	ad, ok := merged.AdDetails()
	require.True(t, ok)
	assert.Equal(t, "ad-1", ad["ad_id"])

	history := merged.AdDetailsHistory()
	require.Len(t, history, 1)
	assert.Equal(t, secondAd, history[0])
}

func TestMergeTracking_DuplicateAdNotAppendedTwice(t *testing.T) {
	firstAd := map[string]any{"ad_id": "ad-1"}
	secondAd := map[string]any{"ad_id": "ad-2"}

	existing := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": firstAd})}
	incoming := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": secondAd})}

	require.True(t, mergeAttribution(existing, incoming))
	// Replaying the same differing ad must not grow the history
	assert.False(t, mergeAttribution(existing, &models.Contact{
		Tracking: models.NewTracking(models.Tracking{"ad_details": secondAd}),
	}))

	history := existing.Tracking.GetValue().AdDetailsHistory()
	assert.Len(t, history, 1)
}

func TestMergeTracking_SameAdNoChange(t *testing.T) {
	ad := map[string]any{"ad_id": "ad-1"}
	existing := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": ad})}
	incoming := &models.Contact{Tracking: models.NewTracking(models.Tracking{"ad_details": map[string]any{"ad_id": "ad-1"}})}

	assert.False(t, mergeAttribution(existing, incoming))
}

func TestMergeTracking_UnknownKeysBackfilled(t *testing.T) {
	existing := &models.Contact{Tracking: models.NewTracking(models.Tracking{"referrer": "instagram"})}
	incoming := &models.Contact{Tracking: models.NewTracking(models.Tracking{
		"referrer": "tiktok",
		"click_id": "abc123",
	})}

	require.True(t, mergeAttribution(existing, incoming))

	merged := existing.Tracking.GetValue()
	assert.Equal(t, "instagram", merged["referrer"])
	assert.Equal(t, "abc123", merged["click_id"])
}

func TestMergeDisplay_LatestWinsButNeverErases(t *testing.T) {
	earlier := time.Unix(1700000000, 0).UTC()
	later := time.Unix(1700000100, 0).UTC()

	existing := &models.Contact{
		Name:          strPtr("Maria"),
		ProfilePicURL: strPtr("http://old.example/pic.jpg"),
		LastMessageAt: &earlier,
	}
	incoming := &models.Contact{
		Name:          strPtr("Maria Silva"),
		LastMessageAt: &later,
	}

	changed := mergeDisplay(existing, incoming)

	assert.True(t, changed)
	assert.Equal(t, "Maria Silva", *existing.Name)
	// Missing incoming picture keeps the stored one
	assert.Equal(t, "http://old.example/pic.jpg", *existing.ProfilePicURL)
	assert.Equal(t, later, *existing.LastMessageAt)
}

func TestMergeDisplay_OlderMessageDoesNotRewindLastSeen(t *testing.T) {
	earlier := time.Unix(1700000000, 0).UTC()
	later := time.Unix(1700000100, 0).UTC()

	existing := &models.Contact{LastMessageAt: &later}
	incoming := &models.Contact{LastMessageAt: &earlier}

	assert.False(t, mergeDisplay(existing, incoming))
	assert.Equal(t, later, *existing.LastMessageAt)
}
