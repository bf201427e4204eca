package reconcile

import (
	"reflect"

	"github.com/petalcrm/sundew/pkg/models"
)

// mergeAttribution folds incoming attribution into an existing contact
// without ever clobbering first-touch data:
//
//   - origin_source is set once and never overwritten
//   - UTM subfields are backfilled individually where null
//   - tracking ad_details keeps the first captured ad; later differing ads
//     are appended to ad_details_history
//
// Returns true when anything changed.
func mergeAttribution(existing, incoming *models.Contact) bool {
	changed := false

	if existing.OriginSource == nil && incoming.OriginSource != nil {
		existing.OriginSource = incoming.OriginSource
		changed = true
	}

	utmPairs := []struct {
		dst **string
		src *string
	}{
		{&existing.UTMSource, incoming.UTMSource},
		{&existing.UTMMedium, incoming.UTMMedium},
		{&existing.UTMCampaign, incoming.UTMCampaign},
		{&existing.UTMContent, incoming.UTMContent},
		{&existing.UTMTerm, incoming.UTMTerm},
	}
	for _, pair := range utmPairs {
		if *pair.dst == nil && pair.src != nil {
			*pair.dst = pair.src
			changed = true
		}
	}

	if merged, trackingChanged := mergeTracking(existing.Tracking.GetValue(), incoming.Tracking.GetValue()); trackingChanged {
		existing.Tracking = models.NewTracking(merged)
		changed = true
	}

	return changed
}

// mergeTracking merges a tracking payload preserving the first ad_details.
// Unknown keys are backfilled only.
func mergeTracking(existing, incoming models.Tracking) (models.Tracking, bool) {
	if len(incoming) == 0 {
		return existing, false
	}
	if len(existing) == 0 {
		return incoming, true
	}

	changed := false
	merged := make(models.Tracking, len(existing))
	for key, value := range existing {
		merged[key] = value
	}

	for key, value := range incoming {
		if key == "ad_details" || key == "ad_details_history" {
			continue
		}
		if _, ok := merged[key]; !ok {
			merged[key] = value
			changed = true
		}
	}

	if incomingAd, ok := incoming.AdDetails(); ok {
		existingAd, hasExisting := merged.AdDetails()
		switch {
		case !hasExisting:
			merged["ad_details"] = incomingAd
			changed = true
		case !reflect.DeepEqual(existingAd, incomingAd):
			history := merged.AdDetailsHistory()
			if !containsAd(history, incomingAd) {
				merged["ad_details_history"] = append(history, incomingAd)
				changed = true
			}
		}
	}

	return merged, changed
}

func containsAd(history []any, ad map[string]any) bool {
	for _, entry := range history {
		if reflect.DeepEqual(entry, ad) {
			return true
		}
	}
	return false
}

// mergeDisplay refreshes mutable display fields with the latest values.
// Later messages win, but a missing value never erases a known one.
func mergeDisplay(existing, incoming *models.Contact) bool {
	changed := false

	if incoming.Name != nil && (existing.Name == nil || *existing.Name != *incoming.Name) {
		existing.Name = incoming.Name
		changed = true
	}
	if incoming.ProfilePicURL != nil && (existing.ProfilePicURL == nil || *existing.ProfilePicURL != *incoming.ProfilePicURL) {
		existing.ProfilePicURL = incoming.ProfilePicURL
		changed = true
	}
	if incoming.LastMessageAt != nil &&
		(existing.LastMessageAt == nil || incoming.LastMessageAt.After(*existing.LastMessageAt)) {
		existing.LastMessageAt = incoming.LastMessageAt
		changed = true
	}

	return changed
}
