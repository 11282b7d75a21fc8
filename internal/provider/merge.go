package provider

import (
	"sort"

	"github.com/nhle/mailhub/internal/model"
)

// batch is the message sequence one provider returned.
type batch struct {
	displayName string
	messages    []model.Message
}

// mergeMessages tags every message with its provider's display name and
// returns them newest first, truncated to limit when limit > 0. Equal dates
// are ordered by provider id then message id, so the result does not depend
// on the order batches arrive in. Inputs are not modified.
func mergeMessages(batches []batch, limit int) []model.Message {
	n := 0
	for _, b := range batches {
		n += len(b.messages)
	}

	merged := make([]model.Message, 0, n)
	for _, b := range batches {
		for _, m := range b.messages {
			m.ProviderName = b.displayName
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
