package conversation

import (
	"sort"

	"e2ee_messenger/internal/model"
)

// Merge dedupes by message id, the later write of an id winning, and sorts
// ascending by creation time with the id as tie-breaker. Merging the same
// batch twice, or two batches in either order, gives the same log.
func Merge(existing, incoming []model.Message) []model.Message {
	byID := make(map[string]model.Message, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		byID[m.ID] = m
	}

	out := make([]model.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// added returns the incoming messages whose ids were not in existing.
func added(existing, incoming []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	var out []model.Message
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
