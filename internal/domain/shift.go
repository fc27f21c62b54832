package domain

import (
	"sort"
	"time"
)

// Shift is a scheduled volunteer slot ("dienst") for one team.
type Shift struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	TeamID     string    `json:"team_id"`
	Name       string    `json:"name"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Location   string    `json:"location,omitempty"`
	Volunteers []string  `json:"volunteers,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MergeShifts deduplicates by ID with most-recently-updated wins and
// returns the result ordered by start time.
func MergeShifts(batches ...[]Shift) []Shift {
	byID := make(map[string]Shift)
	for _, batch := range batches {
		for _, s := range batch {
			if existing, ok := byID[s.ID]; ok && !s.UpdatedAt.After(existing.UpdatedAt) {
				continue
			}
			byID[s.ID] = s
		}
	}
	out := make([]Shift, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out
}
