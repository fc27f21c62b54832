package enroll

import (
	"errors"
	"slices"

	"github.com/kantinekoning/agent/internal/domain"
)

// ErrTeamCapExceeded rejects a reconciliation that would push the total
// tracked (tenant, team) pairs past domain.MaxFollowedTeams. The input
// collection is never mutated on rejection.
var ErrTeamCapExceeded = errors.New("enroll: followed team cap exceeded")

// Reconcile merges a newly registered enrollment into the current collection
// and returns a new conflict-free collection.
//
// Manager candidates take the teams they claim away from any existing
// same-tenant record; a re-registration by the same manager (matching email)
// replaces the old record wholesale. Member candidates yield instead: teams
// already tracked by any same-tenant record are stripped from the candidate,
// so a member never displaces an existing claim. Records whose team list
// empties out are dropped. A candidate left with no teams is a no-op and
// bypasses the cap check.
func Reconcile(existing []domain.Enrollment, candidate domain.Enrollment) ([]domain.Enrollment, error) {
	candidate = candidate.Clone()
	// Backend responses and confirmation payloads may repeat a team; each
	// pair must count once against the cap.
	candidate.TeamIDs = dedupeTeams(candidate.TeamIDs)

	kept := make([]domain.Enrollment, 0, len(existing)+1)
	for _, e := range existing {
		if e.TenantID != candidate.TenantID {
			kept = append(kept, e.Clone())
			continue
		}
		if candidate.IsManager() {
			if e.Email != "" && candidate.Email != "" && e.Email == candidate.Email {
				// Same manager re-registering: full replacement, drop the old record.
				continue
			}
			survivor := e.Clone()
			survivor.TeamIDs = slices.DeleteFunc(survivor.TeamIDs, candidate.HasTeam)
			if survivor.TeamCount() == 0 {
				continue
			}
			kept = append(kept, survivor)
			continue
		}
		// Member candidate: existing claims of either role win.
		kept = append(kept, e.Clone())
		candidate.TeamIDs = slices.DeleteFunc(candidate.TeamIDs, e.HasTeam)
	}

	if candidate.TeamCount() == 0 {
		return kept, nil
	}

	if domain.TotalPairs(kept)+candidate.TeamCount() > domain.MaxFollowedTeams {
		return nil, ErrTeamCapExceeded
	}

	for i, e := range kept {
		if e.SameIdentity(candidate) {
			kept[i] = candidate
			return kept, nil
		}
	}
	return append(kept, candidate), nil
}

func dedupeTeams(teams []string) []string {
	seen := make(map[string]struct{}, len(teams))
	out := teams[:0]
	for _, team := range teams {
		if _, ok := seen[team]; ok {
			continue
		}
		seen[team] = struct{}{}
		out = append(out, team)
	}
	return out
}
