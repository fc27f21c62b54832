package state

import (
	"slices"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/gateway"
)

// TenantStatus summarizes one enrollment for display.
type TenantStatus struct {
	TenantID          string   `json:"tenant_id"`
	TenantName        string   `json:"tenant_name"`
	Role              string   `json:"role"`
	Email             string   `json:"email,omitempty"`
	Teams             []string `json:"teams"`
	CredentialExpired bool     `json:"credential_expired"`
}

// Status is a read-only projection of the container state.
type Status struct {
	Phase      string         `json:"phase"`
	TotalPairs int            `json:"total_pairs"`
	MaxPairs   int            `json:"max_pairs"`
	Tenants    []TenantStatus `json:"tenants"`
}

// Status reports the current phase, cap usage and per-enrollment summary.
// Signed tokens that decode as JWTs surface their expiry; opaque tokens are
// assumed valid since only the backend can judge them.
func (c *Container) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Phase:      c.phase,
		TotalPairs: domain.TotalPairs(c.enrollments),
		MaxPairs:   domain.MaxFollowedTeams,
		Tenants:    make([]TenantStatus, 0, len(c.enrollments)),
	}
	for _, e := range c.enrollments {
		ts := TenantStatus{
			TenantID:   e.TenantID,
			TenantName: e.TenantName,
			Role:       e.Role,
			Email:      e.Email,
			Teams:      slices.Clone(e.TeamIDs),
		}
		if e.SignedDeviceToken != "" {
			if info, err := gateway.InspectToken(e.SignedDeviceToken); err == nil {
				ts.CredentialExpired = info.Expired(c.now())
			}
		}
		status.Tenants = append(status.Tenants, ts)
	}
	return status
}
