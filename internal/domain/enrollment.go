package domain

import "slices"

// Role distinguishes write access to volunteer assignment.
const (
	RoleManager = "manager"
	RoleMember  = "member"
)

// MaxFollowedTeams caps the total number of (tenant, team) pairs a device may track.
const MaxFollowedTeams = 5

// Team identifies a team within a tenant. ID is canonical; Code is an
// alternate human-readable identifier some backend responses carry.
type Team struct {
	ID   string `json:"id"`
	Code string `json:"code,omitempty"`
	Name string `json:"name"`
}

// Enrollment is one registration of this device against one tenant,
// covering a set of teams, under one role.
type Enrollment struct {
	DeviceID          string   `json:"device_id"`
	DeviceToken       string   `json:"device_token"`
	TenantID          string   `json:"tenant_id"`
	TenantName        string   `json:"tenant_name"`
	TeamIDs           []string `json:"team_ids"`
	Email             string   `json:"email,omitempty"`
	Role              string   `json:"role"`
	SignedDeviceToken string   `json:"signed_device_token,omitempty"`
}

// HasTeam reports whether the enrollment tracks the given team.
func (e Enrollment) HasTeam(teamID string) bool {
	return slices.Contains(e.TeamIDs, teamID)
}

// TeamCount returns the number of tracked teams.
func (e Enrollment) TeamCount() int {
	return len(e.TeamIDs)
}

// IsManager reports whether the enrollment carries the manager role.
func (e Enrollment) IsManager() bool {
	return e.Role == RoleManager
}

// Clone returns a deep copy so callers never alias the team slice.
func (e Enrollment) Clone() Enrollment {
	out := e
	out.TeamIDs = slices.Clone(e.TeamIDs)
	return out
}

// SameIdentity reports whether two enrollments describe the same
// (tenant, email, role) registration.
func (e Enrollment) SameIdentity(other Enrollment) bool {
	return e.TenantID == other.TenantID && e.Email == other.Email && e.Role == other.Role
}

// TotalPairs sums the tracked (tenant, team) pairs across enrollments.
func TotalPairs(enrollments []Enrollment) int {
	total := 0
	for _, e := range enrollments {
		total += e.TeamCount()
	}
	return total
}

// CloneEnrollments deep-copies a collection.
func CloneEnrollments(enrollments []Enrollment) []Enrollment {
	out := make([]Enrollment, 0, len(enrollments))
	for _, e := range enrollments {
		out = append(out, e.Clone())
	}
	return out
}
