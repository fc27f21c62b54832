package enroll

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/kantinekoning/agent/internal/domain"
)

func TestReconcileFirstEnrollment(t *testing.T) {
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t1", "t2")

	result, err := Reconcile(nil, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one enrollment, got %d", len(result))
	}
	if !slices.Equal(result[0].TeamIDs, []string{"t1", "t2"}) {
		t.Fatalf("unexpected teams: %v", result[0].TeamIDs)
	}
}

func TestReconcileManagerTakesTeamsFromMember(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-a", domain.RoleMember, "", "t1", "t2", "t3", "t4", "t5"),
	}
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t1")

	result, err := Reconcile(existing, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected two enrollments, got %d", len(result))
	}
	if !slices.Equal(result[0].TeamIDs, []string{"t2", "t3", "t4", "t5"}) {
		t.Fatalf("member record should shrink, got %v", result[0].TeamIDs)
	}
	if !slices.Equal(result[1].TeamIDs, []string{"t1"}) {
		t.Fatalf("manager record should hold t1, got %v", result[1].TeamIDs)
	}
	if domain.TotalPairs(result) != 5 {
		t.Fatalf("expected 5 pairs, got %d", domain.TotalPairs(result))
	}
}

func TestReconcileRejectsOverCap(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-a", domain.RoleMember, "", "t1", "t2", "t3", "t4", "t5"),
	}
	candidate := enrollment("club-b", domain.RoleMember, "", "t6")

	_, err := Reconcile(existing, candidate)
	if !errors.Is(err, ErrTeamCapExceeded) {
		t.Fatalf("expected ErrTeamCapExceeded, got %v", err)
	}
	// Input untouched on rejection.
	if !slices.Equal(existing[0].TeamIDs, []string{"t1", "t2", "t3", "t4", "t5"}) {
		t.Fatalf("existing mutated on rejection: %v", existing[0].TeamIDs)
	}
}

func TestReconcileMemberNeverDisplacesManager(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-a", domain.RoleManager, "m@x.com", "t1"),
	}
	candidate := enrollment("club-a", domain.RoleMember, "", "t1")

	result, err := Reconcile(existing, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("filtered candidate should not be added, got %d records", len(result))
	}
	if result[0].Role != domain.RoleManager || !slices.Equal(result[0].TeamIDs, []string{"t1"}) {
		t.Fatalf("manager record changed: %+v", result[0])
	}
}

func TestReconcileSameManagerReplacesWholesale(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-a", domain.RoleManager, "m@x.com", "t1", "t2"),
	}
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t3")

	result, err := Reconcile(existing, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected replacement, got %d records", len(result))
	}
	if !slices.Equal(result[0].TeamIDs, []string{"t3"}) {
		t.Fatalf("expected [t3], got %v", result[0].TeamIDs)
	}
}

func TestReconcileIdempotentForSameManager(t *testing.T) {
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t1", "t2")

	once, err := Reconcile(nil, candidate)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	twice, err := Reconcile(once, candidate)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(twice) != 1 {
		t.Fatalf("expected replacement not duplication, got %d records", len(twice))
	}
	if !slices.Equal(twice[0].TeamIDs, []string{"t1", "t2"}) {
		t.Fatalf("unexpected teams: %v", twice[0].TeamIDs)
	}
}

func TestReconcileDeduplicatesCandidateTeams(t *testing.T) {
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t1", "t1", "t1", "t2")

	result, err := Reconcile(nil, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one enrollment, got %d", len(result))
	}
	if !slices.Equal(result[0].TeamIDs, []string{"t1", "t2"}) {
		t.Fatalf("expected deduplicated teams [t1 t2], got %v", result[0].TeamIDs)
	}
	if domain.TotalPairs(result) != 2 {
		t.Fatalf("expected 2 pairs, got %d", domain.TotalPairs(result))
	}
}

func TestReconcileDuplicateTeamsDoNotInflateCap(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-a", domain.RoleMember, "", "t1", "t2", "t3", "t4"),
	}
	candidate := enrollment("club-b", domain.RoleMember, "", "t5", "t5", "t5")

	result, err := Reconcile(existing, candidate)
	if err != nil {
		t.Fatalf("repeated team must count once against the cap: %v", err)
	}
	if domain.TotalPairs(result) != 5 {
		t.Fatalf("expected 5 pairs, got %d", domain.TotalPairs(result))
	}
	if !slices.Equal(result[1].TeamIDs, []string{"t5"}) {
		t.Fatalf("expected [t5], got %v", result[1].TeamIDs)
	}
}

func TestReconcileKeepsOtherTenantsIntact(t *testing.T) {
	existing := []domain.Enrollment{
		enrollment("club-b", domain.RoleMember, "", "t9"),
	}
	candidate := enrollment("club-a", domain.RoleManager, "m@x.com", "t1")

	result, err := Reconcile(existing, candidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected two enrollments, got %d", len(result))
	}
	if result[0].TenantID != "club-b" || !slices.Equal(result[0].TeamIDs, []string{"t9"}) {
		t.Fatalf("other tenant changed: %+v", result[0])
	}
}

// TestReconcileInvariantsRandomized drives the engine with random candidates
// and checks the collection invariants after every accepted application.
func TestReconcileInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tenants := []string{"club-a", "club-b", "club-c"}
	emails := []string{"", "a@x.com", "b@x.com"}
	roles := []string{domain.RoleManager, domain.RoleMember}

	var state []domain.Enrollment
	for i := 0; i < 2000; i++ {
		// Duplicates are allowed on purpose; the engine must collapse them.
		teamCount := 1 + rng.Intn(3)
		teams := make([]string, 0, teamCount)
		for len(teams) < teamCount {
			teams = append(teams, fmt.Sprintf("t%d", rng.Intn(8)))
		}
		candidate := enrollment(tenants[rng.Intn(len(tenants))], roles[rng.Intn(len(roles))], emails[rng.Intn(len(emails))], teams...)

		before := domain.CloneEnrollments(state)
		next, err := Reconcile(state, candidate)
		if errors.Is(err, ErrTeamCapExceeded) {
			assertUnchanged(t, before, state)
			continue
		}
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		state = next
		assertInvariants(t, i, state)
	}
}

func assertInvariants(t *testing.T, step int, state []domain.Enrollment) {
	t.Helper()
	if pairs := domain.TotalPairs(state); pairs > domain.MaxFollowedTeams {
		t.Fatalf("step %d: pair cap violated: %d", step, pairs)
	}
	seen := make(map[string]string)
	for _, e := range state {
		if e.TeamCount() == 0 {
			t.Fatalf("step %d: empty enrollment retained for tenant %s", step, e.TenantID)
		}
		for _, team := range e.TeamIDs {
			key := e.TenantID + "/" + team
			if owner, ok := seen[key]; ok {
				t.Fatalf("step %d: %s tracked by both %s and %s enrollments", step, key, owner, e.Role)
			}
			seen[key] = e.Role
		}
	}
}

func assertUnchanged(t *testing.T, before, after []domain.Enrollment) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("rejection mutated state: %d -> %d records", len(before), len(after))
	}
	for i := range before {
		if before[i].TenantID != after[i].TenantID || !slices.Equal(before[i].TeamIDs, after[i].TeamIDs) {
			t.Fatalf("rejection mutated record %d: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func enrollment(tenantID, role, email string, teams ...string) domain.Enrollment {
	return domain.Enrollment{
		DeviceID:          "device-1",
		DeviceToken:       "device-token",
		TenantID:          tenantID,
		TenantName:        tenantID,
		TeamIDs:           teams,
		Email:             email,
		Role:              role,
		SignedDeviceToken: "signed-" + tenantID + "-" + role,
	}
}
