package state

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/enroll"
	"github.com/kantinekoning/agent/internal/gateway"
	"github.com/kantinekoning/agent/internal/store"
)

func TestStartWithoutPersistedStateEntersOnboarding(t *testing.T) {
	c := newContainer(t, &storeMock{}, &gatewayMock{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Phase() != domain.PhaseOnboarding {
		t.Fatalf("expected onboarding, got %s", c.Phase())
	}
}

func TestStartWithPersistedStateEntersRegistered(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Phase() != domain.PhaseRegistered {
		t.Fatalf("expected registered, got %s", c.Phase())
	}
	if len(c.Enrollments()) != 1 {
		t.Fatalf("expected one enrollment")
	}
}

func TestEnrollRegistersPersistsAndRefreshes(t *testing.T) {
	st := &storeMock{}
	gw := &gatewayMock{
		registerFunc: func(_ context.Context, input gateway.RegisterInput) (domain.Enrollment, error) {
			if input.TenantSlug != "club-a" {
				t.Fatalf("unexpected tenant slug: %s", input.TenantSlug)
			}
			return managerEnrollment("club-a", "m@x.com", "t1"), nil
		},
		fetchFunc: func(_ context.Context, token, tenantID string) ([]domain.Shift, error) {
			if token != "signed-club-a" {
				t.Fatalf("unexpected token: %s", token)
			}
			return []domain.Shift{shift("s1", tenantID, "t1", time.Now())}, nil
		},
	}
	c := newContainer(t, st, gw)
	mustStart(t, c)

	if err := c.Enroll(context.Background(), gateway.RegisterInput{TenantSlug: "club-a", TeamCodes: []string{"t1"}}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if c.Phase() != domain.PhaseRegistered {
		t.Fatalf("expected registered, got %s", c.Phase())
	}
	if len(st.saved) == 0 {
		t.Fatalf("expected state persisted")
	}
	if shifts := c.Shifts(); len(shifts) != 1 || shifts[0].ID != "s1" {
		t.Fatalf("expected refreshed shift cache, got %+v", shifts)
	}
}

func TestEnrollNetworkFailureLeavesOnboarding(t *testing.T) {
	gw := &gatewayMock{
		registerFunc: func(context.Context, gateway.RegisterInput) (domain.Enrollment, error) {
			return domain.Enrollment{}, gateway.ErrNetwork
		},
	}
	st := &storeMock{}
	c := newContainer(t, st, gw)
	mustStart(t, c)

	if err := c.Enroll(context.Background(), gateway.RegisterInput{TenantSlug: "club-a"}); !errors.Is(err, gateway.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if c.Phase() != domain.PhaseOnboarding {
		t.Fatalf("expected onboarding after failure, got %s", c.Phase())
	}
	if len(st.saved) != 0 {
		t.Fatalf("failed enrollment must not persist state")
	}
}

func TestApplyEnrollmentCapRejectionLeavesStateUntouched(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{memberEnrollment("club-a", "t1", "t2", "t3", "t4", "t5")}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)

	err := c.ApplyEnrollmentResult(context.Background(), memberEnrollment("club-b", "t6"))
	if !errors.Is(err, enroll.ErrTeamCapExceeded) {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	if len(st.saved) != 0 {
		t.Fatalf("rejection must not persist")
	}
	enrollments := c.Enrollments()
	if len(enrollments) != 1 || enrollments[0].TenantID != "club-a" {
		t.Fatalf("state mutated on rejection: %+v", enrollments)
	}
}

func TestApplyEnrollmentPersistFailureKeepsOldState(t *testing.T) {
	st := &storeMock{
		saveFunc: func(context.Context, []domain.Enrollment) error {
			return errors.New("disk full")
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)

	if err := c.ApplyEnrollmentResult(context.Background(), managerEnrollment("club-a", "m@x.com", "t1")); err == nil {
		t.Fatalf("expected persist failure")
	}
	if len(c.Enrollments()) != 0 {
		t.Fatalf("memory state must not change when persistence fails")
	}
}

func TestRemoveTeamDropsEmptiedEnrollment(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)
	seedShifts(c, shift("s1", "club-a", "t1", time.Now()))

	if err := c.RemoveTeam(context.Background(), "club-a", "t1"); err != nil {
		t.Fatalf("remove team: %v", err)
	}
	if len(c.Enrollments()) != 0 {
		t.Fatalf("emptied enrollment should be dropped")
	}
	if len(c.Shifts()) != 0 {
		t.Fatalf("shift cache should be pruned")
	}
	if c.Phase() != domain.PhaseOnboarding {
		t.Fatalf("expected onboarding with no enrollments, got %s", c.Phase())
	}
	if len(st.saved) != 1 || len(st.saved[0]) != 0 {
		t.Fatalf("expected empty list persisted, got %+v", st.saved)
	}
}

func TestRemoveTeamUnknownPair(t *testing.T) {
	c := newContainer(t, &storeMock{}, &gatewayMock{})
	mustStart(t, c)
	if err := c.RemoveTeam(context.Background(), "club-a", "t9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveTenantDropsAllRecordsForTenant(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{
				managerEnrollment("club-a", "m@x.com", "t1"),
				memberEnrollment("club-a", "t2"),
				memberEnrollment("club-b", "t3"),
			}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)
	seedShifts(c, shift("s1", "club-a", "t1", time.Now()), shift("s2", "club-b", "t3", time.Now()))

	if err := c.RemoveTenant(context.Background(), "club-a"); err != nil {
		t.Fatalf("remove tenant: %v", err)
	}
	enrollments := c.Enrollments()
	if len(enrollments) != 1 || enrollments[0].TenantID != "club-b" {
		t.Fatalf("unexpected survivors: %+v", enrollments)
	}
	shifts := c.Shifts()
	if len(shifts) != 1 || shifts[0].ID != "s2" {
		t.Fatalf("unexpected shift cache: %+v", shifts)
	}
}

func TestResetAllClearsEverything(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)
	seedShifts(c, shift("s1", "club-a", "t1", time.Now()))

	if err := c.ResetAll(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(c.Enrollments()) != 0 || len(c.Shifts()) != 0 {
		t.Fatalf("expected cleared state")
	}
	if c.Phase() != domain.PhaseOnboarding {
		t.Fatalf("expected onboarding after reset, got %s", c.Phase())
	}
	if !st.resetCalled {
		t.Fatalf("expected store reset")
	}
}

func TestRefreshShiftsFiltersUnfollowedTeamsAndDeduplicates(t *testing.T) {
	older := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	gw := &gatewayMock{
		fetchFunc: func(_ context.Context, _, tenantID string) ([]domain.Shift, error) {
			stale := shift("s1", tenantID, "t1", older)
			fresh := shift("s1", tenantID, "t1", newer)
			fresh.Volunteers = []string{"Jan"}
			foreign := shift("s2", tenantID, "t-unknown", newer)
			return []domain.Shift{stale, fresh, foreign}, nil
		},
	}
	c := newContainer(t, st, gw)
	mustStart(t, c)

	if err := c.RefreshShifts(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	shifts := c.Shifts()
	if len(shifts) != 1 {
		t.Fatalf("expected one shift after filter+dedupe, got %+v", shifts)
	}
	if !slices.Equal(shifts[0].Volunteers, []string{"Jan"}) {
		t.Fatalf("most recently updated shift should win, got %+v", shifts[0])
	}
}

func TestRefreshShiftsDropsTeamsRemovedDuringFetch(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	gw := &gatewayMock{}
	c := newContainer(t, st, gw)
	mustStart(t, c)

	gw.fetchFunc = func(_ context.Context, _, tenantID string) ([]domain.Shift, error) {
		// Removal lands while the fetch is in flight, after the refresh
		// took its enrollment snapshot.
		if err := c.RemoveTeam(context.Background(), "club-a", "t1"); err != nil {
			t.Errorf("remove team: %v", err)
		}
		return []domain.Shift{shift("s1", tenantID, "t1", time.Now())}, nil
	}

	if err := c.RefreshShifts(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if shifts := c.Shifts(); len(shifts) != 0 {
		t.Fatalf("cache holds shifts for a removed team: %+v", shifts)
	}
}

func TestAddVolunteerRequiresManagerCredential(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{memberEnrollment("club-a", "t1")}, nil
		},
	}
	c := newContainer(t, st, &gatewayMock{})
	mustStart(t, c)
	seedShifts(c, shift("s1", "club-a", "t1", time.Now()))

	if _, err := c.AddVolunteer(context.Background(), "s1", "Jan"); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
}

func TestAddVolunteerUpdatesCachedShift(t *testing.T) {
	st := &storeMock{
		loadFunc: func(context.Context) ([]domain.Enrollment, error) {
			return []domain.Enrollment{managerEnrollment("club-a", "m@x.com", "t1")}, nil
		},
	}
	gw := &gatewayMock{
		addFunc: func(_ context.Context, token, shiftID, name string) (domain.Shift, error) {
			if token != "signed-club-a" {
				t.Fatalf("unexpected token: %s", token)
			}
			s := shift(shiftID, "club-a", "t1", time.Now())
			s.Volunteers = []string{name}
			return s, nil
		},
	}
	c := newContainer(t, st, gw)
	mustStart(t, c)
	seedShifts(c, shift("s1", "club-a", "t1", time.Now()))

	updated, err := c.AddVolunteer(context.Background(), "s1", "Jan")
	if err != nil {
		t.Fatalf("add volunteer: %v", err)
	}
	if !slices.Equal(updated.Volunteers, []string{"Jan"}) {
		t.Fatalf("unexpected volunteers: %v", updated.Volunteers)
	}
	shifts := c.Shifts()
	if !slices.Equal(shifts[0].Volunteers, []string{"Jan"}) {
		t.Fatalf("cache not updated: %+v", shifts[0])
	}
}

func TestAddVolunteerUnknownShift(t *testing.T) {
	c := newContainer(t, &storeMock{}, &gatewayMock{})
	mustStart(t, c)
	if _, err := c.AddVolunteer(context.Background(), "missing", "Jan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsCarryTypeAndPhase(t *testing.T) {
	hub := &hubMock{}
	c := New(&storeMock{}, &gatewayMock{}, hub, testLogger())
	mustStart(t, c)

	if err := c.ApplyEnrollmentResult(context.Background(), managerEnrollment("club-a", "m@x.com", "t1")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	events := hub.typed(t)
	if len(events) == 0 {
		t.Fatalf("expected events broadcast")
	}
	last := events[len(events)-1]
	if last.Type != eventShiftsChanged && last.Type != eventEnrollmentsChanged {
		t.Fatalf("unexpected final event: %+v", last)
	}
	foundEnrollment := false
	for _, evt := range events {
		if evt.Type == eventEnrollmentsChanged {
			foundEnrollment = true
			if evt.Phase != domain.PhaseRegistered {
				t.Fatalf("enrollment event should carry registered phase, got %s", evt.Phase)
			}
		}
	}
	if !foundEnrollment {
		t.Fatalf("expected enrollments_changed event, got %+v", events)
	}
}

func newContainer(t *testing.T, st *storeMock, gw *gatewayMock) *Container {
	t.Helper()
	return New(st, gw, &hubMock{}, testLogger())
}

func mustStart(t *testing.T, c *Container) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func seedShifts(c *Container, shifts ...domain.Shift) {
	c.mu.Lock()
	c.shifts = shifts
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func managerEnrollment(tenantID, email string, teams ...string) domain.Enrollment {
	return domain.Enrollment{
		DeviceID:          "device-1",
		DeviceToken:       "raw",
		TenantID:          tenantID,
		TenantName:        tenantID,
		TeamIDs:           teams,
		Email:             email,
		Role:              domain.RoleManager,
		SignedDeviceToken: "signed-" + tenantID,
	}
}

func memberEnrollment(tenantID string, teams ...string) domain.Enrollment {
	return domain.Enrollment{
		DeviceID:          "device-1",
		DeviceToken:       "raw",
		TenantID:          tenantID,
		TenantName:        tenantID,
		TeamIDs:           teams,
		Role:              domain.RoleMember,
		SignedDeviceToken: "signed-" + tenantID,
	}
}

func shift(id, tenantID, teamID string, updatedAt time.Time) domain.Shift {
	return domain.Shift{
		ID:        id,
		TenantID:  tenantID,
		TeamID:    teamID,
		Name:      "Bardienst",
		StartsAt:  updatedAt.Add(24 * time.Hour),
		EndsAt:    updatedAt.Add(27 * time.Hour),
		UpdatedAt: updatedAt,
	}
}

type storeMock struct {
	mu          sync.Mutex
	loadFunc    func(context.Context) ([]domain.Enrollment, error)
	saveFunc    func(context.Context, []domain.Enrollment) error
	resetFunc   func(context.Context) error
	saved       [][]domain.Enrollment
	resetCalled bool
}

func (m *storeMock) Load(ctx context.Context) ([]domain.Enrollment, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx)
	}
	return nil, store.ErrNotFound
}

func (m *storeMock) Save(ctx context.Context, enrollments []domain.Enrollment) error {
	if m.saveFunc != nil {
		return m.saveFunc(ctx, enrollments)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, domain.CloneEnrollments(enrollments))
	return nil
}

func (m *storeMock) Reset(ctx context.Context) error {
	m.resetCalled = true
	if m.resetFunc != nil {
		return m.resetFunc(ctx)
	}
	return nil
}

func (m *storeMock) Close() {}

type gatewayMock struct {
	registerFunc func(context.Context, gateway.RegisterInput) (domain.Enrollment, error)
	fetchFunc    func(context.Context, string, string) ([]domain.Shift, error)
	addFunc      func(context.Context, string, string, string) (domain.Shift, error)
	removeFunc   func(context.Context, string, string, string) (domain.Shift, error)
}

func (m *gatewayMock) Register(ctx context.Context, input gateway.RegisterInput) (domain.Enrollment, error) {
	if m.registerFunc != nil {
		return m.registerFunc(ctx, input)
	}
	return domain.Enrollment{}, errors.New("register not configured")
}

func (m *gatewayMock) FetchShifts(ctx context.Context, token, tenantID string) ([]domain.Shift, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, token, tenantID)
	}
	return nil, nil
}

func (m *gatewayMock) AddVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error) {
	if m.addFunc != nil {
		return m.addFunc(ctx, token, shiftID, name)
	}
	return domain.Shift{}, errors.New("add volunteer not configured")
}

func (m *gatewayMock) RemoveVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error) {
	if m.removeFunc != nil {
		return m.removeFunc(ctx, token, shiftID, name)
	}
	return domain.Shift{}, errors.New("remove volunteer not configured")
}

type hubMock struct {
	mu     sync.Mutex
	events [][]byte
}

func (m *hubMock) Broadcast(_ string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, payload)
}

func (m *hubMock) typed(t *testing.T) []Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, raw := range m.events {
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, evt)
	}
	return out
}
