package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/enroll"
	"github.com/kantinekoning/agent/internal/gateway"
	"github.com/kantinekoning/agent/internal/store"
)

var (
	// ErrAuthMissing indicates an authenticated call was attempted without a
	// usable manager credential for the relevant tenant/team.
	ErrAuthMissing = errors.New("state: no manager credential for tenant/team")
	// ErrNotFound indicates an unknown tenant, team or shift.
	ErrNotFound = errors.New("state: not found")
)

// Gateway abstracts the remote Kantine Koning backend.
type Gateway interface {
	Register(ctx context.Context, input gateway.RegisterInput) (domain.Enrollment, error)
	FetchShifts(ctx context.Context, token, tenantID string) ([]domain.Shift, error)
	AddVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error)
	RemoveVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error)
}

// Broadcaster publishes state-change events to the presentation layer.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Container owns the authoritative enrollment list, the shift cache and the
// application phase. All mutation funnels through its methods; the mutex
// serializes them so no two reconciliations run concurrently.
type Container struct {
	mu          sync.Mutex
	enrollments []domain.Enrollment
	shifts      []domain.Shift
	phase       string

	store   store.Store
	gateway Gateway
	hub     Broadcaster
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Container in the launching phase.
func New(st store.Store, gw Gateway, hub Broadcaster, logger *slog.Logger) *Container {
	return &Container{
		phase:   domain.PhaseLaunching,
		store:   st,
		gateway: gw,
		hub:     hub,
		logger:  logger,
		now:     time.Now,
	}
}

// Start loads persisted state and resolves the startup phase: registered
// when any enrollment exists, onboarding otherwise.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enrollments, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.phase = domain.PhaseOnboarding
	case err != nil:
		return fmt.Errorf("load persisted state: %w", err)
	case len(enrollments) == 0:
		c.phase = domain.PhaseOnboarding
	default:
		c.enrollments = enrollments
		c.phase = domain.PhaseRegistered
	}
	c.logger.Info("state container started", "phase", c.phase, "enrollments", len(c.enrollments))
	return nil
}

// StartNewEnrollment returns the app to onboarding from any phase.
func (c *Container) StartNewEnrollment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPhase(domain.PhaseOnboarding)
}

// Enroll performs a backend registration and merges the confirmed enrollment
// into local state. A failed registration leaves state untouched.
func (c *Container) Enroll(ctx context.Context, input gateway.RegisterInput) error {
	c.mu.Lock()
	if c.phase == domain.PhaseOnboarding {
		c.setPhase(domain.PhaseEnrollmentPending)
	}
	c.mu.Unlock()

	candidate, err := c.gateway.Register(ctx, input)
	if err != nil {
		c.mu.Lock()
		if c.phase == domain.PhaseEnrollmentPending {
			c.setPhase(domain.PhaseOnboarding)
		}
		c.mu.Unlock()
		return err
	}
	return c.ApplyEnrollmentResult(ctx, candidate)
}

// ApplyEnrollmentResult reconciles a confirmed enrollment into the current
// collection, persists the result and triggers a shift refresh. On rejection
// state is untouched and the typed error is returned for display.
func (c *Container) ApplyEnrollmentResult(ctx context.Context, candidate domain.Enrollment) error {
	c.mu.Lock()
	next, err := enroll.Reconcile(c.enrollments, candidate)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.store.Save(ctx, next); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist enrollments: %w", err)
	}
	c.enrollments = next
	if c.phase == domain.PhaseOnboarding {
		c.setPhase(domain.PhaseEnrollmentPending)
	}
	c.setPhase(domain.PhaseRegistered)
	c.publish(eventEnrollmentsChanged, candidate.TenantID)
	c.mu.Unlock()

	if err := c.RefreshShifts(ctx); err != nil {
		// Refresh failures are non-fatal; the UI retries explicitly.
		c.logger.Warn("shift refresh after enrollment failed", "error", err)
	}
	return nil
}

// RemoveTeam stops following one team. The owning enrollment is dropped
// entirely when its team list empties out.
func (c *Container) RemoveTeam(ctx context.Context, tenantID, teamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, e := range c.enrollments {
		if e.TenantID == tenantID && e.HasTeam(teamID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	next := domain.CloneEnrollments(c.enrollments)
	updated := next[idx]
	updated.TeamIDs = deleteString(updated.TeamIDs, teamID)
	if updated.TeamCount() == 0 {
		next = append(next[:idx], next[idx+1:]...)
	} else {
		next[idx] = updated
	}

	if err := c.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist enrollments: %w", err)
	}
	c.enrollments = next
	c.shifts = pruneShifts(c.shifts, func(s domain.Shift) bool {
		return s.TenantID == tenantID && s.TeamID == teamID
	})
	if len(c.enrollments) == 0 {
		c.setPhase(domain.PhaseOnboarding)
	}
	c.publish(eventEnrollmentsChanged, tenantID)
	return nil
}

// RemoveTenant drops every enrollment for the tenant.
func (c *Container) RemoveTenant(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]domain.Enrollment, 0, len(c.enrollments))
	removed := false
	for _, e := range c.enrollments {
		if e.TenantID == tenantID {
			removed = true
			continue
		}
		next = append(next, e.Clone())
	}
	if !removed {
		return ErrNotFound
	}
	if err := c.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist enrollments: %w", err)
	}
	c.enrollments = next
	c.shifts = pruneShifts(c.shifts, func(s domain.Shift) bool { return s.TenantID == tenantID })
	if len(c.enrollments) == 0 {
		c.setPhase(domain.PhaseOnboarding)
	}
	c.publish(eventEnrollmentsChanged, tenantID)
	return nil
}

// ResetAll clears all enrollments and cached shifts.
func (c *Container) ResetAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	c.enrollments = nil
	c.shifts = nil
	c.setPhase(domain.PhaseOnboarding)
	c.publish(eventReset, "")
	return nil
}

// RefreshShifts re-fetches shifts for every enrollment and replaces the
// cache. Shifts referencing a team the device does not follow are dropped
// and logged; team identity matching is by canonical ID only.
func (c *Container) RefreshShifts(ctx context.Context) error {
	c.mu.Lock()
	snapshot := domain.CloneEnrollments(c.enrollments)
	c.mu.Unlock()

	followed := make(map[string]bool)
	for _, e := range snapshot {
		for _, team := range e.TeamIDs {
			followed[e.TenantID+"/"+team] = true
		}
	}

	batches := make([][]domain.Shift, 0, len(snapshot))
	for _, e := range snapshot {
		if e.SignedDeviceToken == "" {
			return fmt.Errorf("%w: tenant %s", ErrAuthMissing, e.TenantID)
		}
		shifts, err := c.gateway.FetchShifts(ctx, e.SignedDeviceToken, e.TenantID)
		if err != nil {
			return fmt.Errorf("fetch shifts for %s: %w", e.TenantID, err)
		}
		kept := make([]domain.Shift, 0, len(shifts))
		for _, s := range shifts {
			if !followed[s.TenantID+"/"+s.TeamID] {
				c.logger.Warn("shift references unfollowed team", "shift_id", s.ID, "tenant_id", s.TenantID, "team_id", s.TeamID)
				continue
			}
			kept = append(kept, s)
		}
		batches = append(batches, kept)
	}

	merged := domain.MergeShifts(batches...)
	c.mu.Lock()
	// Enrollments may have changed while fetching; only commit shifts for
	// pairs still followed now.
	current := make(map[string]bool)
	for _, e := range c.enrollments {
		for _, team := range e.TeamIDs {
			current[e.TenantID+"/"+team] = true
		}
	}
	kept := make([]domain.Shift, 0, len(merged))
	for _, s := range merged {
		if current[s.TenantID+"/"+s.TeamID] {
			kept = append(kept, s)
		}
	}
	c.shifts = kept
	c.publish(eventShiftsChanged, "")
	c.mu.Unlock()
	return nil
}

// AddVolunteer assigns a volunteer to a cached shift. Requires a manager
// enrollment covering the shift's (tenant, team).
func (c *Container) AddVolunteer(ctx context.Context, shiftID, name string) (domain.Shift, error) {
	return c.mutateVolunteers(ctx, shiftID, func(token string) (domain.Shift, error) {
		return c.gateway.AddVolunteer(ctx, token, shiftID, name)
	})
}

// RemoveVolunteer removes a volunteer from a cached shift. Requires a manager
// enrollment covering the shift's (tenant, team).
func (c *Container) RemoveVolunteer(ctx context.Context, shiftID, name string) (domain.Shift, error) {
	return c.mutateVolunteers(ctx, shiftID, func(token string) (domain.Shift, error) {
		return c.gateway.RemoveVolunteer(ctx, token, shiftID, name)
	})
}

func (c *Container) mutateVolunteers(_ context.Context, shiftID string, call func(token string) (domain.Shift, error)) (domain.Shift, error) {
	c.mu.Lock()
	var target *domain.Shift
	for i := range c.shifts {
		if c.shifts[i].ID == shiftID {
			target = &c.shifts[i]
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return domain.Shift{}, ErrNotFound
	}
	token := c.managerTokenLocked(target.TenantID, target.TeamID)
	tenantID := target.TenantID
	c.mu.Unlock()

	if token == "" {
		return domain.Shift{}, ErrAuthMissing
	}
	updated, err := call(token)
	if err != nil {
		return domain.Shift{}, err
	}

	c.mu.Lock()
	for i := range c.shifts {
		if c.shifts[i].ID == updated.ID {
			c.shifts[i] = updated
			break
		}
	}
	c.publish(eventShiftsChanged, tenantID)
	c.mu.Unlock()
	return updated, nil
}

func (c *Container) managerTokenLocked(tenantID, teamID string) string {
	for _, e := range c.enrollments {
		if e.TenantID == tenantID && e.IsManager() && e.HasTeam(teamID) && e.SignedDeviceToken != "" {
			return e.SignedDeviceToken
		}
	}
	return ""
}

// Enrollments returns a read-only copy of the current collection.
func (c *Container) Enrollments() []domain.Enrollment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneEnrollments(c.enrollments)
}

// Shifts returns a read-only copy of the shift cache.
func (c *Container) Shifts() []domain.Shift {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Shift, len(c.shifts))
	copy(out, c.shifts)
	return out
}

// Phase returns the current application phase.
func (c *Container) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Container) setPhase(to string) {
	next, err := domain.Transition(c.phase, to)
	if err != nil {
		c.logger.Warn("phase transition rejected", "from", c.phase, "to", to)
		return
	}
	if next != c.phase {
		c.phase = next
		c.publish(eventPhaseChanged, "")
	}
}

func deleteString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func pruneShifts(shifts []domain.Shift, drop func(domain.Shift) bool) []domain.Shift {
	out := make([]domain.Shift, 0, len(shifts))
	for _, s := range shifts {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out
}
