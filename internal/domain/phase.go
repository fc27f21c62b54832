package domain

import "fmt"

// Phase enumerates the overall application lifecycle states.
const (
	PhaseLaunching         = "launching"
	PhaseOnboarding        = "onboarding"
	PhaseEnrollmentPending = "enrollment_pending"
	PhaseRegistered        = "registered"
)

// ValidTransition reports whether the phase machine allows moving from one
// phase to another. Any phase may return to onboarding when the user starts
// a new enrollment.
func ValidTransition(from, to string) bool {
	if to == PhaseOnboarding {
		return true
	}
	switch from {
	case PhaseLaunching:
		return to == PhaseRegistered || to == PhaseOnboarding
	case PhaseOnboarding:
		return to == PhaseEnrollmentPending
	case PhaseEnrollmentPending:
		return to == PhaseRegistered
	case PhaseRegistered:
		return to == PhaseRegistered
	}
	return false
}

// Transition validates and returns the target phase.
func Transition(from, to string) (string, error) {
	if !ValidTransition(from, to) {
		return from, fmt.Errorf("domain: invalid phase transition %s -> %s", from, to)
	}
	return to, nil
}
