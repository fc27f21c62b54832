package file

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/store"
)

func TestLoadMissingFileReturnsNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	want := []domain.Enrollment{
		{
			DeviceID:          "device-1",
			DeviceToken:       "raw-token",
			TenantID:          "club-a",
			TenantName:        "Club A",
			TeamIDs:           []string{"t1", "t2"},
			Email:             "m@x.com",
			Role:              domain.RoleManager,
			SignedDeviceToken: "signed-token",
		},
	}
	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one enrollment, got %d", len(got))
	}
	if got[0].TenantID != "club-a" || !slices.Equal(got[0].TeamIDs, []string{"t1", "t2"}) {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
	if got[0].SignedDeviceToken != "signed-token" {
		t.Fatalf("credential lost in round trip: %+v", got[0])
	}
}

func TestSaveEncryptsAtRest(t *testing.T) {
	s := newStore(t)
	enrollments := []domain.Enrollment{{TenantID: "club-a", TeamIDs: []string{"t1"}, Role: domain.RoleMember}}
	if err := s.Save(context.Background(), enrollments); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	if bytes.Contains(raw, []byte("club-a")) {
		t.Fatalf("tenant id visible in raw file")
	}
}

func TestLoadWrongSecretFails(t *testing.T) {
	s := newStore(t)
	if err := s.Save(context.Background(), []domain.Enrollment{{TenantID: "club-a", TeamIDs: []string{"t1"}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	other := &Store{path: s.path, secret: "different-secret"}
	if _, err := other.Load(context.Background()); err == nil {
		t.Fatalf("expected decrypt failure with wrong secret")
	}
}

func TestResetRemovesState(t *testing.T) {
	s := newStore(t)
	if err := s.Save(context.Background(), []domain.Enrollment{{TenantID: "club-a", TeamIDs: []string{"t1"}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := s.Load(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after reset, got %v", err)
	}
	// Resetting again is fine.
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "enrollments.dat"), "test-secret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}
