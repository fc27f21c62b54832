package store

import (
	"context"
	"errors"

	"github.com/kantinekoning/agent/internal/domain"
)

// ErrNotFound indicates no persisted enrollment state exists yet.
var ErrNotFound = errors.New("store: not found")

// Store persists the ordered enrollment list across launches. Load is called
// once at startup; Save rewrites the full list on every successful mutation.
type Store interface {
	Load(ctx context.Context) ([]domain.Enrollment, error)
	Save(ctx context.Context, enrollments []domain.Enrollment) error
	Reset(ctx context.Context) error
	Close()
}
