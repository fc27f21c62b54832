package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/store"
	"github.com/kantinekoning/agent/pkg/crypto"
)

// Store keeps the enrollment list in a single AES-GCM encrypted JSON file.
// Writes go through a temp file and rename so a crash never leaves a
// half-written state file behind.
type Store struct {
	path   string
	secret string
}

var _ store.Store = (*Store)(nil)

// New constructs a file store at the given path.
func New(path, secret string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file: empty store path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{path: path, secret: secret}, nil
}

// Load reads and decrypts the persisted enrollment list.
func (s *Store) Load(_ context.Context) ([]domain.Enrollment, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	plain, err := crypto.Decrypt(s.secret, payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt store: %w", err)
	}
	var enrollments []domain.Enrollment
	if err := json.Unmarshal(plain, &enrollments); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	return enrollments, nil
}

// Save encrypts and atomically rewrites the enrollment list.
func (s *Store) Save(_ context.Context, enrollments []domain.Enrollment) error {
	if enrollments == nil {
		enrollments = []domain.Enrollment{}
	}
	plain, err := json.Marshal(enrollments)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	sealed, err := crypto.Encrypt(s.secret, plain)
	if err != nil {
		return fmt.Errorf("encrypt store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}

// Reset removes the persisted state entirely.
func (s *Store) Reset(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset store: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *Store) Close() {}
