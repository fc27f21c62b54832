package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/store"
)

// Store persists the enrollment list in PostgreSQL. Intended for shared
// kiosk deployments where several canteen devices point at the club's own
// database instead of a per-device file.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New constructs a Store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load reads the full enrollment list ordered by position.
func (s *Store) Load(ctx context.Context) ([]domain.Enrollment, error) {
	const query = `SELECT device_id, device_token, tenant_id, tenant_name, team_ids, email, role, signed_device_token
		FROM enrollments ORDER BY position`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		var email, signed *string
		if err := rows.Scan(&e.DeviceID, &e.DeviceToken, &e.TenantID, &e.TenantName, &e.TeamIDs, &email, &e.Role, &signed); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		if email != nil {
			e.Email = *email
		}
		if signed != nil {
			e.SignedDeviceToken = *signed
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil, store.ErrNotFound
	}
	return enrollments, nil
}

// Save rewrites the full list in one transaction so readers never observe a
// partially updated collection.
func (s *Store) Save(ctx context.Context, enrollments []domain.Enrollment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM enrollments`); err != nil {
		return fmt.Errorf("clear enrollments: %w", err)
	}
	const insert = `INSERT INTO enrollments (position, device_id, device_token, tenant_id, tenant_name, team_ids, email, role, signed_device_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i, e := range enrollments {
		var email, signed *string
		if e.Email != "" {
			email = &e.Email
		}
		if e.SignedDeviceToken != "" {
			signed = &e.SignedDeviceToken
		}
		if _, err := tx.Exec(ctx, insert, i, e.DeviceID, e.DeviceToken, e.TenantID, e.TenantName, e.TeamIDs, email, e.Role, signed); err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Reset clears all persisted state.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM enrollments`); err != nil {
		return fmt.Errorf("reset enrollments: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
