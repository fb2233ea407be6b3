package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/edge-gateway/pkg/capability"
)

const registrationsLogPrefix = "store:registrations"

// Repository provides access to persisted capability registrations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// schema is the persisted registration table. One row per owning
// service; the operations column holds the full operation set as JSONB,
// replaced wholesale on every accepted registration.
const schema = `
CREATE TABLE IF NOT EXISTS gateway_registrations (
	service    TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	operations JSONB NOT NULL,
	updated    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the registration table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s - ensure schema failed: %w", registrationsLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - schema ensured", registrationsLogPrefix))
	return nil
}

// SaveRegistration upserts one service's accepted registration. The
// stored operation set is replaced, never merged, matching in-memory
// registry semantics.
func (r *Repository) SaveRegistration(ctx context.Context, reg *capability.Registration) error {
	ops, err := json.Marshal(reg.Operations)
	if err != nil {
		return fmt.Errorf("%s - encode operations for %s: %w", registrationsLogPrefix, reg.Service, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO gateway_registrations (service, version, operations, updated)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (service)
		 DO UPDATE SET version = EXCLUDED.version, operations = EXCLUDED.operations, updated = now()`,
		reg.Service, reg.Version, ops,
	)
	if err != nil {
		return fmt.Errorf("%s - SaveRegistration %s failed: %w", registrationsLogPrefix, reg.Service, err)
	}
	slog.Debug(fmt.Sprintf("%s - saved registration %s@%s (%d operations)", registrationsLogPrefix, reg.Service, reg.Version, len(reg.Operations)))
	return nil
}

// LoadRegistrations returns every persisted registration, for replay
// into the registry at startup.
func (r *Repository) LoadRegistrations(ctx context.Context) ([]*capability.Registration, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT service, version, operations
		 FROM gateway_registrations
		 ORDER BY service ASC`)
	if err != nil {
		return nil, fmt.Errorf("%s - LoadRegistrations failed: %w", registrationsLogPrefix, err)
	}
	defer rows.Close()

	var regs []*capability.Registration
	for rows.Next() {
		var reg capability.Registration
		var ops []byte
		if err := rows.Scan(&reg.Service, &reg.Version, &ops); err != nil {
			return nil, fmt.Errorf("%s - LoadRegistrations scan failed: %w", registrationsLogPrefix, err)
		}
		if err := json.Unmarshal(ops, &reg.Operations); err != nil {
			return nil, fmt.Errorf("%s - decode operations for %s: %w", registrationsLogPrefix, reg.Service, err)
		}
		regs = append(regs, &reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - LoadRegistrations rows failed: %w", registrationsLogPrefix, err)
	}
	return regs, nil
}

// DeleteRegistration removes one service's persisted registration.
func (r *Repository) DeleteRegistration(ctx context.Context, service string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM gateway_registrations WHERE service = $1`, service)
	if err != nil {
		return fmt.Errorf("%s - DeleteRegistration %s failed: %w", registrationsLogPrefix, service, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
