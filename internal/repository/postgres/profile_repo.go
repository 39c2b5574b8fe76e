package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/model"
)

const profileColumns = `id, relay_enabled, schedule_enabled, schedule_time, credential_locator, created_at, updated_at`

// ProfileRepo implements repository.ProfileRepository using PostgreSQL.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// Upsert inserts a default row if absent and returns the stored profile.
func (r *ProfileRepo) Upsert(ctx context.Context, id int64) (*model.Profile, error) {
	const q = `INSERT INTO profiles (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.Pool.Exec(ctx, q, id); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Get selects a profile by id.
func (r *ProfileRepo) Get(ctx context.Context, id int64) (*model.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles WHERE id=$1`
	p, err := scanProfile(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every profile ordered by id.
func (r *ProfileRepo) List(ctx context.Context) ([]model.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetRelay updates relay_enabled.
func (r *ProfileRepo) SetRelay(ctx context.Context, id int64, on bool) error {
	const q = `UPDATE profiles SET relay_enabled=$2, updated_at=now() WHERE id=$1`
	return r.exec(ctx, q, id, on)
}

// SetSchedule updates schedule_enabled.
func (r *ProfileRepo) SetSchedule(ctx context.Context, id int64, on bool) error {
	const q = `UPDATE profiles SET schedule_enabled=$2, updated_at=now() WHERE id=$1`
	return r.exec(ctx, q, id, on)
}

// SetScheduleTime validates and stores a normalized HH:MM.
func (r *ProfileRepo) SetScheduleTime(ctx context.Context, id int64, hhmm string) error {
	c, err := model.ParseClock(hhmm)
	if err != nil {
		return err
	}
	const q = `UPDATE profiles SET schedule_time=$2, updated_at=now() WHERE id=$1`
	return r.exec(ctx, q, id, c.String())
}

// Attach stores the credential locator and enables relay.
func (r *ProfileRepo) Attach(ctx context.Context, id int64, locator string) error {
	const q = `UPDATE profiles SET credential_locator=$2, relay_enabled=TRUE, updated_at=now() WHERE id=$1`
	return r.exec(ctx, q, id, locator)
}

// Clear drops the credential and disables relay and schedule.
func (r *ProfileRepo) Clear(ctx context.Context, id int64) error {
	const q = `
UPDATE profiles
SET credential_locator=NULL, relay_enabled=FALSE, schedule_enabled=FALSE, updated_at=now()
WHERE id=$1`
	return r.exec(ctx, q, id)
}

func (r *ProfileRepo) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	if err := row.Scan(&p.ID, &p.RelayEnabled, &p.ScheduleEnabled, &p.ScheduleTime, &p.CredentialLocator, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
