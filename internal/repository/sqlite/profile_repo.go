package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/model"
)

const profileColumns = `id, relay_enabled, schedule_enabled, schedule_time, credential_locator, created_at, updated_at`

// ProfileRepo implements repository.ProfileRepository on SQLite.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// Upsert inserts a default row if absent and returns the stored profile.
func (r *ProfileRepo) Upsert(ctx context.Context, id int64) (*model.Profile, error) {
	const q = `INSERT INTO profiles (id) VALUES (?) ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.SQL.ExecContext(ctx, q, id); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Get selects a profile by id.
func (r *ProfileRepo) Get(ctx context.Context, id int64) (*model.Profile, error) {
	const q = `SELECT ` + profileColumns + ` FROM profiles WHERE id = ?`
	p, err := scanProfile(r.db.SQL.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := r.db.SQL.QueryContext(ctx, q)
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
	const q = `UPDATE profiles SET relay_enabled = ?, updated_at = strftime('%s', 'now') WHERE id = ?`
	return r.exec(ctx, q, on, id)
}

// SetSchedule updates schedule_enabled.
func (r *ProfileRepo) SetSchedule(ctx context.Context, id int64, on bool) error {
	const q = `UPDATE profiles SET schedule_enabled = ?, updated_at = strftime('%s', 'now') WHERE id = ?`
	return r.exec(ctx, q, on, id)
}

// SetScheduleTime validates and stores a normalized HH:MM.
func (r *ProfileRepo) SetScheduleTime(ctx context.Context, id int64, hhmm string) error {
	c, err := model.ParseClock(hhmm)
	if err != nil {
		return err
	}
	const q = `UPDATE profiles SET schedule_time = ?, updated_at = strftime('%s', 'now') WHERE id = ?`
	return r.exec(ctx, q, c.String(), id)
}

// Attach stores the credential locator and enables relay.
func (r *ProfileRepo) Attach(ctx context.Context, id int64, locator string) error {
	const q = `UPDATE profiles SET credential_locator = ?, relay_enabled = 1, updated_at = strftime('%s', 'now') WHERE id = ?`
	return r.exec(ctx, q, locator, id)
}

// Clear drops the credential and disables relay and schedule.
func (r *ProfileRepo) Clear(ctx context.Context, id int64) error {
	const q = `
UPDATE profiles
SET credential_locator = NULL, relay_enabled = 0, schedule_enabled = 0, updated_at = strftime('%s', 'now')
WHERE id = ?`
	return r.exec(ctx, q, id)
}

func (r *ProfileRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.SQL.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*model.Profile, error) {
	var (
		p                model.Profile
		locator          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.RelayEnabled, &p.ScheduleEnabled, &p.ScheduleTime, &locator, &created, &updated); err != nil {
		return nil, err
	}
	if locator.Valid {
		p.CredentialLocator = &locator.String
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return &p, nil
}
