// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/mrtesla07/goetia-bot/internal/model"
)

// ProfileRepository persists per-user profiles keyed by Telegram user id.
// Update methods return errs.ErrNotFound for an unknown id.
type ProfileRepository interface {
	// Upsert creates a profile with defaults if absent and returns the current row.
	Upsert(ctx context.Context, id int64) (*model.Profile, error)
	// Get loads a profile by id.
	Get(ctx context.Context, id int64) (*model.Profile, error)
	// List returns all profiles ordered by id.
	List(ctx context.Context) ([]model.Profile, error)
	// SetRelay toggles inbound relay.
	SetRelay(ctx context.Context, id int64, on bool) error
	// SetSchedule toggles the daily keep-alive.
	SetSchedule(ctx context.Context, id int64, on bool) error
	// SetScheduleTime stores a validated HH:MM time.
	SetScheduleTime(ctx context.Context, id int64, hhmm string) error
	// Attach stores the credential locator and enables relay after a sign-in.
	Attach(ctx context.Context, id int64, locator string) error
	// Clear drops the credential locator and disables relay and schedule.
	Clear(ctx context.Context, id int64) error
}
