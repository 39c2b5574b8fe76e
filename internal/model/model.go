// Package model defines domain entities shared across layers.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrtesla07/goetia-bot/internal/errs"
)

// DefaultScheduleTime is the keep-alive time assigned to new profiles.
const DefaultScheduleTime = "10:00"

// Profile is the persisted per-user state.
type Profile struct {
	ID                int64
	RelayEnabled      bool
	ScheduleEnabled   bool
	ScheduleTime      string
	CredentialLocator *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Connected reports whether a credential is attached to the profile.
func (p *Profile) Connected() bool {
	return p.CredentialLocator != nil && *p.CredentialLocator != ""
}

// Clock is a time of day in the reference timezone.
type Clock struct {
	Hour   int
	Minute int
}

// String formats the clock as zero-padded HH:MM.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses a strict "HH:MM" time of day: exactly two numeric
// tokens, hour 0-23, minute 0-59. Errors wrap errs.ErrValidation.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("%w: time must look like HH:MM", errs.ErrValidation)
	}
	h, err := clockField(parts[0])
	if err != nil || h > 23 {
		return Clock{}, fmt.Errorf("%w: hour must be 00-23", errs.ErrValidation)
	}
	m, err := clockField(parts[1])
	if err != nil || m > 59 {
		return Clock{}, fmt.Errorf("%w: minute must be 00-59", errs.ErrValidation)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func clockField(s string) (int, error) {
	if s == "" || len(s) > 2 {
		return 0, errs.ErrValidation
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errs.ErrValidation
		}
	}
	return strconv.Atoi(s)
}
