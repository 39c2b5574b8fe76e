// Package limiter throttles sign-in attempts and places temporary lockouts.
package limiter

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"
)

// Defaults used by the binary.
const (
	DefaultWindow   = 15 * time.Minute
	DefaultMaxFails = 5
	DefaultBlockFor = 15 * time.Minute
)

// Limiter controls sign-in attempts per (user, phone) pair.
type Limiter interface {
	// Allow reports whether a sign-in step is currently allowed and an optional retry-after.
	Allow(ctx context.Context, userID int64, phoneHash []byte) (bool, time.Duration, error)
	// Success resets counters after a completed sign-in.
	Success(ctx context.Context, userID int64, phoneHash []byte) error
	// Failure records a rejected code or password; may place a temporary block.
	Failure(ctx context.Context, userID int64, phoneHash []byte) (bool, time.Duration, error)
}

// HashPhone returns a stable hash of the phone digits so raw numbers are never stored.
func HashPhone(phone string) []byte {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	h := sha256.Sum256([]byte(digits))
	return h[:]
}
