package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter for single-file deployments.
// State is lost on restart.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*entry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		entries:  make(map[string]*entry),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

func key(userID int64, phoneHash []byte) string {
	b := make([]byte, 0, 8+len(phoneHash))
	for i := 0; i < 8; i++ {
		b = append(b, byte(userID>>(8*i)))
	}
	return string(append(b, phoneHash...))
}

// Allow reports whether sign-in is currently allowed.
func (m *Memory) Allow(_ context.Context, userID int64, phoneHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(userID, phoneHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, userID int64, phoneHash []byte) error {
	m.mu.Lock()
	delete(m.entries, key(userID, phoneHash))
	m.mu.Unlock()
	return nil
}

// Failure counts a rejected attempt within the window and blocks at the threshold.
func (m *Memory) Failure(_ context.Context, userID int64, phoneHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key(userID, phoneHash)
	m.prune(now)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.updatedAt) > m.window {
		e = &entry{}
		m.entries[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails < m.maxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}

// prune drops pairs whose window and block have both run out.
func (m *Memory) prune(now time.Time) {
	for k, e := range m.entries {
		if now.Sub(e.updatedAt) > m.window && !e.blockedUntil.After(now) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
