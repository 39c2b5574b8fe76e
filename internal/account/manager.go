// Package account owns live account sessions: sign-in, restore, inbound
// filtering and outbound relay to the fixed peer.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/limiter"
	"github.com/mrtesla07/goetia-bot/internal/repository"
)

// resolveTimeout bounds the peer lookup done when a session goes live.
const resolveTimeout = 15 * time.Second

// Session is a live authorized connection for one user. PeerID is zero when
// the relay peer could not be resolved; inbound matching then uses the handle.
type Session struct {
	UserID    int64
	PeerID    int64
	transport Transport
}

// Manager owns the live-session and pending sign-in tables.
// Operations on one user are serialized; different users run independently.
type Manager struct {
	dialer   Dialer
	profiles repository.ProfileRepository
	peer     string
	limiter  limiter.Limiter
	log      *zap.Logger

	locks keyedMutex

	mu      sync.Mutex
	live    map[int64]*Session
	pending map[int64]*PendingSignIn
	inbound InboundFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimiter enables sign-in lockout after repeated rejections.
func WithLimiter(l limiter.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// NewManager constructs a Manager relaying to peer.
func NewManager(d Dialer, profiles repository.ProfileRepository, peer string, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer:   d,
		profiles: profiles,
		peer:     peer,
		log:      log,
		live:     make(map[int64]*Session),
		pending:  make(map[int64]*PendingSignIn),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Peer returns the fixed relay peer handle.
func (m *Manager) Peer() string { return m.peer }

// SetInboundHandler registers the callback for filtered inbound messages.
func (m *Manager) SetInboundHandler(f InboundFunc) {
	m.mu.Lock()
	m.inbound = f
	m.mu.Unlock()
}

// Restore re-establishes a session from a stored credential. Failures are
// logged and returned wrapping errs.ErrCredentialInvalid.
func (m *Manager) Restore(ctx context.Context, userID int64, locator string) (*Session, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	log := m.log.With(zap.Int64("user_id", userID))
	t, err := m.dialer.Dial(userID, locator)
	if err != nil {
		log.Warn("restore: dial", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", errs.ErrCredentialInvalid, err)
	}
	if err := t.Connect(ctx); err != nil {
		_ = t.Close()
		log.Warn("restore: connect", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", errs.ErrCredentialInvalid, err)
	}
	ok, err := t.Authorized(ctx)
	if err != nil || !ok {
		_ = t.Close()
		log.Warn("restore: session not authorized", zap.Error(err))
		if err == nil {
			err = errors.New("not authorized")
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrCredentialInvalid, err)
	}

	s := m.goLive(ctx, userID, t)
	log.Info("session restored")
	return s, nil
}

// goLive resolves the relay peer, subscribes the inbound filter and installs t
// as the user's live session, closing any session it replaces.
func (m *Manager) goLive(ctx context.Context, userID int64, t Transport) *Session {
	s := &Session{UserID: userID, transport: t}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	peerID, err := t.ResolvePeer(rctx, m.peer)
	cancel()
	if err != nil {
		m.log.Warn("resolve relay peer, matching by handle only",
			zap.Int64("user_id", userID), zap.String("peer", m.peer), zap.Error(err))
	} else {
		s.PeerID = peerID
	}
	t.OnMessage(m.inboundFor(userID, s.PeerID))

	m.mu.Lock()
	old := m.live[userID]
	m.live[userID] = s
	m.mu.Unlock()

	if old != nil && old.transport != t {
		_ = old.transport.Close()
	}
	return s
}

// Disconnect closes and removes the live session and any pending sign-in.
// It never waits on in-flight calls of the same user; those fail on their own.
func (m *Manager) Disconnect(_ context.Context, userID int64) error {
	m.mu.Lock()
	s := m.live[userID]
	delete(m.live, userID)
	p := m.pending[userID]
	delete(m.pending, userID)
	m.mu.Unlock()

	var errList []error
	if p != nil {
		errList = append(errList, p.transport.Close())
	}
	if s != nil {
		errList = append(errList, s.transport.Close())
		m.log.Info("session closed", zap.Int64("user_id", userID))
	}
	return errors.Join(errList...)
}

// Forget removes a stored credential.
func (m *Manager) Forget(locator string) error {
	if locator == "" {
		return nil
	}
	return m.dialer.Remove(locator)
}

// IsConnected reports whether userID has a live session.
func (m *Manager) IsConnected(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[userID]
	return ok
}

// Connected returns the ids with live sessions in ascending order.
func (m *Manager) Connected() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every live session and pending sign-in.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make(map[int64]struct{}, len(m.live)+len(m.pending))
	for id := range m.live {
		ids[id] = struct{}{}
	}
	for id := range m.pending {
		ids[id] = struct{}{}
	}
	m.mu.Unlock()

	var errList []error
	for id := range ids {
		if err := m.Disconnect(ctx, id); err != nil {
			errList = append(errList, fmt.Errorf("user %d: %w", id, err))
		}
	}
	return errors.Join(errList...)
}

func (m *Manager) session(userID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[userID]
}

// keyedMutex serializes operations per user id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[int64]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
