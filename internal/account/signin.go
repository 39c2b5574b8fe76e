package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/limiter"
)

// SignInOutcome is the tagged result of CompleteSignIn.
type SignInOutcome int

// Sign-in outcomes.
const (
	// OutcomeProtocolFault: transport fault during submission; the pending
	// sign-in should be abandoned. Always paired with a non-nil error.
	OutcomeProtocolFault SignInOutcome = iota
	// OutcomeSuccess: authorized, credential stored, session live.
	OutcomeSuccess
	// OutcomeCodeRejected: code invalid or expired; the pending sign-in stays usable.
	OutcomeCodeRejected
	// OutcomePasswordRequired: a second factor must be submitted.
	OutcomePasswordRequired
)

func (o SignInOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCodeRejected:
		return "code_rejected"
	case OutcomePasswordRequired:
		return "password_required"
	default:
		return "protocol_fault"
	}
}

// PendingSignIn tracks one in-progress sign-in. It is only valid while it is
// the user's current pending entry; a newer BeginSignIn or a Disconnect
// invalidates it.
type PendingSignIn struct {
	ID     uuid.UUID
	UserID int64
	Phone  string

	transport Transport

	mu                sync.Mutex
	codeHash          string
	needsSecondFactor bool
}

// CodeHash returns the current challenge token.
func (p *PendingSignIn) CodeHash() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codeHash
}

// NeedsSecondFactor reports whether a password was requested.
func (p *PendingSignIn) NeedsSecondFactor() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsSecondFactor
}

func (p *PendingSignIn) setCodeHash(h string) {
	p.mu.Lock()
	p.codeHash = h
	p.mu.Unlock()
}

func (p *PendingSignIn) requireSecondFactor() {
	p.mu.Lock()
	p.needsSecondFactor = true
	p.mu.Unlock()
}

// CodeSubmission carries the user's answer to a code challenge.
// An empty CodeHash uses the pending entry's current token.
type CodeSubmission struct {
	Code     string
	CodeHash string
	Password string
}

// beginAttempts bounds code requests in BeginSignIn.
const beginAttempts = 2

// BeginSignIn opens a fresh transport and requests a code for phone.
// Auth-restart and connectivity faults get one reconnect and retry.
// A previous pending sign-in of the same user is superseded and closed.
func (m *Manager) BeginSignIn(ctx context.Context, userID int64, phone string) (*PendingSignIn, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	if err := m.allow(ctx, userID, phone); err != nil {
		return nil, err
	}
	t, err := m.dialer.Dial(userID, "")
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", errs.ErrSignIn, err)
	}
	p := &PendingSignIn{
		ID:        uuid.Must(uuid.NewV4()),
		UserID:    userID,
		Phone:     phone,
		transport: t,
	}
	log := m.log.With(zap.Int64("user_id", userID), zap.Stringer("attempt", p.ID))

	m.mu.Lock()
	old := m.pending[userID]
	m.pending[userID] = p
	m.mu.Unlock()
	if old != nil {
		_ = old.transport.Close()
		log.Info("superseded pending sign-in", zap.Stringer("previous", old.ID))
	}

	var lastErr error
	for attempt := 1; attempt <= beginAttempts; attempt++ {
		if attempt > 1 {
			_ = t.Close()
		}
		hash, err := m.sendCode(ctx, t, phone)
		if err == nil {
			p.setCodeHash(hash)
			if !m.isPending(p) {
				_ = t.Close()
				return nil, errs.ErrStaleSignIn
			}
			log.Info("code sent", zap.Int("attempt", attempt))
			return p, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil || !m.isPending(p) {
			break
		}
		log.Warn("code request failed, reconnecting", zap.Int("attempt", attempt), zap.Error(err))
	}

	m.dropPending(p)
	_ = t.Close()
	log.Warn("begin sign-in failed", zap.Error(lastErr))
	return nil, fmt.Errorf("%w: send code: %w", errs.ErrSignIn, lastErr)
}

func (m *Manager) sendCode(ctx context.Context, t Transport, phone string) (string, error) {
	if err := t.Connect(ctx); err != nil {
		return "", err
	}
	return t.SendCode(ctx, phone, "", false)
}

func retryable(err error) bool {
	return errors.Is(err, errs.ErrAuthRestart) || errors.Is(err, errs.ErrTransient)
}

// RequestNewCode re-issues a code for a pending sign-in. It does not retry.
func (m *Manager) RequestNewCode(ctx context.Context, p *PendingSignIn, forceAlternate bool) (string, error) {
	unlock := m.locks.lock(p.UserID)
	defer unlock()

	if !m.isPending(p) {
		return "", errs.ErrStaleSignIn
	}
	hash, err := p.transport.SendCode(ctx, p.Phone, p.CodeHash(), forceAlternate)
	if err != nil {
		return "", fmt.Errorf("%w: resend code: %w", errs.ErrSignIn, err)
	}
	p.setCodeHash(hash)
	m.log.Info("code re-sent", zap.Int64("user_id", p.UserID), zap.Bool("alternate", forceAlternate))
	return hash, nil
}

// CompleteSignIn submits the code (and the password, if supplied and needed).
func (m *Manager) CompleteSignIn(ctx context.Context, p *PendingSignIn, sub CodeSubmission) (SignInOutcome, error) {
	unlock := m.locks.lock(p.UserID)
	defer unlock()

	if !m.isPending(p) {
		return OutcomeProtocolFault, errs.ErrStaleSignIn
	}
	if err := m.allow(ctx, p.UserID, p.Phone); err != nil {
		return OutcomeProtocolFault, err
	}
	log := m.log.With(zap.Int64("user_id", p.UserID), zap.Stringer("attempt", p.ID))

	hash := sub.CodeHash
	if hash == "" {
		hash = p.CodeHash()
	}
	err := p.transport.SignIn(ctx, p.Phone, sub.Code, hash)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrCodeInvalid), errors.Is(err, errs.ErrCodeExpired):
		log.Warn("code rejected", zap.Int("code_len", len(sub.Code)), zap.Error(err))
		if err := m.failure(ctx, p); err != nil {
			return OutcomeProtocolFault, err
		}
		return OutcomeCodeRejected, nil
	case errors.Is(err, errs.ErrPasswordNeeded):
		p.requireSecondFactor()
		if sub.Password == "" {
			return OutcomePasswordRequired, nil
		}
		if err := p.transport.CheckPassword(ctx, sub.Password); err != nil {
			if errors.Is(err, errs.ErrPasswordInvalid) {
				if err := m.failure(ctx, p); err != nil {
					return OutcomeProtocolFault, err
				}
				return OutcomePasswordRequired, nil
			}
			return OutcomeProtocolFault, fmt.Errorf("%w: password: %w", errs.ErrSignIn, err)
		}
	default:
		log.Error("sign in", zap.Int("code_len", len(sub.Code)), zap.Error(err))
		return OutcomeProtocolFault, fmt.Errorf("%w: sign in: %w", errs.ErrSignIn, err)
	}

	ok, err := p.transport.Authorized(ctx)
	if err != nil {
		return OutcomeProtocolFault, fmt.Errorf("%w: status: %w", errs.ErrSignIn, err)
	}
	if !ok {
		log.Warn("not authorized after sign in")
		if p.NeedsSecondFactor() {
			return OutcomePasswordRequired, nil
		}
		return OutcomeCodeRejected, nil
	}
	if err := m.promote(ctx, p); err != nil {
		return OutcomeProtocolFault, err
	}
	log.Info("signed in")
	return OutcomeSuccess, nil
}

// CompleteSecondFactor submits the password. False means the password was
// rejected and the pending sign-in stays usable.
func (m *Manager) CompleteSecondFactor(ctx context.Context, p *PendingSignIn, password string) (bool, error) {
	unlock := m.locks.lock(p.UserID)
	defer unlock()

	if !m.isPending(p) {
		return false, errs.ErrStaleSignIn
	}
	if err := m.allow(ctx, p.UserID, p.Phone); err != nil {
		return false, err
	}
	log := m.log.With(zap.Int64("user_id", p.UserID), zap.Stringer("attempt", p.ID))

	if err := p.transport.CheckPassword(ctx, password); err != nil {
		if errors.Is(err, errs.ErrPasswordInvalid) {
			log.Warn("password rejected")
			return false, m.failure(ctx, p)
		}
		return false, fmt.Errorf("%w: password: %w", errs.ErrSignIn, err)
	}
	ok, err := p.transport.Authorized(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: status: %w", errs.ErrSignIn, err)
	}
	if !ok {
		return false, nil
	}
	if err := m.promote(ctx, p); err != nil {
		return false, err
	}
	log.Info("signed in with second factor")
	return true, nil
}

// Abandon closes a pending sign-in if it is still the user's current one.
func (m *Manager) Abandon(p *PendingSignIn) {
	if m.dropPending(p) {
		_ = p.transport.Close()
	}
}

// promote persists the credential and turns the pending entry into the live
// session. Must be called with the user's lock held. A live session being
// replaced is closed first: it writes through the same credential file.
func (m *Manager) promote(ctx context.Context, p *PendingSignIn) error {
	m.mu.Lock()
	old := m.live[p.UserID]
	delete(m.live, p.UserID)
	m.mu.Unlock()
	if old != nil {
		_ = old.transport.Close()
		m.log.Info("closed live session before storing new credential", zap.Int64("user_id", p.UserID))
	}

	locator, err := p.transport.Commit(ctx)
	if err != nil {
		return fmt.Errorf("%w: store credential: %w", errs.ErrSignIn, err)
	}
	if _, err := m.profiles.Upsert(ctx, p.UserID); err != nil {
		return fmt.Errorf("%w: profile: %w", errs.ErrSignIn, err)
	}
	if err := m.profiles.Attach(ctx, p.UserID, locator); err != nil {
		return fmt.Errorf("%w: profile: %w", errs.ErrSignIn, err)
	}
	if m.limiter != nil {
		if err := m.limiter.Success(ctx, p.UserID, limiter.HashPhone(p.Phone)); err != nil {
			m.log.Warn("limiter reset", zap.Int64("user_id", p.UserID), zap.Error(err))
		}
	}

	m.mu.Lock()
	current := m.pending[p.UserID] == p
	if current {
		delete(m.pending, p.UserID)
	}
	m.mu.Unlock()
	if !current {
		// disconnected while the credential was being stored
		_ = p.transport.Close()
		_ = m.profiles.Clear(ctx, p.UserID)
		_ = m.dialer.Remove(locator)
		return errs.ErrStaleSignIn
	}
	m.goLive(ctx, p.UserID, p.transport)
	return nil
}

func (m *Manager) isPending(p *PendingSignIn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[p.UserID] == p
}

func (m *Manager) dropPending(p *PendingSignIn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[p.UserID] != p {
		return false
	}
	delete(m.pending, p.UserID)
	return true
}

// Pending returns the user's current pending sign-in, if any.
func (m *Manager) Pending(userID int64) *PendingSignIn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[userID]
}

func (m *Manager) allow(ctx context.Context, userID int64, phone string) error {
	if m.limiter == nil {
		return nil
	}
	ok, retry, err := m.limiter.Allow(ctx, userID, limiter.HashPhone(phone))
	if err != nil {
		m.log.Warn("limiter check", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
	}
	return nil
}

// failure records a rejection; once the limit is reached the pending sign-in is dropped.
func (m *Manager) failure(ctx context.Context, p *PendingSignIn) error {
	if m.limiter == nil {
		return nil
	}
	blocked, retry, err := m.limiter.Failure(ctx, p.UserID, limiter.HashPhone(p.Phone))
	if err != nil {
		m.log.Warn("limiter record", zap.Int64("user_id", p.UserID), zap.Error(err))
		return nil
	}
	if !blocked {
		return nil
	}
	m.Abandon(p)
	return fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
}
