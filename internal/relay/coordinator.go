// Package relay connects chat commands to account sessions, the profile
// store and the keep-alive scheduler.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/account"
	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/model"
	"github.com/mrtesla07/goetia-bot/internal/repository"
	"github.com/mrtesla07/goetia-bot/internal/scheduler"
	"github.com/mrtesla07/goetia-bot/internal/validate"
)

// Menu is what the presenter needs to render the main menu.
type Menu struct {
	Connected       bool
	RelayEnabled    bool
	ScheduleEnabled bool
	ScheduleTime    string
	Peer            string
	TimeZone        string
}

// Presenter delivers messages to a user's bot chat.
type Presenter interface {
	Send(ctx context.Context, userID int64, text string) error
	ShowMenu(ctx context.Context, userID int64, m Menu) error
}

// Accounts is the subset of account.Manager used by the coordinator.
type Accounts interface {
	Peer() string
	SetInboundHandler(f account.InboundFunc)
	Restore(ctx context.Context, userID int64, locator string) (*account.Session, error)
	BeginSignIn(ctx context.Context, userID int64, phone string) (*account.PendingSignIn, error)
	RequestNewCode(ctx context.Context, p *account.PendingSignIn, forceAlternate bool) (string, error)
	CompleteSignIn(ctx context.Context, p *account.PendingSignIn, sub account.CodeSubmission) (account.SignInOutcome, error)
	CompleteSecondFactor(ctx context.Context, p *account.PendingSignIn, password string) (bool, error)
	Abandon(p *account.PendingSignIn)
	Disconnect(ctx context.Context, userID int64) error
	Forget(locator string) error
	RelayOutbound(ctx context.Context, userID int64, text string) bool
	IsConnected(userID int64) bool
}

// Scheduler is the subset of scheduler.BuffScheduler used by the coordinator.
type Scheduler interface {
	SyncUser(p *model.Profile)
	RemoveUser(userID int64)
}

var (
	_ Accounts  = (*account.Manager)(nil)
	_ Scheduler = (*scheduler.BuffScheduler)(nil)
)

// RestoreTimeout bounds the startup restore of one stored session.
const RestoreTimeout = time.Minute

// ResendKeyword requests a new code through the alternate channel while a
// code is awaited.
const ResendKeyword = "sms"

type step int

const (
	stepNone step = iota
	stepPhone
	stepCode
	stepPassword
	stepTime
)

// dialog is one user's interactive step. A dialog is replaced, never mutated,
// so a long network call can tell whether it is still current.
type dialog struct {
	step    step
	pending *account.PendingSignIn
}

// Coordinator handles chat commands for every user.
type Coordinator struct {
	accounts  Accounts
	profiles  repository.ProfileRepository
	scheduler Scheduler
	presenter Presenter
	timeZone  string
	log       *zap.Logger

	restoreTimeout time.Duration

	mu      sync.Mutex
	dialogs map[int64]*dialog
}

// New constructs a Coordinator and registers it as the inbound handler.
func New(accounts Accounts, profiles repository.ProfileRepository, sched Scheduler, presenter Presenter, timeZone string, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		accounts:  accounts,
		profiles:  profiles,
		scheduler: sched,
		presenter: presenter,
		timeZone:  timeZone,
		log:       log,

		restoreTimeout: RestoreTimeout,
		dialogs:        make(map[int64]*dialog),
	}
	accounts.SetInboundHandler(c.Inbound)
	return c
}

// RestoreAll restores every stored session and re-applies every schedule.
// Per-user failures are logged and returned joined; they never stop the loop.
func (c *Coordinator) RestoreAll(ctx context.Context) error {
	profiles, err := c.profiles.List(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	var errList []error
	restored := 0
	for i := range profiles {
		p := &profiles[i]
		if p.Connected() {
			if err := c.restore(ctx, p); err != nil {
				errList = append(errList, fmt.Errorf("user %d: %w", p.ID, err))
			} else {
				restored++
			}
		}
		c.scheduler.SyncUser(p)
	}
	c.log.Info("startup restore done",
		zap.Int("profiles", len(profiles)),
		zap.Int("restored", restored),
		zap.Int("failed", len(errList)),
	)
	return errors.Join(errList...)
}

func (c *Coordinator) restore(ctx context.Context, p *model.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, c.restoreTimeout)
	defer cancel()
	_, err := c.accounts.Restore(ctx, p.ID, *p.CredentialLocator)
	return err
}

// Start creates the profile if needed and shows the menu.
func (c *Coordinator) Start(ctx context.Context, userID int64) error {
	c.reset(userID)
	return c.showMenu(ctx, userID)
}

// Status shows the current status and menu.
func (c *Coordinator) Status(ctx context.Context, userID int64) error {
	return c.Start(ctx, userID)
}

// BeginConnect asks for a phone number.
func (c *Coordinator) BeginConnect(ctx context.Context, userID int64) error {
	c.reset(userID)
	c.set(userID, &dialog{step: stepPhone})
	return c.send(ctx, userID, msgAskPhone)
}

// BeginSetTime asks for a keep-alive time.
func (c *Coordinator) BeginSetTime(ctx context.Context, userID int64) error {
	c.reset(userID)
	c.set(userID, &dialog{step: stepTime})
	return c.send(ctx, userID, fmt.Sprintf(msgAskTime, c.timeZone))
}

// HandleText routes free text by the user's current step; with no step
// the text is relayed to the peer.
func (c *Coordinator) HandleText(ctx context.Context, userID int64, text string) error {
	d := c.current(userID)
	switch d.step {
	case stepPhone:
		return c.onPhone(ctx, userID, d, text)
	case stepCode:
		return c.onCode(ctx, userID, d, text)
	case stepPassword:
		return c.onPassword(ctx, userID, d, text)
	case stepTime:
		return c.onTime(ctx, userID, d, text)
	default:
		return c.relay(ctx, userID, text)
	}
}

func (c *Coordinator) onPhone(ctx context.Context, userID int64, d *dialog, text string) error {
	phone, err := validate.Phone(text)
	if err != nil {
		return c.send(ctx, userID, msgBadPhone)
	}
	if _, err := c.profiles.Upsert(ctx, userID); err != nil {
		return c.fail(ctx, userID, d, err)
	}
	p, err := c.accounts.BeginSignIn(ctx, userID, phone)
	if err != nil {
		return c.fail(ctx, userID, d, err)
	}
	if !c.replace(userID, d, &dialog{step: stepCode, pending: p}) {
		c.accounts.Abandon(p)
		return nil
	}
	return c.send(ctx, userID, msgCodeSent)
}

func (c *Coordinator) onCode(ctx context.Context, userID int64, d *dialog, text string) error {
	if strings.EqualFold(strings.TrimSpace(text), ResendKeyword) {
		if _, err := c.accounts.RequestNewCode(ctx, d.pending, true); err != nil {
			return c.fail(ctx, userID, d, err)
		}
		return c.send(ctx, userID, msgCodeResent)
	}
	code, err := validate.Code(text)
	if err != nil {
		return c.send(ctx, userID, msgBadCode)
	}
	outcome, err := c.accounts.CompleteSignIn(ctx, d.pending, account.CodeSubmission{Code: code})
	switch outcome {
	case account.OutcomeSuccess:
		return c.connected(ctx, userID, d)
	case account.OutcomeCodeRejected:
		return c.send(ctx, userID, msgCodeRejected)
	case account.OutcomePasswordRequired:
		c.replace(userID, d, &dialog{step: stepPassword, pending: d.pending})
		return c.send(ctx, userID, msgAskPassword)
	default:
		return c.fail(ctx, userID, d, err)
	}
}

func (c *Coordinator) onPassword(ctx context.Context, userID int64, d *dialog, text string) error {
	password := strings.TrimSpace(text)
	if err := validate.Password(password); err != nil {
		return c.send(ctx, userID, msgAskPassword)
	}
	ok, err := c.accounts.CompleteSecondFactor(ctx, d.pending, password)
	if err != nil {
		return c.fail(ctx, userID, d, err)
	}
	if !ok {
		return c.send(ctx, userID, msgPasswordRejected)
	}
	return c.connected(ctx, userID, d)
}

func (c *Coordinator) onTime(ctx context.Context, userID int64, d *dialog, text string) error {
	at, err := scheduler.ParseTime(text)
	if err != nil {
		return c.send(ctx, userID, msgBadTime)
	}
	if _, err := c.profiles.Upsert(ctx, userID); err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	if err := c.profiles.SetScheduleTime(ctx, userID, at.String()); err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	c.replace(userID, d, nil)
	c.sync(ctx, userID)
	return c.send(ctx, userID, fmt.Sprintf(msgTimeSet, at, c.timeZone))
}

func (c *Coordinator) relay(ctx context.Context, userID int64, text string) error {
	if !c.accounts.IsConnected(userID) {
		return c.send(ctx, userID, msgNotConnected)
	}
	if !c.accounts.RelayOutbound(ctx, userID, text) {
		return c.send(ctx, userID, msgSendFailed)
	}
	return nil
}

func (c *Coordinator) connected(ctx context.Context, userID int64, d *dialog) error {
	c.replace(userID, d, nil)
	c.sync(ctx, userID)
	if err := c.send(ctx, userID, fmt.Sprintf(msgConnected, c.accounts.Peer())); err != nil {
		return err
	}
	return c.showMenu(ctx, userID)
}

// fail ends the dialog d and reports err to the user as a short reason.
func (c *Coordinator) fail(ctx context.Context, userID int64, d *dialog, err error) error {
	c.log.Warn("sign-in step failed", zap.Int64("user_id", userID), zap.Error(err))
	if c.replace(userID, d, nil) && d.pending != nil {
		c.accounts.Abandon(d.pending)
	}
	return c.send(ctx, userID, reason(err))
}

// Disconnect closes the session and clears the stored credential and schedule.
func (c *Coordinator) Disconnect(ctx context.Context, userID int64) error {
	c.reset(userID)
	log := c.log.With(zap.Int64("user_id", userID))

	var errList []error
	if err := c.accounts.Disconnect(ctx, userID); err != nil {
		errList = append(errList, err)
	}
	var locator string
	p, err := c.profiles.Get(ctx, userID)
	switch {
	case err == nil:
		if p.CredentialLocator != nil {
			locator = *p.CredentialLocator
		}
		if err := c.profiles.Clear(ctx, userID); err != nil {
			errList = append(errList, err)
		}
	case !errors.Is(err, errs.ErrNotFound):
		errList = append(errList, err)
	}
	c.scheduler.RemoveUser(userID)
	if err := c.accounts.Forget(locator); err != nil {
		errList = append(errList, err)
	}
	if err := errors.Join(errList...); err != nil {
		log.Warn("disconnect", zap.Error(err))
	}
	log.Info("disconnected")
	return c.send(ctx, userID, msgDisconnected)
}

// ToggleRelay flips inbound relay.
func (c *Coordinator) ToggleRelay(ctx context.Context, userID int64) error {
	c.reset(userID)
	p, err := c.profiles.Upsert(ctx, userID)
	if err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	on := !p.RelayEnabled
	if err := c.profiles.SetRelay(ctx, userID, on); err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	if on {
		return c.send(ctx, userID, fmt.Sprintf(msgRelayOn, c.accounts.Peer()))
	}
	return c.send(ctx, userID, msgRelayOff)
}

// ToggleSchedule flips the daily keep-alive and re-applies the schedule.
func (c *Coordinator) ToggleSchedule(ctx context.Context, userID int64) error {
	c.reset(userID)
	p, err := c.profiles.Upsert(ctx, userID)
	if err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	on := !p.ScheduleEnabled
	if err := c.profiles.SetSchedule(ctx, userID, on); err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	c.sync(ctx, userID)
	if on {
		return c.send(ctx, userID, fmt.Sprintf(msgScheduleOn, p.ScheduleTime, c.timeZone))
	}
	return c.send(ctx, userID, msgScheduleOff)
}

// Inbound presents a relayed message from the peer.
func (c *Coordinator) Inbound(ctx context.Context, userID int64, sender, text string) {
	if err := c.presenter.Send(ctx, userID, fmt.Sprintf("[%s] %s", sender, text)); err != nil {
		c.log.Error("deliver inbound", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (c *Coordinator) showMenu(ctx context.Context, userID int64) error {
	p, err := c.profiles.Upsert(ctx, userID)
	if err != nil {
		return c.storeFailed(ctx, userID, err)
	}
	return c.presenter.ShowMenu(ctx, userID, Menu{
		Connected:       c.accounts.IsConnected(userID),
		RelayEnabled:    p.RelayEnabled,
		ScheduleEnabled: p.ScheduleEnabled,
		ScheduleTime:    p.ScheduleTime,
		Peer:            c.accounts.Peer(),
		TimeZone:        c.timeZone,
	})
}

func (c *Coordinator) sync(ctx context.Context, userID int64) {
	p, err := c.profiles.Get(ctx, userID)
	if err != nil {
		c.log.Error("schedule sync: load profile", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	c.scheduler.SyncUser(p)
}

func (c *Coordinator) storeFailed(ctx context.Context, userID int64, err error) error {
	c.log.Error("profile store", zap.Int64("user_id", userID), zap.Error(err))
	return c.send(ctx, userID, msgInternal)
}

func (c *Coordinator) send(ctx context.Context, userID int64, text string) error {
	return c.presenter.Send(ctx, userID, text)
}

var idle = &dialog{}

func (c *Coordinator) current(userID int64) *dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.dialogs[userID]; ok {
		return d
	}
	return idle
}

func (c *Coordinator) set(userID int64, d *dialog) {
	c.mu.Lock()
	c.dialogs[userID] = d
	c.mu.Unlock()
}

// replace swaps old for next (nil ends the dialog) if old is still current.
func (c *Coordinator) replace(userID int64, old, next *dialog) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.dialogs[userID]
	if !ok {
		cur = idle
	}
	if cur != old {
		return false
	}
	if next == nil {
		delete(c.dialogs, userID)
	} else {
		c.dialogs[userID] = next
	}
	return true
}

// reset ends the user's dialog and abandons its pending sign-in.
func (c *Coordinator) reset(userID int64) {
	c.mu.Lock()
	d := c.dialogs[userID]
	delete(c.dialogs, userID)
	c.mu.Unlock()
	if d != nil && d.pending != nil {
		c.accounts.Abandon(d.pending)
	}
}
