// Package scheduler runs one daily keep-alive job per user.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/model"
)

// DefaultGrace is how late a fire may run before the occurrence is skipped.
const DefaultGrace = time.Hour

// Sender delivers the keep-alive text through a user's account session.
type Sender interface {
	RelayOutbound(ctx context.Context, userID int64, text string) bool
}

// ParseTime parses a strict "HH:MM" schedule time.
func ParseTime(s string) (model.Clock, error) {
	return model.ParseClock(s)
}

type job struct {
	entry cron.EntryID
	at    model.Clock
}

// BuffScheduler keeps the job table in step with stored profiles.
type BuffScheduler struct {
	cron   *cron.Cron
	sender Sender
	text   string
	loc    *time.Location
	grace  time.Duration
	now    func() time.Time
	log    *zap.Logger

	mu      sync.Mutex
	jobs    map[int64]job
	running bool
}

// Option configures a BuffScheduler.
type Option func(*BuffScheduler)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(s *BuffScheduler) { s.grace = d }
}

// WithClock overrides the wall clock used for lateness checks.
func WithClock(now func() time.Time) Option {
	return func(s *BuffScheduler) { s.now = now }
}

// New constructs a scheduler firing in loc that sends text through sender.
func New(sender Sender, text string, loc *time.Location, log *zap.Logger, opts ...Option) *BuffScheduler {
	if loc == nil {
		loc = time.Local
	}
	s := &BuffScheduler{
		sender: sender,
		text:   text,
		loc:    loc,
		grace:  DefaultGrace,
		now:    time.Now,
		log:    log,
		jobs:   make(map[int64]job),
	}
	for _, o := range opts {
		o(s)
	}
	cl := cronLogger{log: log.Named("cron").Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// Start starts the timer engine. Calling it again is a no-op.
func (s *BuffScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)), zap.String("tz", s.loc.String()))
}

// Shutdown stops the engine and waits for running jobs or ctx, whichever ends first.
func (s *BuffScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncUser re-applies one profile: the old job is removed and, when the
// schedule is enabled with a valid time, a new daily job is installed.
// The table lock is held throughout so a user never owns two timers.
func (s *BuffScheduler) SyncUser(p *model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(p.ID)
	if !p.ScheduleEnabled {
		return
	}
	log := s.log.With(zap.Int64("user_id", p.ID))
	at, err := ParseTime(p.ScheduleTime)
	if err != nil {
		log.Warn("schedule time rejected", zap.String("time", p.ScheduleTime), zap.Error(err))
		return
	}

	userID := p.ID
	id, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", at.Minute, at.Hour), func() {
		s.fire(userID, at)
	})
	if err != nil {
		log.Error("add job", zap.Error(err))
		return
	}
	s.jobs[userID] = job{entry: id, at: at}
	log.Info("job scheduled", zap.Stringer("at", at))
}

// RemoveUser cancels the user's job if there is one.
func (s *BuffScheduler) RemoveUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(userID)
}

func (s *BuffScheduler) removeLocked(userID int64) {
	if j, ok := s.jobs[userID]; ok {
		delete(s.jobs, userID)
		s.cron.Remove(j.entry)
	}
}

// HasJob reports whether userID has an installed job.
func (s *BuffScheduler) HasJob(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[userID]
	return ok
}

// Jobs returns the number of installed jobs.
func (s *BuffScheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Next returns the next fire time of userID's job.
func (s *BuffScheduler) Next(userID int64) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[userID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(j.entry)
	if !e.Valid() {
		return time.Time{}, false
	}
	if !e.Next.IsZero() {
		return e.Next, true
	}
	return e.Schedule.Next(s.now().In(s.loc)), true
}

// RunNow sends the keep-alive for userID immediately, ignoring the schedule.
func (s *BuffScheduler) RunNow(ctx context.Context, userID int64) bool {
	return s.send(ctx, userID)
}

func (s *BuffScheduler) fire(userID int64, at model.Clock) {
	now := s.now().In(s.loc)
	if late := now.Sub(lastOccurrence(now, at)); late > s.grace {
		s.log.Warn("keep-alive skipped, too late",
			zap.Int64("user_id", userID),
			zap.Duration("late", late),
		)
		return
	}
	s.send(context.Background(), userID)
}

func (s *BuffScheduler) send(ctx context.Context, userID int64) bool {
	log := s.log.With(zap.Int64("user_id", userID))
	if !s.sender.RelayOutbound(ctx, userID, s.text) {
		log.Warn("keep-alive not sent")
		return false
	}
	log.Info("keep-alive sent")
	return true
}

// lastOccurrence is the most recent moment at or before now whose wall clock is at.
func lastOccurrence(now time.Time, at model.Clock) time.Time {
	y, m, d := now.Date()
	t := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, now.Location())
	if t.After(now) {
		t = time.Date(y, m, d-1, at.Hour, at.Minute, 0, 0, now.Location())
	}
	return t
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
