package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrtesla07/goetia-bot/internal/account"
	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/repository/sqlite"
	"github.com/mrtesla07/goetia-bot/internal/scheduler"
)

const (
	testPeer = "Agent_essence_bot"
	user     = int64(100)
)

// transport is a scripted account.Transport.
type transport struct {
	mu sync.Mutex

	locator    string
	authorized bool
	code       string
	password   string
	sendErr    error
	forced     []bool
	sent       []string
	closed     bool
	hang       bool
	handler    account.MessageHandler
}

func (t *transport) Connect(ctx context.Context) error {
	if t.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *transport) Authorized(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authorized, nil
}

func (t *transport) SendCode(_ context.Context, _, _ string, force bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.forced = append(t.forced, force)
	return fmt.Sprintf("hash-%d", len(t.forced)), nil
}

func (t *transport) SignIn(_ context.Context, _, code, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if code != t.code {
		return errs.ErrCodeInvalid
	}
	if t.password != "" {
		return errs.ErrPasswordNeeded
	}
	t.authorized = true
	return nil
}

func (t *transport) CheckPassword(_ context.Context, password string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if password != t.password {
		return errs.ErrPasswordInvalid
	}
	t.authorized = true
	return nil
}

func (t *transport) ResolvePeer(context.Context, string) (int64, error) { return 0, nil }

func (t *transport) SendText(_ context.Context, _, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return nil
}

func (t *transport) OnMessage(h account.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *transport) Commit(context.Context) (string, error) { return t.locator, nil }

func (t *transport) emit(sender, text string) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	h(context.Background(), account.Message{Sender: sender, Text: text})
}

func (t *transport) sentTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// dialer hands out the next scripted transport; stored ones are keyed by locator.
type dialer struct {
	mu      sync.Mutex
	next    *transport
	stored  map[string]*transport
	removed []string
}

func (d *dialer) Dial(userID int64, locator string) (account.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if locator != "" {
		t, ok := d.stored[locator]
		if !ok {
			return nil, fmt.Errorf("no credential at %s", locator)
		}
		return t, nil
	}
	t := d.next
	if t == nil {
		t = &transport{code: "12345"}
	}
	d.next = nil
	t.locator = fmt.Sprintf("sessions/user_%d.session", userID)
	d.stored[t.locator] = t
	return t, nil
}

func (d *dialer) Remove(locator string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, locator)
	delete(d.stored, locator)
	return nil
}

type presenter struct {
	mu    sync.Mutex
	texts []string
	menus []Menu
}

func (p *presenter) Send(_ context.Context, _ int64, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return nil
}

func (p *presenter) ShowMenu(_ context.Context, _ int64, m Menu) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.menus = append(p.menus, m)
	return nil
}

func (p *presenter) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return ""
	}
	return p.texts[len(p.texts)-1]
}

func (p *presenter) lastMenu() Menu {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.menus) == 0 {
		return Menu{}
	}
	return p.menus[len(p.menus)-1]
}

type env struct {
	c     *Coordinator
	m     *account.Manager
	d     *dialer
	p     *presenter
	repo  *sqlite.ProfileRepo
	sched *scheduler.BuffScheduler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewProfileRepo(db)
	d := &dialer{stored: map[string]*transport{}}
	m := account.NewManager(d, repo, testPeer, log)
	sched := scheduler.New(m, "/buff", time.UTC, log)
	p := &presenter{}
	return &env{
		c:     New(m, repo, sched, p, "MSK", log),
		m:     m,
		d:     d,
		p:     p,
		repo:  repo,
		sched: sched,
	}
}

// connect drives a full sign-in for user and returns its transport.
func (e *env) connect(t *testing.T) *transport {
	t.Helper()
	ctx := context.Background()
	tr := &transport{code: "12345"}
	e.d.next = tr
	require.NoError(t, e.c.BeginConnect(ctx, user))
	require.NoError(t, e.c.HandleText(ctx, user, "+79990000000"))
	require.NoError(t, e.c.HandleText(ctx, user, "12345"))
	require.True(t, e.m.IsConnected(user))
	return tr
}
