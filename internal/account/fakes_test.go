package account

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrtesla07/goetia-bot/internal/errs"
	"github.com/mrtesla07/goetia-bot/internal/repository/sqlite"
)

const testPeer = "Agent_essence_bot"

type fakeTransport struct {
	mu sync.Mutex

	locator         string
	authorized      bool
	requirePassword bool
	password        string
	validCode       string
	connectErr      error
	sendCodeErrs    []error
	signInErr       error
	signInEntered   chan struct{}
	signInGate      chan struct{}
	peerID          int64
	resolveErr      error
	onCommit        func()

	connects     int
	closes       int
	codeRequests int
	forced       []bool
	sent         [][2]string
	committed    bool
	handler      MessageHandler
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Authorized(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeTransport) SendCode(_ context.Context, _ string, _ string, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeRequests++
	f.forced = append(f.forced, force)
	if len(f.sendCodeErrs) > 0 {
		err := f.sendCodeErrs[0]
		f.sendCodeErrs = f.sendCodeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("hash-%d", f.codeRequests), nil
}

func (f *fakeTransport) SignIn(_ context.Context, _, code, _ string) error {
	if f.signInEntered != nil {
		close(f.signInEntered)
	}
	if f.signInGate != nil {
		<-f.signInGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return f.signInErr
	}
	if f.validCode != "" && code != f.validCode {
		return fmt.Errorf("rpc: %w", errs.ErrCodeInvalid)
	}
	if f.requirePassword {
		return fmt.Errorf("rpc: %w", errs.ErrPasswordNeeded)
	}
	f.authorized = true
	return nil
}

func (f *fakeTransport) CheckPassword(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != f.password {
		return fmt.Errorf("rpc: %w", errs.ErrPasswordInvalid)
	}
	f.authorized = true
	return nil
}

func (f *fakeTransport) ResolvePeer(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerID, f.resolveErr
}

func (f *fakeTransport) SendText(_ context.Context, peer, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, [2]string{peer, text})
	return nil
}

func (f *fakeTransport) OnMessage(h MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Commit(context.Context) (string, error) {
	if f.onCommit != nil {
		f.onCommit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	return f.locator, nil
}

func (f *fakeTransport) emit(msg Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(context.Background(), msg)
	}
}

func (f *fakeTransport) sentMessages() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.sent...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	next    []*fakeTransport
	stored  map[string]*fakeTransport
	dialed  []*fakeTransport
	removed []string
}

func (d *fakeDialer) Dial(userID int64, locator string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var t *fakeTransport
	switch {
	case locator != "":
		t = d.stored[locator]
		if t == nil {
			return nil, fmt.Errorf("no credential at %s", locator)
		}
	case len(d.next) > 0:
		t = d.next[0]
		d.next = d.next[1:]
	default:
		t = &fakeTransport{validCode: "123456"}
	}
	if t.locator == "" {
		t.locator = fmt.Sprintf("sessions/user_%d.session", userID)
	}
	d.dialed = append(d.dialed, t)
	return t, nil
}

func (d *fakeDialer) Remove(locator string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, locator)
	return nil
}

func newManager(t *testing.T, opts ...Option) (*Manager, *fakeDialer, *sqlite.ProfileRepo) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewProfileRepo(db)
	d := &fakeDialer{stored: map[string]*fakeTransport{}}
	return NewManager(d, repo, testPeer, zaptest.NewLogger(t), opts...), d, repo
}
