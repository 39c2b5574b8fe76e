package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/mrtesla07/goetia-bot/internal/relay"
)

type fakeAPI struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	sent     []tgbotapi.MessageConfig
	answered []string
	sendErrs []error
	stopped  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type call struct {
	action string
	userID int64
	text   string
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []call
	seen  chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{seen: make(chan struct{}, 16)}
}

func (h *fakeHandler) record(action string, userID int64, text string) error {
	h.mu.Lock()
	h.calls = append(h.calls, call{action, userID, text})
	h.mu.Unlock()
	h.seen <- struct{}{}
	return nil
}

func (h *fakeHandler) Start(_ context.Context, id int64) error  { return h.record("start", id, "") }
func (h *fakeHandler) Status(_ context.Context, id int64) error { return h.record("status", id, "") }
func (h *fakeHandler) BeginConnect(_ context.Context, id int64) error {
	return h.record("connect", id, "")
}
func (h *fakeHandler) Disconnect(_ context.Context, id int64) error {
	return h.record("disconnect", id, "")
}
func (h *fakeHandler) ToggleRelay(_ context.Context, id int64) error {
	return h.record("relay", id, "")
}
func (h *fakeHandler) ToggleSchedule(_ context.Context, id int64) error {
	return h.record("schedule", id, "")
}
func (h *fakeHandler) BeginSetTime(_ context.Context, id int64) error {
	return h.record("time", id, "")
}
func (h *fakeHandler) HandleText(_ context.Context, id int64, text string) error {
	return h.record("text", id, text)
}

func (h *fakeHandler) wait(t *testing.T, n int) []call {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler saw %d of %d updates", i, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func private(id int64) *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: id, Type: "private"}
}

func textUpdate(id int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{From: &tgbotapi.User{ID: id}, Chat: private(id), Text: text}
	if strings.HasPrefix(text, "/") {
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}}
	}
	return tgbotapi.Update{Message: msg}
}

func callbackUpdate(id int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-" + data,
		From: &tgbotapi.User{ID: id},
		Data: data,
	}}
}

func run(t *testing.T, api *fakeAPI, h Handler) (*Bot, func()) {
	t.Helper()
	b := New(api, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, h) }()
	return b, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("Run did not return")
		}
	}
}

func TestRun_RoutesCommandsAndText(t *testing.T) {
	api := newFakeAPI()
	h := newFakeHandler()
	_, stop := run(t, api, h)

	api.updates <- textUpdate(1, "/start")
	h.wait(t, 1)
	api.updates <- textUpdate(1, "/menu")
	h.wait(t, 1)
	api.updates <- textUpdate(1, "/buff")
	h.wait(t, 1)
	api.updates <- textUpdate(1, "hello")
	calls := h.wait(t, 1)
	stop()

	require.Equal(t, []call{
		{"start", 1, ""},
		{"start", 1, ""},
		{"text", 1, "/buff"},
		{"text", 1, "hello"},
	}, calls)
	require.True(t, api.stopped)
}

func TestRun_RoutesCallbacks(t *testing.T) {
	api := newFakeAPI()
	h := newFakeHandler()
	_, stop := run(t, api, h)

	want := map[string]string{
		CallbackConnect:           "connect",
		CallbackReconnect:         "connect",
		CallbackDisconnect:        "disconnect",
		CallbackTogglePassthrough: "relay",
		CallbackToggleSchedule:    "schedule",
		CallbackSetTime:           "time",
		CallbackStatus:            "status",
	}
	for data, action := range want {
		api.updates <- callbackUpdate(7, data)
		calls := h.wait(t, 1)
		require.Equal(t, call{action, 7, ""}, calls[len(calls)-1], data)
	}
	stop()

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.answered, len(want))
}

func TestRun_IgnoresGroupsAndEmpty(t *testing.T) {
	api := newFakeAPI()
	h := newFakeHandler()
	_, stop := run(t, api, h)

	group := textUpdate(1, "hi")
	group.Message.Chat = &tgbotapi.Chat{ID: -100, Type: "group"}
	api.updates <- group
	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: private(1)}}
	api.updates <- tgbotapi.Update{}
	api.updates <- textUpdate(1, "marker")
	calls := h.wait(t, 1)
	stop()

	require.Equal(t, []call{{"text", 1, "marker"}}, calls)
}

func TestRun_ChannelClosed(t *testing.T) {
	api := newFakeAPI()
	close(api.updates)
	b := New(api, zaptest.NewLogger(t))
	require.Error(t, b.Run(context.Background(), newFakeHandler()))
}

func TestShowMenu(t *testing.T) {
	api := newFakeAPI()
	b := New(api, zaptest.NewLogger(t))

	m := relay.Menu{Connected: true, RelayEnabled: true, ScheduleEnabled: true, ScheduleTime: "10:30", Peer: "Agent_essence_bot", TimeZone: "Europe/Moscow"}
	require.NoError(t, b.ShowMenu(context.Background(), 5, m))

	sent := api.messages()
	require.Len(t, sent, 1)
	require.Equal(t, int64(5), sent[0].ChatID)
	require.Contains(t, sent[0].Text, "Account: connected")
	require.Contains(t, sent[0].Text, "Relay from @Agent_essence_bot: ON")
	require.Contains(t, sent[0].Text, "Daily /buff: ON at 10:30 (Europe/Moscow)")

	kb, ok := sent[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 4)
	var data []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			data = append(data, *btn.CallbackData)
		}
	}
	require.Equal(t, []string{
		CallbackConnect, CallbackReconnect,
		CallbackDisconnect, CallbackTogglePassthrough,
		CallbackToggleSchedule, CallbackSetTime,
		CallbackStatus,
	}, data)
}

func TestStatusText_Off(t *testing.T) {
	got := StatusText(relay.Menu{Peer: "p"})
	require.Contains(t, got, "Account: not connected")
	require.Contains(t, got, "Relay from @p: OFF")
	require.Contains(t, got, "Daily /buff: OFF")
}

func TestSend_RetriesAfterFloodWait(t *testing.T) {
	api := newFakeAPI()
	api.sendErrs = []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}}}
	b := New(api, zaptest.NewLogger(t))

	require.NoError(t, b.Send(context.Background(), 3, "hi"))
	require.Len(t, api.messages(), 1)
}

func TestSend_Error(t *testing.T) {
	api := newFakeAPI()
	api.sendErrs = []error{errors.New("boom")}
	b := New(api, zaptest.NewLogger(t))

	err := b.Send(context.Background(), 3, "hi")
	require.ErrorContains(t, err, "send to 3")
}

func TestThrottle(t *testing.T) {
	th := newThrottle(rate.Limit(1), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, th.wait(ctx, 1))
	}
	require.Error(t, th.wait(ctx, 1), "burst exhausted")
	require.NoError(t, th.wait(ctx, 2), "other chats are independent")

	require.Equal(t, 2, th.size())
	th.prune(0)
	require.Zero(t, th.size())
}
