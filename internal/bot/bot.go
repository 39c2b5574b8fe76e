// Package bot is the Telegram Bot API front end: menu, callbacks, text
// routing and throttled sends.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mrtesla07/goetia-bot/internal/relay"
)

// Callback data of the menu buttons.
const (
	CallbackConnect           = "connect"
	CallbackReconnect         = "reconnect"
	CallbackDisconnect        = "disconnect"
	CallbackTogglePassthrough = "toggle_passthrough"
	CallbackToggleSchedule    = "toggle_schedule"
	CallbackSetTime           = "set_time"
	CallbackStatus            = "status"
)

const (
	sendRate      = rate.Limit(1)
	sendBurst     = 3
	pollTimeout   = 30
	pruneInterval = 5 * time.Minute
	pruneIdle     = 10 * time.Minute
	maxRetryAfter = 30 * time.Second
)

// API is the subset of tgbotapi.BotAPI used here.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(u tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler receives user actions.
type Handler interface {
	Start(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) error
	BeginConnect(ctx context.Context, userID int64) error
	Disconnect(ctx context.Context, userID int64) error
	ToggleRelay(ctx context.Context, userID int64) error
	ToggleSchedule(ctx context.Context, userID int64) error
	BeginSetTime(ctx context.Context, userID int64) error
	HandleText(ctx context.Context, userID int64, text string) error
}

// Bot implements relay.Presenter and drives a Handler from long polling.
type Bot struct {
	api      API
	throttle *throttle
	log      *zap.Logger

	locks sync.Map // user id -> *sync.Mutex
	wg    sync.WaitGroup
}

var (
	_ relay.Presenter = (*Bot)(nil)
	_ Handler         = (*relay.Coordinator)(nil)
	_ API             = (*tgbotapi.BotAPI)(nil)
)

// New constructs a Bot over api.
func New(api API, log *zap.Logger) *Bot {
	return &Bot{
		api:      api,
		throttle: newThrottle(sendRate, sendBurst),
		log:      log,
	}
}

// Run polls updates and dispatches them to h until ctx ends, then waits
// for in-flight handlers.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	go b.throttle.cleanup(ctx, pruneInterval, pruneIdle)
	b.log.Info("polling started")
	defer func() {
		b.api.StopReceivingUpdates()
		b.wg.Wait()
		b.log.Info("polling stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("updates channel closed")
			}
			userID, ok := sender(upd)
			if !ok {
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				unlock := b.lock(userID)
				defer unlock()
				b.dispatch(ctx, h, userID, upd)
			}()
		}
	}
}

func sender(upd tgbotapi.Update) (int64, bool) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return upd.CallbackQuery.From.ID, true
	case upd.Message != nil && upd.Message.From != nil:
		return upd.Message.From.ID, true
	default:
		return 0, false
	}
}

func (b *Bot) lock(userID int64) func() {
	v, _ := b.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (b *Bot) dispatch(ctx context.Context, h Handler, userID int64, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in update handler", zap.Int64("user_id", userID), zap.Any("panic", r))
		}
	}()

	var err error
	switch {
	case upd.CallbackQuery != nil:
		err = b.onCallback(ctx, h, userID, upd.CallbackQuery)
	case upd.Message != nil:
		err = b.onMessage(ctx, h, userID, upd.Message)
	}
	if err != nil {
		b.log.Warn("handle update", zap.Int64("user_id", userID), zap.Int("update_id", upd.UpdateID), zap.Error(err))
	}
}

func (b *Bot) onMessage(ctx context.Context, h Handler, userID int64, msg *tgbotapi.Message) error {
	if msg.Chat != nil && !msg.Chat.IsPrivate() {
		return nil
	}
	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "menu":
			return h.Start(ctx, userID)
		}
	}
	if msg.Text == "" {
		return nil
	}
	return h.HandleText(ctx, userID, msg.Text)
}

func (b *Bot) onCallback(ctx context.Context, h Handler, userID int64, cq *tgbotapi.CallbackQuery) error {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.log.Debug("answer callback", zap.Error(err))
	}
	switch cq.Data {
	case CallbackConnect, CallbackReconnect:
		return h.BeginConnect(ctx, userID)
	case CallbackDisconnect:
		return h.Disconnect(ctx, userID)
	case CallbackTogglePassthrough:
		return h.ToggleRelay(ctx, userID)
	case CallbackToggleSchedule:
		return h.ToggleSchedule(ctx, userID)
	case CallbackSetTime:
		return h.BeginSetTime(ctx, userID)
	case CallbackStatus:
		return h.Status(ctx, userID)
	default:
		return fmt.Errorf("unknown callback %q", cq.Data)
	}
}

// Send implements relay.Presenter. Private chat ids equal user ids.
func (b *Bot) Send(ctx context.Context, userID int64, text string) error {
	return b.send(ctx, tgbotapi.NewMessage(userID, text))
}

// ShowMenu implements relay.Presenter.
func (b *Bot) ShowMenu(ctx context.Context, userID int64, m relay.Menu) error {
	msg := tgbotapi.NewMessage(userID, StatusText(m))
	msg.ReplyMarkup = Keyboard(m)
	return b.send(ctx, msg)
}

func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	if err := b.throttle.wait(ctx, msg.ChatID); err != nil {
		return err
	}
	_, err := b.api.Send(msg)
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		wait := min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter)
		b.log.Warn("flood wait", zap.Int64("chat_id", msg.ChatID), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		_, err = b.api.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("send to %d: %w", msg.ChatID, err)
	}
	return nil
}

// StatusText renders the menu header.
func StatusText(m relay.Menu) string {
	var sb strings.Builder
	sb.WriteString("Goetia Bot\n")
	fmt.Fprintf(&sb, "Account: %s\n", mark(m.Connected, "connected", "not connected"))
	fmt.Fprintf(&sb, "Relay from @%s: %s\n", m.Peer, onOff(m.RelayEnabled))
	if m.ScheduleEnabled {
		fmt.Fprintf(&sb, "Daily /buff: ON at %s (%s)", m.ScheduleTime, m.TimeZone)
	} else {
		sb.WriteString("Daily /buff: OFF")
	}
	return sb.String()
}

// Keyboard builds the inline main menu.
func Keyboard(m relay.Menu) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Connect", CallbackConnect),
			tgbotapi.NewInlineKeyboardButtonData("Reconnect", CallbackReconnect),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Disconnect", CallbackDisconnect),
			tgbotapi.NewInlineKeyboardButtonData("Relay: "+onOff(m.RelayEnabled), CallbackTogglePassthrough),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Daily /buff: "+onOff(m.ScheduleEnabled), CallbackToggleSchedule),
			tgbotapi.NewInlineKeyboardButtonData("/buff time", CallbackSetTime),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Status", CallbackStatus),
		),
	)
}

func onOff(v bool) string {
	return mark(v, "ON", "OFF")
}

func mark(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
