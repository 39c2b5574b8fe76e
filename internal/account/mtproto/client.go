// Package mtproto implements account.Transport on top of the Telegram
// MTProto client library.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/account"
	"github.com/mrtesla07/goetia-bot/internal/crypto/sessioncrypto"
	"github.com/mrtesla07/goetia-bot/internal/errs"
)

// Network steps are bounded: the client library reconnects forever on its own.
const (
	closeTimeout   = 5 * time.Second
	connectTimeout = 30 * time.Second
	rpcTimeout     = 20 * time.Second
)

// Dialer creates MTProto transports whose credentials live under one directory.
type Dialer struct {
	appID   int
	appHash string
	dir     string
	sealer  *sessioncrypto.Sealer
	log     *zap.Logger
}

var _ account.Dialer = (*Dialer)(nil)

// NewDialer constructs a Dialer. A nil sealer stores credentials unencrypted.
func NewDialer(appID int, appHash, dir string, sealer *sessioncrypto.Sealer, log *zap.Logger) *Dialer {
	return &Dialer{appID: appID, appHash: appHash, dir: dir, sealer: sealer, log: log}
}

// Dial implements account.Dialer.
func (d *Dialer) Dial(userID int64, locator string) (account.Transport, error) {
	st := &credentialStore{userID: userID, sealer: d.sealer}
	if locator == "" {
		st.path = SessionPath(d.dir, userID)
	} else {
		if _, err := os.Stat(locator); err != nil {
			return nil, err
		}
		st.path = locator
		st.durable = true
	}
	return &Client{
		appID:          d.appID,
		appHash:        d.appHash,
		store:          st,
		connectTimeout: connectTimeout,
		rpcTimeout:     rpcTimeout,
		log:            d.log.With(zap.Int64("user_id", userID)),
	}, nil
}

// Remove implements account.Dialer.
func (d *Dialer) Remove(locator string) error {
	err := os.Remove(locator)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Client is one user's MTProto connection.
type Client struct {
	appID          int
	appHash        string
	store          *credentialStore
	connectTimeout time.Duration
	rpcTimeout     time.Duration
	resolver       dcs.Resolver
	log            *zap.Logger

	mu        sync.Mutex
	client    *telegram.Client
	cancel    context.CancelFunc
	done      chan struct{}
	handler   account.MessageHandler
	listen    chan struct{}
	listening bool
	names     map[int64]string
}

var _ account.Transport = (*Client)(nil)

// Connect starts the client loop and returns once it is ready. A connection
// that is not ready within the connect timeout fails with errs.ErrTransient.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancelWait := context.WithTimeout(ctx, c.connectTimeout)
	defer cancelWait()

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.onNewMessage)
	gaps := updates.New(updates.Config{Handler: dispatcher, Logger: c.log.Named("updates")})

	client := telegram.NewClient(c.appID, c.appHash, telegram.Options{
		SessionStorage: c.store,
		UpdateHandler:  gaps,
		Resolver:       c.resolver,
		Logger:         c.log.Named("mtproto"),
	})
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	runErr := make(chan error, 1)
	listen := make(chan struct{})
	if c.listening {
		close(listen)
	}
	c.client, c.cancel, c.done, c.listen = client, cancel, done, listen
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-listen:
			}
			self, err := client.Self(ctx)
			if err != nil {
				return err
			}
			return gaps.Run(ctx, client.API(), self.ID, updates.AuthOptions{})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("mtproto client stopped", zap.Error(err))
		}
		runErr <- err
	}()

	select {
	case <-ready:
		return nil
	case err := <-runErr:
		c.reset(client)
		return classify(err)
	case <-ctx.Done():
		_ = c.Close()
		c.log.Warn("mtproto connect gave up", zap.Error(ctx.Err()))
		return classify(ctx.Err())
	}
}

func (c *Client) reset(client *telegram.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.cancel()
		c.client, c.cancel, c.done = nil, nil, nil
	}
}

// Close stops the client loop; it waits a bounded time for the loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.client, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("mtproto client did not stop in time")
	}
}

// api returns the running client and a context bounded by the RPC timeout.
func (c *Client) api(ctx context.Context) (*telegram.Client, context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, nil, nil, fmt.Errorf("%w: not connected", errs.ErrTransient)
	}
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	return c.client, ctx, cancel, nil
}

// Authorized implements account.Transport.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	status, err := cl.Auth().Status(ctx)
	if err != nil {
		return false, classify(err)
	}
	return status.Authorized, nil
}

// SendCode implements account.Transport. With a previous hash and
// forceAlternate the code is re-sent through the next delivery channel.
func (c *Client) SendCode(ctx context.Context, phone, previousHash string, forceAlternate bool) (string, error) {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	var sent tg.AuthSentCodeClass
	if previousHash != "" && forceAlternate {
		sent, err = cl.API().AuthResendCode(ctx, &tg.AuthResendCodeRequest{
			PhoneNumber:   phone,
			PhoneCodeHash: previousHash,
		})
	} else {
		sent, err = cl.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	}
	if err != nil {
		return "", classify(err)
	}
	switch s := sent.(type) {
	case *tg.AuthSentCode:
		return s.PhoneCodeHash, nil
	default:
		return "", fmt.Errorf("unexpected sent code %T", sent)
	}
}

// SignIn implements account.Transport.
func (c *Client) SignIn(ctx context.Context, phone, code, codeHash string) error {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = cl.Auth().SignIn(ctx, phone, code, codeHash)
	return classify(err)
}

// CheckPassword implements account.Transport.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = cl.Auth().Password(ctx, password)
	return classify(err)
}

// SendText implements account.Transport.
func (c *Client) SendText(ctx context.Context, peer, text string) error {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = message.NewSender(cl.API()).Resolve(peer).Text(ctx, text)
	return classify(err)
}

// ResolvePeer implements account.Transport. The resolved user is remembered
// so later updates that carry only its id still get a handle.
func (c *Client) ResolvePeer(ctx context.Context, handle string) (int64, error) {
	cl, ctx, cancel, err := c.api(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	res, err := cl.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: strings.TrimPrefix(handle, "@"),
	})
	if err != nil {
		return 0, classify(err)
	}
	pu, ok := res.Peer.(*tg.PeerUser)
	if !ok {
		return 0, fmt.Errorf("peer %s is not a user: %T", handle, res.Peer)
	}
	for _, uc := range res.Users {
		if u, ok := uc.(*tg.User); ok {
			c.remember(u)
		}
	}
	return pu.UserID, nil
}

// OnMessage implements account.Transport. Update processing starts with the
// first handler.
func (c *Client) OnMessage(h account.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	if !c.listening {
		c.listening = true
		if c.listen != nil {
			close(c.listen)
		}
	}
}

// Commit implements account.Transport.
func (c *Client) Commit(context.Context) (string, error) {
	return c.store.commit()
}

// onNewMessage delivers one update. Short updates arrive without user
// entities, so the handle falls back to the names seen earlier.
func (c *Client) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	for _, user := range e.Users {
		c.remember(user)
	}
	id := senderID(msg)
	c.mu.Lock()
	h := c.handler
	handle := c.names[id]
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	h(ctx, account.Message{
		Outgoing: msg.Out,
		SenderID: id,
		Sender:   handle,
		Text:     msg.Message,
	})
	return nil
}

func (c *Client) remember(u *tg.User) {
	if u == nil || u.Username == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names == nil {
		c.names = make(map[int64]string)
	}
	c.names[u.ID] = u.Username
}

// senderID is the author of msg; private messages without FromID come from the peer.
func senderID(msg *tg.Message) int64 {
	if from, ok := msg.GetFromID(); ok {
		if pu, ok := from.(*tg.PeerUser); ok {
			return pu.UserID
		}
		return 0
	}
	if pu, ok := msg.PeerID.(*tg.PeerUser); ok {
		return pu.UserID
	}
	return 0
}

// classify maps platform errors onto the errs sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case tgerr.Is(err, "AUTH_RESTART"):
		return fmt.Errorf("%w: %w", errs.ErrAuthRestart, err)
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return fmt.Errorf("%w: %w", errs.ErrCodeInvalid, err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return fmt.Errorf("%w: %w", errs.ErrCodeExpired, err)
	case errors.Is(err, auth.ErrPasswordAuthNeeded), tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return fmt.Errorf("%w: %w", errs.ErrPasswordNeeded, err)
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return fmt.Errorf("%w: %w", errs.ErrPasswordInvalid, err)
	case isNetwork(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", errs.ErrTransient, err)
	default:
		return err
	}
}

func isNetwork(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
