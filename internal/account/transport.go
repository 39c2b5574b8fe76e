package account

import "context"

// MediaPlaceholder replaces the text of inbound messages that carry no text.
const MediaPlaceholder = "<message without text or with media>"

// Message is an inbound event delivered by a Transport. Sender is empty
// when the transport does not know the author's handle yet.
type Message struct {
	Outgoing bool
	SenderID int64
	Sender   string
	Text     string
}

// MessageHandler receives inbound events for one transport.
type MessageHandler func(ctx context.Context, msg Message)

// InboundFunc receives relayed messages that passed the filter.
type InboundFunc func(ctx context.Context, userID int64, sender, text string)

// Transport is one user's connection to the messaging platform.
// Errors are classified by wrapping the sentinels in package errs.
type Transport interface {
	// Connect opens the connection. A closed transport may be connected again.
	Connect(ctx context.Context) error
	// Close tears the connection down without waiting on in-flight calls.
	Close() error
	// Authorized reports whether the connection carries an authorized account.
	Authorized(ctx context.Context) (bool, error)
	// SendCode requests a one-time code and returns the challenge token.
	// previousHash and forceAlternate are set when re-requesting.
	SendCode(ctx context.Context, phone, previousHash string, forceAlternate bool) (string, error)
	// SignIn submits the one-time code.
	SignIn(ctx context.Context, phone, code, codeHash string) error
	// CheckPassword submits the second factor.
	CheckPassword(ctx context.Context, password string) error
	// ResolvePeer returns the user id behind a public handle.
	ResolvePeer(ctx context.Context, handle string) (int64, error)
	// SendText sends text to the peer identified by its public handle.
	SendText(ctx context.Context, peer, text string) error
	// OnMessage installs the inbound handler; it replaces any previous one.
	OnMessage(h MessageHandler)
	// Commit persists the authorized credential and returns its locator.
	Commit(ctx context.Context) (string, error)
}

// Dialer creates transports.
type Dialer interface {
	// Dial returns a transport for userID backed by the credential at locator,
	// or a fresh unauthenticated one when locator is empty.
	Dial(userID int64, locator string) (Transport, error)
	// Remove deletes a stored credential; a missing one is not an error.
	Remove(locator string) error
}
