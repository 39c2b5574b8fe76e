package account

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// RelayOutbound sends text from the user's live session to the relay peer.
// It reports false instead of failing when no authorized session exists.
func (m *Manager) RelayOutbound(ctx context.Context, userID int64, text string) bool {
	unlock := m.locks.lock(userID)
	defer unlock()

	s := m.session(userID)
	if s == nil {
		return false
	}
	log := m.log.With(zap.Int64("user_id", userID))
	ok, err := s.transport.Authorized(ctx)
	if err != nil || !ok {
		log.Warn("relay outbound: session not authorized", zap.Error(err))
		return false
	}
	if err := s.transport.SendText(ctx, m.peer, text); err != nil {
		log.Warn("relay outbound: send", zap.Error(err))
		return false
	}
	log.Debug("relayed outbound", zap.Int("len", len(text)))
	return true
}

// inboundFor builds the per-session filter. The profile is read on every
// event so relay toggles apply to the next message.
func (m *Manager) inboundFor(userID, peerID int64) MessageHandler {
	return func(ctx context.Context, msg Message) {
		m.mu.Lock()
		cb := m.inbound
		m.mu.Unlock()

		if cb == nil || msg.Outgoing {
			return
		}
		if !m.fromPeer(msg, peerID) {
			return
		}
		p, err := m.profiles.Get(ctx, userID)
		if err != nil {
			m.log.Debug("inbound: profile lookup", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		if !p.RelayEnabled {
			return
		}
		text := msg.Text
		if text == "" {
			text = MediaPlaceholder
		}
		sender := msg.Sender
		if sender == "" {
			sender = m.peer
		}
		cb(ctx, userID, sender, text)
	}
}

func (m *Manager) fromPeer(msg Message, peerID int64) bool {
	if peerID != 0 && msg.SenderID == peerID {
		return true
	}
	return msg.Sender != "" && strings.EqualFold(strings.TrimPrefix(msg.Sender, "@"), m.peer)
}
