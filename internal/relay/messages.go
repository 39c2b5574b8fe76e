package relay

import (
	"errors"

	"github.com/mrtesla07/goetia-bot/internal/errs"
)

const (
	msgAskPhone         = "Send your phone number in international format, e.g. +79990000000."
	msgBadPhone         = "That does not look like a phone number. Use international format, e.g. +79990000000."
	msgCodeSent         = "Code sent. Reply with the code from Telegram, or type \"sms\" to get it another way."
	msgCodeResent       = "A new code is on its way."
	msgBadCode          = "The code is 5 or 6 digits."
	msgCodeRejected     = "Wrong or expired code. Send the new code, or type \"sms\" to get one."
	msgAskPassword      = "Two-step verification is on. Send your Telegram password."
	msgPasswordRejected = "Wrong password. Try again."
	msgConnected        = "Connected. Your messages will go to @%s."
	msgNotConnected     = "No account is connected. Use Connect in the menu."
	msgSendFailed       = "Could not send: the account connection is unavailable."
	msgDisconnected     = "Session disconnected. Use /start to connect again."
	msgRelayOn          = "Relay is ON. Messages from @%s will be forwarded here."
	msgRelayOff         = "Relay is OFF."
	msgScheduleOn       = "Daily /buff is ON at %s (%s)."
	msgScheduleOff      = "Daily /buff is OFF."
	msgAskTime          = "Send the time as HH:MM (%s), e.g. 10:30."
	msgBadTime          = "Invalid time. Use HH:MM, e.g. 10:30."
	msgTimeSet          = "Daily /buff time set to %s (%s)."
	msgInternal         = "Something went wrong. Try again later."

	msgSignInFailed = "Could not sign in. Start again from the menu."
	msgRateLimited  = "Too many attempts. Try again in 15 minutes."
	msgStale        = "This sign-in was replaced by a newer one."
)

// reason maps an error to a short user-facing string.
func reason(err error) string {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, errs.ErrStaleSignIn):
		return msgStale
	default:
		return msgSignInFailed
	}
}
