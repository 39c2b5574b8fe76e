// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Store and input sentinels.
var (
	// ErrNotFound indicates the requested profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed user input (schedule time, phone, code).
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited indicates a temporary sign-in lock after repeated rejections.
	ErrRateLimited = errors.New("rate limited")
)

// Account session sentinels.
var (
	// ErrSignIn indicates an unrecoverable fault during begin/complete sign-in.
	ErrSignIn = errors.New("sign-in failed")

	// ErrCredentialInvalid indicates a stored credential no longer authorizes.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrStaleSignIn indicates a pending sign-in was superseded or abandoned.
	ErrStaleSignIn = errors.New("sign-in attempt is no longer pending")
)

// Transport classification. Adapters wrap the platform error with one of these.
var (
	// ErrTransient indicates a connectivity fault (connection drop, timeout).
	ErrTransient = errors.New("transient transport fault")

	// ErrAuthRestart indicates the platform asked to restart the authorization.
	ErrAuthRestart = errors.New("auth restart")

	// ErrCodeInvalid indicates the submitted one-time code was wrong.
	ErrCodeInvalid = errors.New("code invalid")

	// ErrCodeExpired indicates the submitted one-time code has expired.
	ErrCodeExpired = errors.New("code expired")

	// ErrPasswordNeeded indicates the account requires a second factor.
	ErrPasswordNeeded = errors.New("second factor required")

	// ErrPasswordInvalid indicates the second-factor password was rejected.
	ErrPasswordInvalid = errors.New("password invalid")
)
