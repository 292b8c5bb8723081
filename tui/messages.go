package tui

import (
	"time"
)

// MsgBanner signals the command that is about to run.
type MsgBanner struct{ Command string }

// MsgSessionFound signals that a persisted session was found.
type MsgSessionFound struct{ RememberMe bool }

// MsgSessionNotFound signals that there is no usable session on disk.
type MsgSessionNotFound struct{}

// MsgSessionInvalid signals that a persisted session was discarded.
type MsgSessionInvalid struct{ Err error }

// MsgLoggingIn signals that credentials are being exchanged.
type MsgLoggingIn struct{ Username string }

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ Username string }

// MsgTokenSaved signals that the session was written to disk.
type MsgTokenSaved struct{ Path string }

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh failed and the session ended.
type MsgRefreshFailed struct{ Err error }

// MsgFetchingProfile signals that the current user is being requested.
type MsgFetchingProfile struct{}

// MsgProfileFetched carries the current user.
type MsgProfileFetched struct {
	Profile Profile
	Cached  bool
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgReAuthRequired signals that the user has to log in again.
type MsgReAuthRequired struct{}

// MsgLoggedOut signals that the session was cleared.
type MsgLoggedOut struct{}

// MsgSessionReport carries the result of the status command.
type MsgSessionReport struct{ Report Report }

// MsgDone signals successful completion with the active token.
type MsgDone struct {
	Preview   string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error.
type MsgFatal struct{ Err error }
