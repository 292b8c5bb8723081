package session

import "errors"

var (
	// ErrNoSession indicates there is no usable persisted session.
	ErrNoSession = errors.New("no valid session, please log in")

	// ErrRefreshFailed wraps every terminal refresh failure. The session has
	// already been cleared when a caller sees it.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRefreshTokenExpired indicates the backend rejected the refresh token.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

	// ErrFingerprintMismatch indicates the session was created on another device.
	ErrFingerprintMismatch = errors.New("session belongs to a different device")
)
