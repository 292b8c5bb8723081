// Package tokenstore persists the three slots that make up a login session:
// the access token, the refresh token and the device fingerprint the session
// is bound to. Each slot carries its own expiry; an expired slot reads as
// absent. Stores never talk to the network.
package tokenstore

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Kind names one persisted slot.
type Kind int

const (
	AccessToken Kind = iota
	RefreshToken
	DeviceFingerprint
)

func (k Kind) String() string {
	switch k {
	case AccessToken:
		return "access_token"
	case RefreshToken:
		return "refresh_token"
	case DeviceFingerprint:
		return "device_fingerprint"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Default lifetimes for the refresh token and fingerprint slots.
const (
	DefaultSessionTTL  = 24 * time.Hour
	DefaultRememberTTL = 30 * 24 * time.Hour
)

// ErrIncompleteSession is returned by Set when the refresh token or the
// fingerprint is missing. Partial sessions are never written.
var ErrIncompleteSession = errors.New("session requires refresh token and fingerprint")

// Session is the persisted login state.
type Session struct {
	AccessToken  string
	RefreshToken string
	Fingerprint  string
	RememberMe   bool
}

// Store is the persistence contract shared by the file and memory backends.
type Store interface {
	// Get returns the slot value, or false when it is missing or expired.
	Get(kind Kind) (string, bool)
	// Set replaces all three slots.
	Set(s Session, rememberMe bool) error
	// Load returns the session when its refresh token and fingerprint are
	// both present. The access token may be empty if it has expired.
	Load() (Session, bool)
	// Clear removes every slot in a single write.
	Clear() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now         func() time.Time
	sessionTTL  time.Duration
	rememberTTL time.Duration
	logger      *zap.Logger
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used to report problems with the token file.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLifetimes sets how long the refresh token and fingerprint live for a
// plain login and for a remember-me login.
func WithLifetimes(sessionTTL, rememberTTL time.Duration) Option {
	return func(o *options) {
		if sessionTTL > 0 {
			o.sessionTTL = sessionTTL
		}
		if rememberTTL > 0 {
			o.rememberTTL = rememberTTL
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		sessionTTL:  DefaultSessionTTL,
		rememberTTL: DefaultRememberTTL,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// slot is one persisted value with its expiry.
type slot struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *slot) live(now time.Time) bool {
	return s != nil && s.Value != "" && now.Before(s.ExpiresAt)
}

// record is the on-disk and in-memory layout of one session.
type record struct {
	AccessToken  *slot `json:"access_token,omitempty"`
	RefreshToken *slot `json:"refresh_token,omitempty"`
	Fingerprint  *slot `json:"device_fingerprint,omitempty"`
	RememberMe   bool  `json:"remember_me"`
}

func (r *record) slot(kind Kind) *slot {
	if r == nil {
		return nil
	}
	switch kind {
	case AccessToken:
		return r.AccessToken
	case RefreshToken:
		return r.RefreshToken
	case DeviceFingerprint:
		return r.Fingerprint
	}
	return nil
}

func (r *record) get(kind Kind, now time.Time) (string, bool) {
	s := r.slot(kind)
	if !s.live(now) {
		return "", false
	}
	return s.Value, true
}

func (r *record) session(now time.Time) (Session, bool) {
	refresh, ok := r.get(RefreshToken, now)
	if !ok {
		return Session{}, false
	}
	fp, ok := r.get(DeviceFingerprint, now)
	if !ok {
		return Session{}, false
	}
	access, _ := r.get(AccessToken, now)

	return Session{
		AccessToken:  access,
		RefreshToken: refresh,
		Fingerprint:  fp,
		RememberMe:   r.RememberMe,
	}, true
}

// newRecord validates s and stamps each slot with its expiry.
func newRecord(s Session, rememberMe bool, o options) (*record, error) {
	accessExp, err := Expiry(s.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if s.RefreshToken == "" || s.Fingerprint == "" {
		return nil, ErrIncompleteSession
	}

	ttl := o.sessionTTL
	if rememberMe {
		ttl = o.rememberTTL
	}
	longExp := o.now().Add(ttl)

	return &record{
		AccessToken:  &slot{Value: s.AccessToken, ExpiresAt: accessExp},
		RefreshToken: &slot{Value: s.RefreshToken, ExpiresAt: longExp},
		Fingerprint:  &slot{Value: s.Fingerprint, ExpiresAt: longExp},
		RememberMe:   rememberMe,
	}, nil
}
