package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-authgate/session-cli/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshKey is the single in-flight slot; there is one session per store.
const refreshKey = "refresh"

// DefaultRefreshTimeout bounds the backend refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// TokenRefresher is the backend refresh endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CoordinatorConfig holds the optional Coordinator settings.
type CoordinatorConfig struct {
	// Timeout bounds the backend call. Zero means DefaultRefreshTimeout.
	Timeout time.Duration
	// OnAuthFailure runs once per lost session, after the store is cleared.
	OnAuthFailure func(error)
	// Device, when set, must match the fingerprint the session was bound to.
	Device Device
	Logger *zap.Logger
}

// Stats counts backend refresh calls and their outcomes.
type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
}

// Coordinator guarantees at most one refresh call is outstanding. Callers
// arriving while a refresh runs wait for its outcome instead of starting
// another one; every waiter receives that outcome exactly once.
type Coordinator struct {
	store    tokenstore.Store
	backend  TokenRefresher
	notifier *Notifier
	cfg      CoordinatorConfig
	logger   *zap.Logger

	group singleflight.Group

	// reported is set once the current session loss has reached
	// OnAuthFailure; a new session re-arms it.
	reported atomic.Bool

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewCoordinator wires a Coordinator. notifier may be nil.
func NewCoordinator(
	store tokenstore.Store,
	backend TokenRefresher,
	notifier *Notifier,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = &Notifier{}
	}
	return &Coordinator{
		store:    store,
		backend:  backend,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Refresh returns an access token newer than stale. If the stored token has
// already moved on from stale, it is returned without contacting the backend.
//
// If ctx ends first the caller stops waiting; the refresh itself keeps going
// and its outcome is still persisted.
func (c *Coordinator) Refresh(ctx context.Context, stale string) (string, error) {
	if current, ok := usableAccessToken(c.store); ok && current != stale {
		return current, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.lead(stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns a snapshot of the refresh counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Attempts:  c.attempts.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
	}
}

// lead runs the refresh on behalf of every waiter.
func (c *Coordinator) lead(stale string) (string, error) {
	// A refresh may have finished between the caller's check and this flight.
	if current, ok := usableAccessToken(c.store); ok && current != stale {
		return current, nil
	}

	sess, ok := c.store.Load()
	if !ok {
		if _, hasAccess := c.store.Get(tokenstore.AccessToken); !hasAccess {
			// Nothing to clear. Report it unless this loss was already reported.
			err := fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoSession)
			if c.reported.CompareAndSwap(false, true) {
				c.logger.Warn("refresh requested without a session")
				c.reportFailure(err)
			}
			return "", err
		}
		return "", c.fail(ErrNoSession)
	}
	if c.cfg.Device != nil && sess.Fingerprint != c.cfg.Device.Compute() {
		return "", c.fail(ErrFingerprintMismatch)
	}

	c.attempts.Add(1)
	c.logger.Info("refreshing access token", zap.Bool("remember_me", sess.RememberMe))

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	tok, err := c.backend.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		return "", c.fail(err)
	}

	// Fixed mode: the backend keeps the refresh token and omits it.
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.RefreshToken
	}

	next := tokenstore.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		Fingerprint:  sess.Fingerprint,
		RememberMe:   sess.RememberMe,
	}
	if err := c.store.Set(next, sess.RememberMe); err != nil {
		return "", c.fail(fmt.Errorf("failed to persist refreshed tokens: %w", err))
	}

	c.successes.Add(1)
	c.reported.Store(false)
	c.logger.Info("access token refreshed",
		zap.Time("expires_at", tok.Expiry),
		zap.Bool("rotated", tok.RefreshToken != ""),
	)

	// The new token is stored, so this flight no longer needs to absorb new
	// callers. A subscriber whose request is rejected again starts its own
	// refresh instead of waiting on this one.
	c.group.Forget(refreshKey)
	c.notifier.publish(RefreshedEvent{AccessToken: tok.AccessToken, Expiry: tok.Expiry})
	return tok.AccessToken, nil
}

// rearm marks a freshly stored session, so its eventual loss is reported.
func (c *Coordinator) rearm() {
	c.reported.Store(false)
}

// fail ends the session. Every waiter receives the returned error.
func (c *Coordinator) fail(cause error) error {
	c.failures.Add(1)

	if err := c.store.Clear(); err != nil {
		c.logger.Error("failed to clear session after refresh failure", zap.Error(err))
	}

	err := fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
	c.logger.Warn("refresh failed, session cleared", zap.Error(cause))

	c.reported.Store(true)
	c.reportFailure(err)
	return err
}

func (c *Coordinator) reportFailure(err error) {
	if c.cfg.OnAuthFailure != nil {
		c.cfg.OnAuthFailure(err)
	}
}

// usableAccessToken returns the stored access token when its expiry can be
// decoded. A malformed token counts as no token.
func usableAccessToken(store tokenstore.Store) (string, bool) {
	tok, ok := store.Get(tokenstore.AccessToken)
	if !ok {
		return "", false
	}
	if _, err := tokenstore.Expiry(tok); err != nil {
		return "", false
	}
	return tok, true
}
