// Package session owns the login lifecycle of the dashboard client: it logs
// in, keeps the session bound to this device, renews the access token before
// and after it expires, and logs out.
//
// All token renewal goes through a single Coordinator so that any number of
// concurrent requests hitting an expired token cause exactly one call to the
// refresh endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-authgate/session-cli/apiclient"
	"github.com/go-authgate/session-cli/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Config wires a Manager. Store, Device and HTTPClient are required.
type Config struct {
	BaseURL    string
	Prefix     string
	Timeout    time.Duration
	HTTPClient *retry.Client
	Store      tokenstore.Store
	Device     Device

	// OnAuthFailure runs whenever the session is terminated by a failed
	// refresh or a device mismatch.
	OnAuthFailure func(error)
	Logger        *zap.Logger
	// Now overrides time.Now for the validator and the profile cache.
	Now func() time.Time
}

// Status describes the persisted session without touching the network.
type Status struct {
	Valid              bool
	NeedsRefresh       bool
	RememberMe         bool
	HasAccessToken     bool
	HasRefreshToken    bool
	AccessTokenExpiry  time.Time
	FingerprintMatches bool
}

// Manager is the entry point for the rest of the application.
type Manager struct {
	store       tokenstore.Store
	device      Device
	auth        *AuthAPI
	client      *apiclient.Client
	validator   *Validator
	coordinator *Coordinator
	cache       *ProfileCache
	notifier    *Notifier
	onFailure   func(error)
	logger      *zap.Logger

	unsubscribeCache func()
}

var _ oauth2.TokenSource = (*Manager)(nil)

// NewManager validates cfg and wires the session components.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: device fingerprint is required")
	}
	if cfg.HTTPClient == nil {
		return nil, errors.New("session: http client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:     cfg.Store,
		device:    cfg.Device,
		validator: NewValidator(cfg.Store, cfg.Device, cfg.Now),
		cache:     NewProfileCache(cfg.Now),
		notifier:  &Notifier{},
		onFailure: cfg.OnAuthFailure,
		logger:    logger,
	}

	clientOpts := []apiclient.Option{
		apiclient.WithTimeout(cfg.Timeout),
		apiclient.WithLogger(logger.Named("api")),
	}
	if cfg.Prefix != "" {
		clientOpts = append(clientOpts, apiclient.WithPrefix(cfg.Prefix))
	}

	// Credential endpoints never carry a bearer token and never refresh.
	m.auth = NewAuthAPI(apiclient.New(cfg.BaseURL, cfg.HTTPClient, clientOpts...))

	m.coordinator = NewCoordinator(cfg.Store, m.auth, m.notifier, CoordinatorConfig{
		Timeout:       cfg.Timeout,
		OnAuthFailure: m.authFailed,
		Device:        cfg.Device,
		Logger:        logger.Named("refresh"),
	})

	m.client = apiclient.New(cfg.BaseURL, cfg.HTTPClient,
		append(clientOpts, apiclient.WithAuth(storeTokens{cfg.Store}, m.coordinator))...)

	m.unsubscribeCache = m.notifier.Subscribe(func(RefreshedEvent) {
		m.cache.Invalidate()
	})

	return m, nil
}

// Login exchanges credentials for a session bound to this device.
func (m *Manager) Login(ctx context.Context, username, password string, rememberMe bool) error {
	tok, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return err
	}

	sess := tokenstore.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Fingerprint:  m.device.Compute(),
		RememberMe:   rememberMe,
	}
	if err := m.store.Set(sess, rememberMe); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.cache.Invalidate()
	m.coordinator.rearm()

	m.logger.Info("logged in",
		zap.String("username", username),
		zap.Bool("remember_me", rememberMe),
		zap.Time("access_expires_at", tok.Expiry),
	)
	return nil
}

// Register creates an account and logs into it.
func (m *Manager) Register(ctx context.Context, username, password string, rememberMe bool) error {
	if err := m.auth.Register(ctx, username, password); err != nil {
		return err
	}
	return m.Login(ctx, username, password, rememberMe)
}

// Logout revokes the refresh token if possible and always clears local state.
// The backend call is best effort; only a failure to clear the store is
// returned.
func (m *Manager) Logout(ctx context.Context) error {
	if refreshToken, ok := m.store.Get(tokenstore.RefreshToken); ok {
		if err := m.auth.Logout(ctx, refreshToken); err != nil {
			m.logger.Warn("logout request failed, clearing local session anyway", zap.Error(err))
		}
	}

	m.cache.Invalidate()
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

// CurrentUser returns the profile, from cache when fetched within ProfileTTL.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	if u, ok := m.cache.Get(); ok {
		return u, nil
	}

	if err := m.EnsureFresh(ctx); err != nil {
		return nil, err
	}

	env, err := m.client.Get(ctx, currentUserPath, nil)
	if err != nil {
		return nil, err
	}

	var u User
	if err := env.Decode(&u); err != nil {
		return nil, fmt.Errorf("failed to parse user profile: %w", err)
	}
	m.cache.Put(&u)
	return &u, nil
}

// CachedUser reports whether CurrentUser would be served without a request.
func (m *Manager) CachedUser() (*User, bool) {
	return m.cache.Get()
}

// EnsureFresh renews the access token when it is missing or about to expire.
// A session that is not bound to this device is terminated.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	if m.validator.ShouldRefreshToken() {
		current, _ := usableAccessToken(m.store)
		_, err := m.coordinator.Refresh(ctx, current)
		return err
	}
	if m.validator.ValidateSession() {
		return nil
	}
	return m.terminate()
}

// Refresh renews the access token unconditionally.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	if _, ok := m.store.Load(); !ok {
		return "", ErrNoSession
	}
	current, _ := usableAccessToken(m.store)
	return m.coordinator.Refresh(ctx, current)
}

// Token implements oauth2.TokenSource over the persisted session.
func (m *Manager) Token() (*oauth2.Token, error) {
	if err := m.EnsureFresh(context.Background()); err != nil {
		return nil, err
	}

	access, ok := usableAccessToken(m.store)
	if !ok {
		return nil, ErrNoSession
	}
	expiry, _ := tokenstore.Expiry(access)
	refreshToken, _ := m.store.Get(tokenstore.RefreshToken)

	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}, nil
}

// Subscribe registers fn for "token refreshed" notifications.
func (m *Manager) Subscribe(fn func(RefreshedEvent)) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// Client returns the authenticated client for arbitrary endpoints.
func (m *Manager) Client() *apiclient.Client {
	return m.client
}

// Status inspects the persisted session.
func (m *Manager) Status() Status {
	st := Status{
		Valid:        m.validator.ValidateSession(),
		NeedsRefresh: m.validator.ShouldRefreshToken(),
	}

	if access, ok := usableAccessToken(m.store); ok {
		st.HasAccessToken = true
		st.AccessTokenExpiry, _ = tokenstore.Expiry(access)
	}
	if sess, ok := m.store.Load(); ok {
		st.HasRefreshToken = true
		st.RememberMe = sess.RememberMe
		st.FingerprintMatches = sess.Fingerprint == m.device.Compute()
	}
	return st
}

// Stats returns the refresh counters.
func (m *Manager) Stats() Stats {
	return m.coordinator.Stats()
}

// Close detaches the manager's own subscriptions.
func (m *Manager) Close() {
	m.unsubscribeCache()
}

// terminate clears a session that can no longer be used.
func (m *Manager) terminate() error {
	sess, persisted := m.store.Load()

	m.cache.Invalidate()
	if err := m.store.Clear(); err != nil {
		m.logger.Error("failed to clear invalid session", zap.Error(err))
	}

	if persisted && sess.Fingerprint != m.device.Compute() {
		err := fmt.Errorf("%w: %w", ErrNoSession, ErrFingerprintMismatch)
		m.logger.Warn("session bound to another device, cleared")
		m.authFailed(err)
		return err
	}
	return ErrNoSession
}

func (m *Manager) authFailed(err error) {
	m.coordinator.reported.Store(true)
	m.cache.Invalidate()
	if m.onFailure != nil {
		m.onFailure(err)
	}
}

// storeTokens exposes the store's access token to the API client. A token
// whose expiry cannot be decoded is withheld so the request earns a 401 and
// goes through a refresh.
type storeTokens struct {
	store tokenstore.Store
}

func (s storeTokens) AccessToken() (string, bool) {
	return usableAccessToken(s.store)
}
