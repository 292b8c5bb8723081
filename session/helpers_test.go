package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/session-cli/tokenstore"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mintToken returns a unique signed JWT expiring at exp.
func mintToken(t testing.TB, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type stubDevice struct {
	mu sync.Mutex
	id string
}

func (d *stubDevice) Compute() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *stubDevice) set(id string) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

func newStore(clock *fakeClock) *tokenstore.MemoryStore {
	return tokenstore.NewMemoryStore(tokenstore.WithClock(clock.Now))
}

// seed stores a session whose access token expires after accessTTL.
func seed(t *testing.T, store tokenstore.Store, clock *fakeClock, accessTTL time.Duration, fp string) tokenstore.Session {
	t.Helper()
	sess := tokenstore.Session{
		AccessToken:  mintToken(t, clock.Now().Add(accessTTL)),
		RefreshToken: "refresh-1",
		Fingerprint:  fp,
	}
	require.NoError(t, store.Set(sess, false))
	return sess
}

// fakeBackend implements the auth and profile endpoints of the dashboard API.
type fakeBackend struct {
	t         *testing.T
	clock     *fakeClock
	accessTTL time.Duration
	rotate    bool

	// refreshGate, when set, holds every refresh until it is closed.
	refreshGate chan struct{}
	// refreshStatus and logoutStatus force an error response when non-zero.
	refreshStatus int
	logoutStatus  int

	logins    atomic.Int32
	registers atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32
	profiles  atomic.Int32

	mu      sync.Mutex
	valid   map[string]bool
	refresh string
	seq     int
}

func newFakeBackend(t *testing.T, clock *fakeClock) (*fakeBackend, *httptest.Server) {
	b := &fakeBackend{
		t:         t,
		clock:     clock,
		accessTTL: time.Hour,
		rotate:    true,
		valid:     map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", b.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/register", b.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", b.handleLogout)
	mux.HandleFunc("GET /api/v1/users/me", b.handleMe)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

// revokeAccess makes every issued access token unacceptable.
func (b *fakeBackend) revokeAccess() {
	b.mu.Lock()
	b.valid = map[string]bool{}
	b.mu.Unlock()
}

func (b *fakeBackend) issue(w http.ResponseWriter, rotate bool) {
	b.mu.Lock()
	access := mintToken(b.t, b.clock.Now().Add(b.accessTTL))
	b.valid[access] = true
	resp := map[string]string{"access_token": access, "token_type": "bearer"}
	if rotate {
		b.seq++
		b.refresh = "refresh-" + strings.Repeat("x", b.seq)
		resp["refresh_token"] = b.refresh
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.logins.Add(1)
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["password"] != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	b.issue(w, true)
}

func (b *fakeBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	b.registers.Add(1)
	writeJSON(w, http.StatusCreated, map[string]any{"id": 42, "username": "alice", "disabled": false})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)
	if b.refreshGate != nil {
		<-b.refreshGate
	}
	if b.refreshStatus != 0 {
		writeJSON(w, b.refreshStatus, map[string]string{"detail": "Invalid refresh token"})
		return
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	known := body["refresh_token"] == b.refresh
	b.mu.Unlock()
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Refresh token reused"})
		return
	}
	b.issue(w, b.rotate)
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.logouts.Add(1)
	if b.logoutStatus != 0 {
		writeJSON(w, b.logoutStatus, map[string]string{"detail": "boom"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.profiles.Add(1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	ok := b.valid[token]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       42,
		"username": "alice",
		"email":    "alice@example.com",
		"roles":    []string{"user"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
