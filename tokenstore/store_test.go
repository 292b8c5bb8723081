package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

func mintToken(t testing.TB, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestExpiry(t *testing.T) {
	exp := epoch.Add(15 * time.Minute)

	got, err := Expiry(mintToken(t, exp))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp), "got %v, want %v", got, exp)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "42"}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":     "",
		"not a jwt": "opaque-token-value",
		"no exp":    noExp,
		"bad b64":   "a.%%%.c",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Expiry(tok)
			assert.ErrorIs(t, err, ErrUndecodableToken)
		})
	}
}

// storeFactories lets every behavioural test run against both backends.
func storeFactories(t *testing.T, clock *fakeClock) map[string]Store {
	dir := t.TempDir()
	return map[string]Store{
		"memory": NewMemoryStore(WithClock(clock.Now)),
		"file":   NewFileStore(filepath.Join(dir, "tokens.json"), "default", WithClock(clock.Now)),
	}
}

func TestStore_RoundTripAndClear(t *testing.T) {
	clock := &fakeClock{now: epoch}

	for name, store := range storeFactories(t, clock) {
		t.Run(name, func(t *testing.T) {
			sess := Session{
				AccessToken:  mintToken(t, epoch.Add(10*time.Minute)),
				RefreshToken: "refresh-1",
				Fingerprint:  "fp-1",
			}
			require.NoError(t, store.Set(sess, true))

			for kind, want := range map[Kind]string{
				AccessToken:       sess.AccessToken,
				RefreshToken:      sess.RefreshToken,
				DeviceFingerprint: sess.Fingerprint,
			} {
				got, ok := store.Get(kind)
				assert.True(t, ok, "%s should be present", kind)
				assert.Equal(t, want, got, kind.String())
			}

			loaded, ok := store.Load()
			require.True(t, ok)
			assert.True(t, loaded.RememberMe)

			require.NoError(t, store.Clear())
			for _, kind := range []Kind{AccessToken, RefreshToken, DeviceFingerprint} {
				_, ok := store.Get(kind)
				assert.False(t, ok, "%s should be absent after Clear", kind)
			}
			_, ok = store.Load()
			assert.False(t, ok)
		})
	}
}

func TestStore_SlotExpiry(t *testing.T) {
	clock := &fakeClock{now: epoch}

	for name, store := range storeFactories(t, clock) {
		t.Run(name, func(t *testing.T) {
			clock.now = epoch
			sess := Session{
				AccessToken:  mintToken(t, epoch.Add(5*time.Minute)),
				RefreshToken: "refresh-1",
				Fingerprint:  "fp-1",
			}
			require.NoError(t, store.Set(sess, false))

			clock.Advance(5 * time.Minute)
			_, ok := store.Get(AccessToken)
			assert.False(t, ok, "access token should expire at its exp claim")

			loaded, ok := store.Load()
			require.True(t, ok, "session survives an expired access token")
			assert.Empty(t, loaded.AccessToken)
			assert.Equal(t, "refresh-1", loaded.RefreshToken)

			clock.Advance(DefaultSessionTTL)
			_, ok = store.Load()
			assert.False(t, ok, "session-scoped slots expire after the session TTL")
		})
	}
}

func TestStore_RememberMeExtendsLifetime(t *testing.T) {
	clock := &fakeClock{now: epoch}
	store := NewMemoryStore(WithClock(clock.Now), WithLifetimes(time.Hour, 48*time.Hour))

	sess := Session{
		AccessToken:  mintToken(t, epoch.Add(time.Minute)),
		RefreshToken: "refresh-1",
		Fingerprint:  "fp-1",
	}
	require.NoError(t, store.Set(sess, true))

	clock.Advance(47 * time.Hour)
	_, ok := store.Get(RefreshToken)
	assert.True(t, ok)

	clock.Advance(time.Hour)
	_, ok = store.Get(RefreshToken)
	assert.False(t, ok)
}

func TestStore_RejectsInvalidSessions(t *testing.T) {
	clock := &fakeClock{now: epoch}
	valid := mintToken(t, epoch.Add(time.Hour))

	for name, store := range storeFactories(t, clock) {
		t.Run(name, func(t *testing.T) {
			err := store.Set(Session{AccessToken: "garbage", RefreshToken: "r", Fingerprint: "f"}, false)
			assert.ErrorIs(t, err, ErrUndecodableToken)

			err = store.Set(Session{AccessToken: valid, RefreshToken: "r"}, false)
			assert.ErrorIs(t, err, ErrIncompleteSession)

			err = store.Set(Session{AccessToken: valid, Fingerprint: "f"}, false)
			assert.ErrorIs(t, err, ErrIncompleteSession)

			_, ok := store.Load()
			assert.False(t, ok, "nothing is written for a rejected session")
		})
	}
}

func TestFileStore_PreservesOtherProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	clock := &fakeClock{now: epoch}
	tok := mintToken(t, epoch.Add(time.Hour))

	a := NewFileStore(path, "https://a.example", WithClock(clock.Now))
	b := NewFileStore(path, "https://b.example", WithClock(clock.Now))

	require.NoError(t, a.Set(Session{AccessToken: tok, RefreshToken: "ra", Fingerprint: "fa"}, false))
	require.NoError(t, b.Set(Session{AccessToken: tok, RefreshToken: "rb", Fingerprint: "fb"}, false))
	require.NoError(t, a.Clear())

	_, ok := a.Load()
	assert.False(t, ok)

	got, ok := b.Get(RefreshToken)
	assert.True(t, ok)
	assert.Equal(t, "rb", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	tok := mintToken(t, time.Now().Add(time.Hour))

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			s := NewFileStore(path, fmt.Sprintf("profile-%d", id))
			err := s.Set(Session{
				AccessToken:  tok,
				RefreshToken: fmt.Sprintf("refresh-%d", id),
				Fingerprint:  "fp",
			}, false)
			if err != nil {
				t.Errorf("writer %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var fd fileData
	require.NoError(t, json.Unmarshal(raw, &fd))
	assert.Len(t, fd.Sessions, writers)

	for i := 0; i < writers; i++ {
		rec := fd.Sessions[fmt.Sprintf("profile-%d", i)]
		require.NotNil(t, rec, "profile-%d missing", i)
		assert.Equal(t, fmt.Sprintf("refresh-%d", i), rec.RefreshToken.Value)
	}

	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file should be gone")
}

func TestFileStore_CorruptFileReadsAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewFileStore(path, "default")
	_, ok := s.Load()
	assert.False(t, ok)

	require.NoError(t, s.Set(Session{
		AccessToken:  mintToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "r",
		Fingerprint:  "f",
	}, false))
	_, ok = s.Load()
	assert.True(t, ok, "a write replaces a corrupt file")

	backup, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err, "corrupt contents are kept aside")
	assert.Equal(t, "{not json", string(backup))
}

func TestFileStore_CorruptFileIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessions": [`), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	s := NewFileStore(path, "default", WithLogger(zap.New(core)))
	require.NoError(t, s.Clear())

	entries := logs.FilterMessage("token file is corrupt, moved aside").All()
	require.Len(t, entries, 1)
	assert.Equal(t, path+".corrupt", entries[0].ContextMap()["backup"])

	_, err := os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}
