package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRetryClient(t *testing.T) *retry.Client {
	t.Helper()
	rc, err := retry.NewClient(retry.WithMaxRetries(0))
	require.NoError(t, err)
	return rc
}

type staticTokens struct {
	mu    sync.Mutex
	token string
}

func (s *staticTokens) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *staticTokens) set(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

type fakeRefresher struct {
	calls  atomic.Int32
	stale  atomic.Value
	tokens *staticTokens
	next   string
	err    error
	delay  time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, stale string) (string, error) {
	f.calls.Add(1)
	f.stale.Store(stale)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if f.tokens != nil {
		f.tokens.set(f.next)
	}
	return f.next, nil
}

// bearerServer answers 200 only for the accepted token.
func bearerServer(t *testing.T, accepted string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+accepted {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "username": "alice"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_AttachesHeaders(t *testing.T) {
	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.RequestURI()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, newRetryClient(t), WithAuth(&staticTokens{token: "tok-1"}, nil))
	_, err := c.Get(context.Background(), "/jobs", url.Values{"q": {"go dev"}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	_, err = uuid.Parse(got.Get("X-Request-ID"))
	assert.NoError(t, err, "request id should be a uuid")
	assert.Equal(t, "/api/v1/jobs?q=go+dev", path)
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := New(srv.URL, newRetryClient(t), WithAuth(&staticTokens{}, nil))
	env, err := c.Get(context.Background(), "/health", nil)
	require.NoError(t, err)
	assert.Empty(t, auth)
	assert.Equal(t, json.RawMessage("null"), env.Data)
}

func TestClient_NormalizesSuccessBodies(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Envelope
		wantRaw string
	}{
		{
			name:    "bare object is wrapped",
			status:  http.StatusOK,
			body:    `{"id":1}`,
			want:    Envelope{Code: 200, Message: "OK"},
			wantRaw: `{"id":1}`,
		},
		{
			name:    "already wrapped passes through",
			status:  http.StatusOK,
			body:    `{"code":0,"message":"done","data":{"id":1},"meta":{"page":2}}`,
			want:    Envelope{Code: 0, Message: "done"},
			wantRaw: `{"id":1}`,
		},
		{
			name:    "partially wrapped is treated as bare",
			status:  http.StatusCreated,
			body:    `{"code":1,"data":[]}`,
			want:    Envelope{Code: 201, Message: "Created"},
			wantRaw: `{"code":1,"data":[]}`,
		},
		{
			name:    "array",
			status:  http.StatusOK,
			body:    `[1,2]`,
			want:    Envelope{Code: 200, Message: "OK"},
			wantRaw: `[1,2]`,
		},
		{
			name:    "plain text becomes a json string",
			status:  http.StatusOK,
			body:    `pong`,
			want:    Envelope{Code: 200, Message: "OK"},
			wantRaw: `"pong"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			env, err := New(srv.URL, newRetryClient(t)).Get(context.Background(), "/x", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Code, env.Code)
			assert.Equal(t, tt.want.Message, env.Message)
			assert.JSONEq(t, tt.wantRaw, string(env.Data))
			assert.NotNil(t, env.Meta)
		})
	}
}

func TestClient_RefreshesOnceAndRetries(t *testing.T) {
	var hits atomic.Int32
	srv := bearerServer(t, "fresh", &hits)

	tokens := &staticTokens{token: "stale"}
	ref := &fakeRefresher{tokens: tokens, next: "fresh"}
	c := New(srv.URL, newRetryClient(t), WithAuth(tokens, ref))

	env, err := c.Get(context.Background(), "/users/me", nil)
	require.NoError(t, err)

	var user struct{ Username string }
	require.NoError(t, env.Decode(&user))
	assert.Equal(t, "alice", user.Username)

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, "stale", ref.stale.Load(), "refresher learns which token was rejected")
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_SecondUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := bearerServer(t, "never-issued", &hits)

	ref := &fakeRefresher{next: "still-wrong"}
	c := New(srv.URL, newRetryClient(t), WithAuth(&staticTokens{token: "stale"}, ref))

	_, err := c.Get(context.Background(), "/users/me", nil)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Could not validate credentials", string(mustString(t, apiErr.Details)))

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, int32(2), hits.Load(), "original request plus exactly one retry")
}

func TestClient_RefreshFailureIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := bearerServer(t, "fresh", &hits)

	refreshErr := errors.New("refresh token revoked")
	ref := &fakeRefresher{err: refreshErr}
	c := New(srv.URL, newRetryClient(t), WithAuth(&staticTokens{token: "stale"}, ref))

	_, err := c.Post(context.Background(), "/cv/upload", map[string]string{"name": "cv.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, refreshErr)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), hits.Load(), "original request must not be resent after refresh failure")
}

func TestClient_ResendsBodyOnRetry(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "stale"}
	c := New(srv.URL, newRetryClient(t), WithAuth(tokens, &fakeRefresher{tokens: tokens, next: "fresh"}))

	_, err := c.Put(context.Background(), "/users/me", map[string]string{"email": "a@b.c"})
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"email":"a@b.c"}`, bodies[1])
}

func TestClient_NormalizesErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantDetails any
	}{
		{
			name:        "message and errors",
			status:      http.StatusBadRequest,
			body:        `{"message":"invalid cv","errors":{"file":"too large"}}`,
			wantMessage: "invalid cv",
			wantDetails: json.RawMessage(`{"file":"too large"}`),
		},
		{
			name:        "oauth style",
			status:      http.StatusBadRequest,
			body:        `{"error":"invalid_grant","error_description":"refresh token expired"}`,
			wantMessage: "refresh token expired",
			wantDetails: "invalid_grant",
		},
		{
			name:        "detail string",
			status:      http.StatusForbidden,
			body:        `{"detail":"Not enough permissions"}`,
			wantMessage: "Not enough permissions",
			wantDetails: json.RawMessage(`"Not enough permissions"`),
		},
		{
			name:        "non json body",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantMessage: "Bad Gateway",
			wantDetails: "<html>bad gateway</html>",
		},
		{
			name:        "empty body",
			status:      http.StatusNotFound,
			wantMessage: "Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			ref := &fakeRefresher{}
			c := New(srv.URL, newRetryClient(t), WithAuth(&staticTokens{token: "t"}, ref))
			_, err := c.Delete(context.Background(), "/cv/1")

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Code)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.wantDetails, apiErr.Details)
			assert.Equal(t, int32(0), ref.calls.Load(), "non-auth failures never refresh")
		})
	}
}

func TestClient_TransportErrorsAreNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(addr, newRetryClient(t)).Get(context.Background(), "/x", nil)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Code)
	assert.Contains(t, apiErr.Message, "network error")
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, newRetryClient(t), WithTimeout(50*time.Millisecond))
	_, err := c.Get(context.Background(), "/slow", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_TimeoutDoesNotBoundRefreshWait(t *testing.T) {
	var hits atomic.Int32
	srv := bearerServer(t, "fresh", &hits)

	tokens := &staticTokens{token: "stale"}
	ref := &fakeRefresher{tokens: tokens, next: "fresh", delay: 150 * time.Millisecond}
	c := New(srv.URL, newRetryClient(t), WithAuth(tokens, ref), WithTimeout(100*time.Millisecond))

	_, err := c.Get(context.Background(), "/users/me", nil)
	require.NoError(t, err, "a refresh slower than the request timeout still completes")
	assert.Equal(t, int32(2), hits.Load())
}

func mustString(t *testing.T, v any) []byte {
	t.Helper()
	raw, ok := v.(json.RawMessage)
	require.True(t, ok, "details should be raw json, got %T", v)
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return []byte(s)
}
