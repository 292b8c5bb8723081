// Package apiclient sends requests to the dashboard backend, attaching the
// session's bearer token and recovering from an expired token by refreshing
// once and resending.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPrefix is prepended to every endpoint path.
const DefaultPrefix = "/api/v1"

// DefaultTimeout bounds a single HTTP exchange. Waiting on a refresh is
// bounded by the caller's context and the refresher's own timeout instead.
const DefaultTimeout = 30 * time.Second

// TokenSource returns the access token to attach, if any.
type TokenSource interface {
	AccessToken() (string, bool)
}

// Refresher obtains a new access token after stale was rejected.
type Refresher interface {
	Refresh(ctx context.Context, stale string) (string, error)
}

// Client is safe for concurrent use.
type Client struct {
	http      *retry.Client
	baseURL   string
	prefix    string
	timeout   time.Duration
	tokens    TokenSource
	refresher Refresher
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAuth enables bearer tokens and refresh-on-401.
func WithAuth(tokens TokenSource, refresher Refresher) Option {
	return func(c *Client) {
		c.tokens = tokens
		c.refresher = refresher
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for baseURL sending through httpClient.
// Without WithAuth the client is unauthenticated.
func New(baseURL string, httpClient *retry.Client, opts ...Option) *Client {
	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPrefix,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get sends a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, endpoint, query, nil)
}

// Post sends body as JSON. A nil body sends no payload.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, endpoint, nil, body)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return c.do(ctx, http.MethodPut, endpoint, nil, body)
}

// Delete sends a DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Envelope, error) {
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) do(
	ctx context.Context,
	method, endpoint string,
	query url.Values,
	body any,
) (*Envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{Message: "failed to encode request body", Details: err.Error(), cause: err}
		}
	}

	token := c.currentToken()
	status, raw, err := c.send(ctx, method, endpoint, query, payload, token)
	if err != nil {
		return nil, err
	}

	// One refresh and one resend at most; a second 401 is returned as is.
	if status == http.StatusUnauthorized && c.refresher != nil {
		c.logger.Info("access token rejected, refreshing",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
		)

		fresh, refreshErr := c.refresher.Refresh(ctx, token)
		if refreshErr != nil {
			return nil, &Error{
				Code:    http.StatusUnauthorized,
				Message: "session expired, please log in again",
				Details: refreshErr.Error(),
				cause:   refreshErr,
			}
		}

		status, raw, err = c.send(ctx, method, endpoint, query, payload, fresh)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, newResponseError(status, raw)
	}
	return normalize(status, raw), nil
}

func (c *Client) currentToken() string {
	if c.tokens == nil {
		return ""
	}
	token, _ := c.tokens.AccessToken()
	return token
}

// send performs one HTTP exchange and returns the status and full body.
// Transport failures come back as *Error with Code 0.
func (c *Client) send(
	ctx context.Context,
	method, endpoint string,
	query url.Values,
	payload []byte,
	token string,
) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + c.prefix + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, bodyReader)
	if err != nil {
		return 0, nil, &Error{Message: "failed to create request", Details: err.Error(), cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.DoWithContext(reqCtx, req)
	if err != nil {
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		cause := err
		if ctxErr := reqCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			cause = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return 0, nil, &Error{
			Message: fmt.Sprintf("network error: %v", err),
			Details: err.Error(),
			cause:   cause,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &Error{
			Code:    resp.StatusCode,
			Message: "failed to read response",
			Details: err.Error(),
			cause:   err,
		}
	}

	c.logger.Debug("request completed",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", req.Header.Get("X-Request-ID")),
	)
	return resp.StatusCode, raw, nil
}
