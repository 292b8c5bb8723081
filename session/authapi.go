package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-authgate/session-cli/apiclient"
	"github.com/go-authgate/session-cli/tokenstore"
	"golang.org/x/oauth2"
)

// Backend endpoints, relative to the API prefix.
const (
	loginPath       = "/auth/login"
	registerPath    = "/auth/register"
	refreshPath     = "/auth/refresh"
	logoutPath      = "/auth/logout"
	currentUserPath = "/users/me"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// AuthAPI calls the credential endpoints. It must be given an
// unauthenticated client so a refresh never triggers another refresh.
type AuthAPI struct {
	client *apiclient.Client
}

// NewAuthAPI returns an AuthAPI sending through client.
func NewAuthAPI(client *apiclient.Client) *AuthAPI {
	return &AuthAPI{client: client}
}

// Login exchanges credentials for a token pair.
func (a *AuthAPI) Login(ctx context.Context, username, password string) (*oauth2.Token, error) {
	env, err := a.client.Post(ctx, loginPath, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	tok, err := decodeTokenResponse(env)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("invalid token response: refresh_token is empty")
	}
	return tok, nil
}

// Register creates an account. It does not log in.
func (a *AuthAPI) Register(ctx context.Context, username, password string) error {
	_, err := a.client.Post(ctx, registerPath, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return nil
}

// Refresh exchanges a refresh token for a new pair. The returned refresh
// token is empty when the backend does not rotate it.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	env, err := a.client.Post(ctx, refreshPath, map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && isCredentialRejection(apiErr.Code) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)
		}
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	return decodeTokenResponse(env)
}

// Logout revokes the refresh token server side.
func (a *AuthAPI) Logout(ctx context.Context, refreshToken string) error {
	_, err := a.client.Post(ctx, logoutPath, map[string]string{
		"refresh_token": refreshToken,
	})
	return err
}

func isCredentialRejection(code int) bool {
	return code == http.StatusBadRequest ||
		code == http.StatusUnauthorized ||
		code == http.StatusForbidden
}

func decodeTokenResponse(env *apiclient.Envelope) (*oauth2.Token, error) {
	var tr tokenResponse
	if err := env.Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := validateTokenResponse(tr.AccessToken, tr.TokenType); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	expiry, err := tokenstore.Expiry(tr.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}, nil
}

// validateTokenResponse checks the fields every token response must carry.
func validateTokenResponse(accessToken, tokenType string) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	// Optional per OAuth 2.0, case-insensitive per RFC 6750.
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
