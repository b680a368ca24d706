package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Account service endpoints. The refresh credential rides the cookie jar on
// the auth/* calls; only users/me carries the bearer token.
const (
	pathAuthURL = "/v1/auth/url"
	pathLogin   = "/v1/auth/login"
	pathRefresh = "/v1/auth/refresh"
	pathLogout  = "/v1/auth/logout"
	pathMe      = "/v1/users/me"
)

type authURLResponse struct {
	URL string `json:"url"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

type loginRequest struct {
	Code string `json:"code"`
}

// User is the account profile returned by users/me.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// validateTokenResponse checks a token payload before it is trusted. The
// token itself stays opaque; only its presence and declared type are checked.
func validateTokenResponse(resp tokenResponse) error {
	if resp.AccessToken == "" {
		return errors.New("access_token is empty")
	}
	if resp.TokenType != "" && resp.TokenType != "Bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", resp.TokenType)
	}
	return nil
}

// AuthURL fetches the identity-provider authorization URL, parameterized by
// this application's callback URL. No credentials attached.
func (c *Client) AuthURL(ctx context.Context, callbackURL string) (string, error) {
	path := pathAuthURL + "?" + url.Values{"redirect_uri": {callbackURL}}.Encode()

	var resp authURLResponse
	if err := c.do(ctx, http.MethodGet, path, nil, false, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("auth url response missing url")
	}
	return resp.URL, nil
}

// Login exchanges an authorization code for an access token. The refresh
// credential arrives as a response cookie and lands in the jar.
func (c *Client) Login(ctx context.Context, code string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, pathLogin, loginRequest{Code: code}, false, &resp); err != nil {
		return "", err
	}
	if err := validateTokenResponse(resp); err != nil {
		return "", fmt.Errorf("invalid login response: %w", err)
	}
	return resp.AccessToken, nil
}

// RefreshToken exchanges the ambient refresh cookie for a new access token.
// This is the call the refresh coordinator wraps; it must not itself go
// through 401 recovery, so it is issued unauthenticated.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, pathRefresh, struct{}{}, false, &resp); err != nil {
		return "", err
	}
	if err := validateTokenResponse(resp); err != nil {
		return "", fmt.Errorf("invalid refresh response: %w", err)
	}
	return resp.AccessToken, nil
}

// Logout invalidates the refresh cookie server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, pathLogout, struct{}{}, false, nil)
}

// Me fetches the current user profile. Bearer-authorized, with transparent
// 401 recovery.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, pathMe, nil, true, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
