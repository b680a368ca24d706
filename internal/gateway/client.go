// Package gateway is the HTTP client for the account service.
//
// It attaches the current bearer token to authorized calls, recovers from a
// single token-expiry 401 per request through the refresh coordinator, and
// parses responses at this boundary so the rest of the core never touches
// raw wire data. The refresh credential itself is ambient state: an HTTP-only
// cookie held by the underlying client's cookie jar that this package never
// reads or writes.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/barn0w1/accounts-session/internal/log"
	"github.com/barn0w1/accounts-session/internal/tokenstore"
	"github.com/barn0w1/accounts-session/internal/urlutil"
)

// DefaultTimeout applies when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// maxResponseBody bounds how much of a successful response is read.
const maxResponseBody = 1 << 20

// Refresher obtains a fresh access token after a 401. Implemented by the
// refresh coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Client performs requests against the account service.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    tokenstore.Store
	refresher Refresher
	authLost  func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. The client's cookie jar
// carries the refresh cookie; one without a jar cannot hold a session.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAuthLostHandler sets the hook invoked when a 401 survives a refresh
// attempt. The session controller uses it to transition to unauthenticated.
func WithAuthLostHandler(fn func()) Option {
	return func(c *Client) {
		c.authLost = fn
	}
}

// New creates a gateway client for the account service at baseURL.
func New(baseURL string, tokens tokenstore.Store, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Timeout: DefaultTimeout, Jar: jar}
	}
	return c
}

// SetRefresher wires the refresh coordinator. Done after construction because
// the coordinator's refresh call goes through this same client.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// SetAuthLostHandler replaces the auth-lost hook.
func (c *Client) SetAuthLostHandler(fn func()) {
	c.authLost = fn
}

// do issues a request and decodes the JSON response into out (when non-nil).
// When authed is set, the current bearer token is attached and a 401 goes
// through one refresh-and-retry cycle before being propagated.
func (c *Client) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	respBody, httpErr, err := c.send(ctx, method, path, payload, authed, "")
	if err != nil {
		return err
	}

	if httpErr != nil {
		if authed && httpErr.IsUnauthorized() && c.refresher != nil {
			return c.retryAfterRefresh(ctx, method, path, payload, httpErr, out)
		}
		return httpErr
	}

	return decodeInto(respBody, out)
}

// retryAfterRefresh obtains a fresh token through the coordinator and
// reissues the request exactly once. On refresh failure the original 401 is
// propagated and the auth-lost hook fires.
func (c *Client) retryAfterRefresh(ctx context.Context, method, path string, payload []byte, original *HTTPError, out any) error {
	token, err := c.refresher.Refresh(ctx)
	if err != nil {
		// A caller that aborted while waiting on the refresh did not lose
		// its session; only a rejected exchange ends it.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.WarnWithFields("gateway", "Refresh after 401 failed, session is gone", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		if c.authLost != nil {
			c.authLost()
		}
		return original
	}

	log.DebugWithFields("gateway", "Retrying request with refreshed token", map[string]any{
		"path": path,
	})

	respBody, httpErr, err := c.send(ctx, method, path, payload, true, token)
	if err != nil {
		return err
	}
	if httpErr != nil {
		// Already retried once. A second 401 here means even the fresh token
		// was rejected; propagate rather than loop.
		return httpErr
	}
	return decodeInto(respBody, out)
}

// send performs one HTTP round trip. Server rejections come back as an
// *HTTPError value; transport failures and context cancellation come back as
// errors and are never retried here.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, authed bool, forceToken string) ([]byte, *HTTPError, error) {
	target, err := urlutil.Endpoint(c.baseURL, path)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid request URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		token := forceToken
		if token == "" {
			token, _ = c.tokens.Get()
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Surface cancellation as-is so callers can tell an aborted request
		// from a network failure. Aborted requests must not be retried.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Body:   readLimited(resp.Body, maxErrorBody),
		}, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil, nil
}

func decodeInto(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
