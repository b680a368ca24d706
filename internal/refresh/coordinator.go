// Package refresh serializes refresh-token exchanges.
//
// When several API calls hit an expired token at once, each asks for a fresh
// one; without coordination every caller would issue its own exchange. The
// coordinator collapses them into a single network call whose result every
// waiter shares.
package refresh

import (
	"context"
	"errors"
	"fmt"

	"github.com/barn0w1/accounts-session/internal/log"
	"github.com/barn0w1/accounts-session/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

// ErrRefreshRejected wraps refresh exchanges the account service refused,
// typically an expired or revoked refresh cookie.
var ErrRefreshRejected = errors.New("refresh rejected")

// refreshKey is the singleflight key. There is only one refresh credential
// per process, so there is only one key.
const refreshKey = "refresh"

// Func performs the actual refresh-token exchange.
type Func func(ctx context.Context) (string, error)

// Coordinator guarantees at most one in-flight refresh exchange. Callers that
// join while one is pending receive that exchange's result.
type Coordinator struct {
	fn     Func
	tokens tokenstore.Store
	group  singleflight.Group
}

// New creates a coordinator around the given exchange function. On success
// the new token is stored before any waiter resumes, so every retried request
// observes the same fresh token.
func New(fn Func, tokens tokenstore.Store) *Coordinator {
	return &Coordinator{fn: fn, tokens: tokens}
}

// Refresh returns a fresh access token, deduplicating concurrent callers.
//
// The exchange itself runs detached from any single caller's context: a
// caller that aborts mid-refresh stops waiting, but the shared exchange
// keeps going for everyone else. The underlying HTTP client's timeout still
// bounds the call.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		token, err := c.fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		c.tokens.Set(token)
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.DebugWithFields("refresh", "Joined in-flight refresh", nil)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
