// Package session owns the client-side session state machine.
//
// The controller is the single component the rest of the application
// observes. It starts in StatusInitializing, settles into Authenticated or
// Unauthenticated after the startup silent refresh, and from then on moves
// only through the explicit transitions below. The invariant throughout:
// the status is Authenticated exactly when the token store holds a token.
package session

import (
	"context"
	"sync"

	"github.com/barn0w1/accounts-session/internal/log"
	"github.com/barn0w1/accounts-session/internal/tokenstore"
)

// Status is the externally observable summary of the session.
type Status int

const (
	// StatusInitializing is the start state, held until the startup silent
	// refresh settles. Consumers must not treat it as either authenticated
	// or unauthenticated.
	StatusInitializing Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// API is the slice of the gateway the controller needs.
type API interface {
	RefreshToken(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
}

// Controller drives session state. Create one per application instance.
type Controller struct {
	api    API
	tokens tokenstore.Store

	mu     sync.Mutex
	status Status

	initOnce sync.Once
	ready    chan struct{}
}

// NewController creates a controller in StatusInitializing. Call Init to run
// the startup silent refresh.
func NewController(api API, tokens tokenstore.Store) *Controller {
	return &Controller{
		api:    api,
		tokens: tokens,
		status: StatusInitializing,
		ready:  make(chan struct{}),
	}
}

// Init attempts the startup silent refresh exactly once per controller
// lifetime; repeated calls are no-ops. It never fails to its caller: any
// error, including "no refresh cookie present", is absorbed into the
// Unauthenticated state. The guard is not re-armed by Logout.
func (c *Controller) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		defer close(c.ready)

		token, err := c.api.RefreshToken(ctx)
		if err != nil {
			// Expected for visitors without a session; kept quiet.
			log.DebugWithFields("session", "Silent refresh failed, starting unauthenticated", map[string]any{
				"error": err.Error(),
			})
			c.transition(StatusUnauthenticated, "")
			return
		}

		log.InfoWithFields("session", "Session restored from refresh cookie", nil)
		c.transition(StatusAuthenticated, token)
	})
}

// Ready is closed once the startup silent refresh has settled. Consumers
// making auth-gated decisions must wait on it first.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsAuthenticated reports whether the session settled authenticated.
func (c *Controller) IsAuthenticated() bool {
	return c.Status() == StatusAuthenticated
}

// IsInitializing reports whether the startup silent refresh is still
// pending. Route-guarding logic must hold navigation decisions while true.
func (c *Controller) IsInitializing() bool {
	return c.Status() == StatusInitializing
}

// Login stores the token obtained from a successful code exchange and marks
// the session authenticated. Only the OAuth exchange flow calls this.
func (c *Controller) Login(token string) {
	c.transition(StatusAuthenticated, token)
	log.InfoWithFields("session", "Logged in", nil)
}

// Logout asks the account service to invalidate the refresh cookie, then
// clears local state unconditionally. A failed remote logout is logged and
// otherwise ignored; the local transition always happens.
func (c *Controller) Logout(ctx context.Context) {
	if err := c.api.Logout(ctx); err != nil {
		log.WarnWithFields("session", "Remote logout failed, clearing local session anyway", map[string]any{
			"error": err.Error(),
		})
	}
	c.transition(StatusUnauthenticated, "")
	log.InfoWithFields("session", "Logged out", nil)
}

// AuthLost is the gateway's hook for a 401 that survived a refresh attempt.
func (c *Controller) AuthLost() {
	c.transition(StatusUnauthenticated, "")
	log.WarnWithFields("session", "Session lost, token rejected and refresh failed", nil)
}

// transition updates status and token store together under the lock so the
// authenticated-iff-token invariant holds at every observation point.
func (c *Controller) transition(status Status, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = status
	if status == StatusAuthenticated {
		c.tokens.Set(token)
	} else {
		c.tokens.Clear()
	}
}
