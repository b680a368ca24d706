package integration

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/barn0w1/accounts-session/internal/gateway"
	"github.com/barn0w1/accounts-session/internal/oauthflow"
	"github.com/barn0w1/accounts-session/internal/redirect"
	"github.com/barn0w1/accounts-session/internal/refresh"
	"github.com/barn0w1/accounts-session/internal/session"
	"github.com/barn0w1/accounts-session/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const appOrigin = "https://accounts.example.org"

// stack is one assembled application instance: the cookie-jar HTTP client
// standing in for the browser, and the full session core wired on top of it.
type stack struct {
	browser    *http.Client
	tokens     *tokenstore.Memory
	client     *gateway.Client
	controller *session.Controller
	flow       *oauthflow.Flow
	redirects  redirect.Store
}

func newStack(t *testing.T, svc *FakeAccountService) *stack {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// The "browser" stops at redirects so tests can inspect where
			// the identity provider sends it.
			return http.ErrUseLastResponse
		},
	}

	tokens := tokenstore.NewMemory()
	client := gateway.New(svc.BaseURL(), tokens, gateway.WithHTTPClient(browser))

	coordinator := refresh.New(client.RefreshToken, tokens)
	client.SetRefresher(coordinator)

	controller := session.NewController(client, tokens)
	client.SetAuthLostHandler(controller.AuthLost)

	origin, err := url.Parse(appOrigin)
	require.NoError(t, err)

	redirects := redirect.NewMemory()
	flow := oauthflow.New(client, controller, redirects, oauthflow.Config{
		AppOrigin:   origin,
		CallbackURL: appOrigin + "/callback",
		LoginPath:   "/login",
		LandingPath: "/",
	})

	return &stack{
		browser:    browser,
		tokens:     tokens,
		client:     client,
		controller: controller,
		flow:       flow,
		redirects:  redirects,
	}
}

// completeLogin runs the whole round trip: login entry, the external hop to
// the identity provider, and the callback with the code it hands back.
func (s *stack) completeLogin(t *testing.T, redirectTo string) oauthflow.Outcome {
	t.Helper()
	ctx := context.Background()

	authURL, err := s.flow.Begin(ctx, redirectTo)
	require.NoError(t, err)

	resp, err := s.browser.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/callback", callback.Path)
	require.NotEmpty(t, callback.Query().Get("code"))

	return s.flow.HandleCallback(ctx, callback)
}

func TestStartupWithoutRefreshCookie(t *testing.T) {
	// First visit: no refresh cookie, so the silent refresh gets a 401.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	assert.Equal(t, session.StatusInitializing, s.controller.Status())

	s.controller.Init(context.Background())
	<-s.controller.Ready()

	assert.Equal(t, session.StatusUnauthenticated, s.controller.Status())
	_, ok := s.tokens.Get()
	assert.False(t, ok)
}

func TestStartupWithValidRefreshCookie(t *testing.T) {
	// A previous login left a refresh cookie in the jar; a
	// fresh application instance sharing it restores the session silently.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	first := newStack(t, svc)
	outcome := first.completeLogin(t, "")
	require.True(t, outcome.LoggedIn)

	second := newStack(t, svc)
	second.browser.Jar = first.browser.Jar // same browser, new page load
	second.controller.Init(context.Background())
	<-second.controller.Ready()

	assert.Equal(t, session.StatusAuthenticated, second.controller.Status())
	token, ok := second.tokens.Get()
	assert.True(t, ok)
	assert.NotEmpty(t, token)
}

func TestFullLoginFlowRestoresRedirect(t *testing.T) {
	// Login entered with redirect_to=/settings; after the OAuth
	// round trip the user lands on /settings.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	s.controller.Init(context.Background())
	<-s.controller.Ready()
	require.Equal(t, session.StatusUnauthenticated, s.controller.Status())

	outcome := s.completeLogin(t, "/settings")

	assert.True(t, outcome.LoggedIn)
	assert.Equal(t, "/settings", outcome.Target)
	assert.Equal(t, session.StatusAuthenticated, s.controller.Status())

	user, err := s.client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "user@example.org", user.Email)
}

func TestForeignRedirectTargetFallsBackToLanding(t *testing.T) {
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	outcome := s.completeLogin(t, "https://evil.example/phish")

	assert.True(t, outcome.LoggedIn)
	assert.Equal(t, "/", outcome.Target, "foreign origins are never navigated to")
}

func TestCallbackIdempotence(t *testing.T) {
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	ctx := context.Background()

	authURL, err := s.flow.Begin(ctx, "")
	require.NoError(t, err)
	resp, err := s.browser.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	first := s.flow.HandleCallback(ctx, callback)
	second := s.flow.HandleCallback(ctx, callback)

	assert.True(t, first.LoggedIn)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int32(1), svc.LoginCalls(), "a code is exchanged exactly once")
}

func TestExpiredTokenIsRefreshedTransparently(t *testing.T) {
	// A 401 mid-session recovers through one refresh and the
	// caller never sees it.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	require.True(t, s.completeLogin(t, "").LoggedIn)
	staleToken, _ := s.tokens.Get()

	svc.RevokeAccessTokens()

	user, err := s.client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, session.StatusAuthenticated, s.controller.Status())

	freshToken, ok := s.tokens.Get()
	assert.True(t, ok)
	assert.NotEqual(t, staleToken, freshToken, "the store holds the refreshed token")
}

func TestFailedRefreshEndsSession(t *testing.T) {
	// The 401 survives because the refresh session is gone; the
	// caller gets the original rejection and the session transitions to
	// unauthenticated.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	require.True(t, s.completeLogin(t, "").LoggedIn)

	svc.RevokeAccessTokens()
	svc.RevokeRefreshSessions()

	_, err := s.client.Me(context.Background())
	require.Error(t, err)

	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)

	assert.Equal(t, session.StatusUnauthenticated, s.controller.Status())
	_, ok := s.tokens.Get()
	assert.False(t, ok)
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	// N concurrent calls each hit a 401; exactly one refresh exchange
	// reaches the network and every retried call carries the same token.
	const callers = 8

	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	require.True(t, s.completeLogin(t, "").LoggedIn)
	refreshesSoFar := svc.RefreshCalls()

	// Barrier: hold every stale-token rejection until all callers have
	// arrived, so their recoveries overlap.
	var arrived sync.WaitGroup
	arrived.Add(callers)
	release := make(chan struct{})
	svc.BeforeMeUnauthorized = func() {
		arrived.Done()
		<-release
	}
	svc.RefreshDelay = 100 * time.Millisecond
	go func() {
		arrived.Wait()
		close(release)
	}()

	svc.RevokeAccessTokens()

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := s.client.Me(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, refreshesSoFar+1, svc.RefreshCalls(),
		"exactly one refresh exchange for %d concurrent 401s", callers)
}

func TestLogoutRevokesRefreshSession(t *testing.T) {
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	require.True(t, s.completeLogin(t, "").LoggedIn)

	s.controller.Logout(context.Background())
	assert.Equal(t, session.StatusUnauthenticated, s.controller.Status())

	// The refresh session is gone server-side too: a new application
	// instance on the same browser cannot silently restore.
	next := newStack(t, svc)
	next.browser.Jar = s.browser.Jar
	next.controller.Init(context.Background())
	<-next.controller.Ready()
	assert.Equal(t, session.StatusUnauthenticated, next.controller.Status())
}

func TestLogoutIsBestEffort(t *testing.T) {
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	s := newStack(t, svc)
	require.True(t, s.completeLogin(t, "").LoggedIn)

	svc.LogoutFails.Store(true)
	s.controller.Logout(context.Background())

	assert.Equal(t, int32(1), svc.LogoutCalls())
	assert.Equal(t, session.StatusUnauthenticated, s.controller.Status(),
		"local logout happens even when the remote one fails")
	_, ok := s.tokens.Get()
	assert.False(t, ok)
}

func TestReplayedCodeAtServiceIsRejected(t *testing.T) {
	// A second application instance replaying an already-exchanged code is
	// stopped by the service; no session is established.
	idp := NewFakeIdentityProvider()
	defer idp.Close()
	svc := NewFakeAccountService(idp)
	defer svc.Close()

	first := newStack(t, svc)
	ctx := context.Background()
	authURL, err := first.flow.Begin(ctx, "")
	require.NoError(t, err)
	resp, err := first.browser.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	require.True(t, first.flow.HandleCallback(ctx, callback).LoggedIn)

	second := newStack(t, svc)
	outcome := second.flow.HandleCallback(ctx, callback)

	assert.False(t, outcome.LoggedIn)
	assert.Equal(t, "/login?error=login_failed", outcome.Target)
	assert.Equal(t, session.StatusInitializing, second.controller.Status(),
		"a failed exchange sets no session state")
}
