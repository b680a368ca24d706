// Package oauthflow orchestrates the authorization-code round trip: login
// entry, external redirect to the identity provider, callback, code
// exchange, and restoration of the user's pre-login destination.
//
// Navigation is expressed as values: flow methods return where the
// application should go next and the embedding program performs the move.
package oauthflow

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/barn0w1/accounts-session/internal/log"
	"github.com/barn0w1/accounts-session/internal/redirect"
)

// API is the slice of the gateway the flow needs.
type API interface {
	AuthURL(ctx context.Context, callbackURL string) (string, error)
	Login(ctx context.Context, code string) (string, error)
}

// Session is the controller entry point the flow drives after a successful
// exchange.
type Session interface {
	Login(token string)
}

// Config locates the application the flow navigates within.
type Config struct {
	// AppOrigin is the application's own origin, e.g. https://accounts.example.org.
	// Preserved redirect targets resolving outside it are rejected.
	AppOrigin *url.URL

	// CallbackURL is this application's OAuth callback, passed to the
	// account service when requesting an authorization URL.
	CallbackURL string

	// LoginPath is the in-app login entry, the fallback for aborted or
	// failed flows.
	LoginPath string

	// LandingPath is the authenticated landing page, the safe default when
	// no (or no acceptable) redirect target was preserved.
	LandingPath string
}

// Outcome is the navigation decision a flow step produced.
type Outcome struct {
	// Target is the in-app destination to navigate to. Empty when no
	// navigation should happen.
	Target string

	// Duplicate marks a callback re-invocation whose code was already
	// consumed; the invocation was short-circuited with no network call.
	Duplicate bool

	// LoggedIn reports whether this outcome completed a login.
	LoggedIn bool
}

// Flow runs the OAuth exchange. One Flow corresponds to one application
// instance; its consumed-code guard is scoped accordingly.
type Flow struct {
	api       API
	session   Session
	redirects redirect.Store
	cfg       Config

	mu       sync.Mutex
	consumed map[string]struct{}
}

// New creates a Flow.
func New(api API, session Session, redirects redirect.Store, cfg Config) *Flow {
	return &Flow{
		api:       api,
		session:   session,
		redirects: redirects,
		cfg:       cfg,
		consumed:  make(map[string]struct{}),
	}
}

// Begin is the login entry. A non-empty redirectTo is preserved for after
// the round trip, then the identity-provider authorization URL is fetched.
// The caller performs the full navigation to the returned URL. On failure no
// partial state is left behind and the error is returned for the user to
// retry.
func (f *Flow) Begin(ctx context.Context, redirectTo string) (string, error) {
	saved := false
	if redirectTo != "" {
		if err := f.redirects.Save(redirectTo); err != nil {
			// Losing the destination degrades the experience but must not
			// block login.
			log.WarnWithFields("oauthflow", "Failed to preserve redirect target", map[string]any{
				"error": err.Error(),
			})
		} else {
			saved = true
		}
	}

	authURL, err := f.api.AuthURL(ctx, f.cfg.CallbackURL)
	if err != nil {
		if saved {
			if clearErr := f.redirects.Clear(); clearErr != nil {
				log.WarnWithFields("oauthflow", "Failed to clear redirect target", map[string]any{
					"error": clearErr.Error(),
				})
			}
		}
		return "", err
	}
	return authURL, nil
}

// HandleCallback processes the identity provider's redirect back into the
// application. callbackURL is the full URL the browser landed on, including
// the code query parameter.
func (f *Flow) HandleCallback(ctx context.Context, callbackURL *url.URL) Outcome {
	code := callbackURL.Query().Get("code")
	if code == "" {
		// Aborted or malformed flow; back to the login entry.
		return Outcome{Target: f.cfg.LoginPath}
	}

	// A code is exchanged at most once, even if the handler runs again for
	// the same callback. The code is marked consumed before the exchange so
	// a re-entrant invocation cannot race past the guard.
	f.mu.Lock()
	if _, dup := f.consumed[code]; dup {
		f.mu.Unlock()
		log.DebugWithFields("oauthflow", "Ignoring duplicate callback invocation", nil)
		return Outcome{Duplicate: true}
	}
	f.consumed[code] = struct{}{}
	f.mu.Unlock()

	token, err := f.api.Login(ctx, code)
	if err != nil {
		log.ErrorWithFields("oauthflow", "Code exchange failed", map[string]any{
			"error": err.Error(),
		})
		return Outcome{Target: f.cfg.LoginPath + "?error=login_failed"}
	}

	f.session.Login(token)

	return Outcome{Target: f.restoreTarget(), LoggedIn: true}
}

// restoreTarget consumes the preserved destination and validates it against
// the application origin. Anything malformed or foreign falls back to the
// landing page; the preserved value must never become an open-redirect
// vector.
func (f *Flow) restoreTarget() string {
	raw, ok, err := f.redirects.TakeAndClear()
	if err != nil {
		log.WarnWithFields("oauthflow", "Failed to read preserved redirect target", map[string]any{
			"error": err.Error(),
		})
		return f.cfg.LandingPath
	}
	if !ok {
		return f.cfg.LandingPath
	}

	target, valid := sanitizeTarget(raw, f.cfg.AppOrigin)
	if !valid {
		log.WarnWithFields("oauthflow", "Rejected preserved redirect target", map[string]any{
			"target": raw,
		})
		return f.cfg.LandingPath
	}
	return target
}

// sanitizeTarget resolves raw against the application origin and returns the
// in-app path to navigate to. It fails for values that do not parse or that
// resolve to a different origin, including protocol-relative forms.
func sanitizeTarget(raw string, origin *url.URL) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	resolved := origin.ResolveReference(parsed)
	if resolved.Scheme != origin.Scheme || resolved.Host != origin.Host {
		return "", false
	}

	// Strip the transient OAuth parameters so a reload of the restored
	// location cannot replay the exchange.
	q := resolved.Query()
	q.Del("code")
	q.Del("state")
	resolved.RawQuery = q.Encode()

	target := resolved.Path
	if target == "" || !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	if resolved.RawQuery != "" {
		target += "?" + resolved.RawQuery
	}
	if resolved.Fragment != "" {
		target += "#" + resolved.Fragment
	}
	return target, true
}
