package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// RefreshCookieName is the HTTP-only cookie the fake account service uses as
// the refresh credential. The client under test never touches it directly.
const RefreshCookieName = "accounts_refresh"

// FakeIdentityProvider is an auto-approving OAuth identity provider. Its
// authorize endpoint immediately redirects back to the requested redirect_uri
// with a one-time code; its token endpoint exchanges that code.
type FakeIdentityProvider struct {
	Server *httptest.Server

	mu    sync.Mutex
	codes map[string]bool // code -> consumed
}

// NewFakeIdentityProvider starts a fake IdP. Close it when done.
func NewFakeIdentityProvider() *FakeIdentityProvider {
	idp := &FakeIdentityProvider{codes: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		redirectURI := r.URL.Query().Get("redirect_uri")
		state := r.URL.Query().Get("state")

		code := uuid.NewString()
		idp.mu.Lock()
		idp.codes[code] = false
		idp.mu.Unlock()

		target, err := url.Parse(redirectURI)
		if err != nil {
			http.Error(w, "bad redirect_uri", http.StatusBadRequest)
			return
		}
		q := target.Query()
		q.Set("code", code)
		q.Set("state", state)
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		code := r.FormValue("code")

		idp.mu.Lock()
		consumed, known := idp.codes[code]
		if known && !consumed {
			idp.codes[code] = true
		}
		idp.mu.Unlock()

		if !known || consumed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "invalid_grant",
				"error_description": "authorization code invalid or already used",
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "idp-" + uuid.NewString(),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	idp.Server = httptest.NewServer(mux)
	return idp
}

func (idp *FakeIdentityProvider) Close() {
	idp.Server.Close()
}

// FakeAccountService implements the account-service API surface the session
// core consumes: auth/url, auth/login, auth/refresh, auth/logout, users/me.
// Access tokens are short JWTs carrying a generation number so tests can
// invalidate all outstanding tokens without touching refresh sessions.
type FakeAccountService struct {
	Server *httptest.Server

	idp    *FakeIdentityProvider
	jwtKey []byte

	mu              sync.Mutex
	refreshSessions map[string]string // cookie value -> user id
	tokenGen        int64

	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32

	// LogoutFails makes the logout endpoint return 502 without revoking.
	LogoutFails atomic.Bool

	// BeforeMeUnauthorized, when set, runs just before users/me rejects a
	// stale token. Tests use it as a barrier to line up concurrent 401s.
	BeforeMeUnauthorized func()

	// RefreshDelay holds every refresh exchange open for the given duration
	// so concurrent callers have time to join the in-flight one.
	RefreshDelay time.Duration
}

// NewFakeAccountService starts a fake account service backed by idp.
func NewFakeAccountService(idp *FakeIdentityProvider) *FakeAccountService {
	svc := &FakeAccountService{
		idp:             idp,
		jwtKey:          []byte("integration-test-signing-key"),
		refreshSessions: map[string]string{},
		tokenGen:        1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/url", svc.handleAuthURL)
	mux.HandleFunc("/v1/auth/login", svc.handleLogin)
	mux.HandleFunc("/v1/auth/refresh", svc.handleRefresh)
	mux.HandleFunc("/v1/auth/logout", svc.handleLogout)
	mux.HandleFunc("/v1/users/me", svc.handleMe)

	svc.Server = httptest.NewServer(mux)
	return svc
}

func (svc *FakeAccountService) Close() {
	svc.Server.Close()
}

// BaseURL is the account-service API root for the client under test.
func (svc *FakeAccountService) BaseURL() string {
	return svc.Server.URL
}

// RefreshCalls reports how many refresh exchanges the service has seen.
func (svc *FakeAccountService) RefreshCalls() int32 { return svc.refreshCalls.Load() }

// LoginCalls reports how many code exchanges the service has seen.
func (svc *FakeAccountService) LoginCalls() int32 { return svc.loginCalls.Load() }

// LogoutCalls reports how many logout requests the service has seen.
func (svc *FakeAccountService) LogoutCalls() int32 { return svc.logoutCalls.Load() }

// RevokeAccessTokens invalidates every outstanding access token while
// leaving refresh sessions intact, simulating access-token expiry.
func (svc *FakeAccountService) RevokeAccessTokens() {
	svc.mu.Lock()
	svc.tokenGen++
	svc.mu.Unlock()
}

// RevokeRefreshSessions drops every refresh session, simulating a revoked or
// expired refresh cookie.
func (svc *FakeAccountService) RevokeRefreshSessions() {
	svc.mu.Lock()
	svc.refreshSessions = map[string]string{}
	svc.mu.Unlock()
}

func (svc *FakeAccountService) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "accounts-web",
		ClientSecret: "accounts-web-secret",
		RedirectURL:  redirectURI,
		Scopes:       []string{"identify"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  svc.idp.Server.URL + "/authorize",
			TokenURL: svc.idp.Server.URL + "/token",
		},
	}
}

func (svc *FakeAccountService) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	authURL := svc.oauthConfig(redirectURI).AuthCodeURL(uuid.NewString())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": authURL})
}

func (svc *FakeAccountService) handleLogin(w http.ResponseWriter, r *http.Request) {
	svc.loginCalls.Add(1)

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	// Exchange the provider code against the IdP, the way the real account
	// service does. The redirect URI is not re-validated here.
	if _, err := svc.oauthConfig("").Exchange(r.Context(), req.Code); err != nil {
		http.Error(w, "invalid authorization code", http.StatusUnauthorized)
		return
	}

	userID := "user-1"
	sessionID := uuid.NewString()
	svc.mu.Lock()
	svc.refreshSessions[sessionID] = userID
	svc.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"access_token": svc.mintAccessToken(userID)})
}

func (svc *FakeAccountService) handleRefresh(w http.ResponseWriter, r *http.Request) {
	svc.refreshCalls.Add(1)
	if svc.RefreshDelay > 0 {
		time.Sleep(svc.RefreshDelay)
	}

	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		http.Error(w, "no refresh session", http.StatusUnauthorized)
		return
	}

	svc.mu.Lock()
	userID, ok := svc.refreshSessions[cookie.Value]
	svc.mu.Unlock()
	if !ok {
		http.Error(w, "refresh session revoked", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"access_token": svc.mintAccessToken(userID)})
}

func (svc *FakeAccountService) handleLogout(w http.ResponseWriter, r *http.Request) {
	svc.logoutCalls.Add(1)

	if svc.LogoutFails.Load() {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		svc.mu.Lock()
		delete(svc.refreshSessions, cookie.Value)
		svc.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (svc *FakeAccountService) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := svc.authorize(r)
	if !ok {
		if svc.BeforeMeUnauthorized != nil {
			svc.BeforeMeUnauthorized()
		}
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":         userID,
		"name":       "Test User",
		"email":      "user@example.org",
		"avatar_url": "https://cdn.example.org/avatars/user-1.png",
	})
}

func (svc *FakeAccountService) mintAccessToken(userID string) string {
	svc.mu.Lock()
	gen := svc.tokenGen
	svc.mu.Unlock()

	claims := jwt.MapClaims{
		"sub": userID,
		"gen": gen,
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(svc.jwtKey)
	if err != nil {
		panic("failed to sign access token: " + err.Error())
	}
	return signed
}

func (svc *FakeAccountService) authorize(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}

	token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (any, error) {
		return svc.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	gen, _ := claims["gen"].(float64)
	sub, _ := claims["sub"].(string)

	svc.mu.Lock()
	current := svc.tokenGen
	svc.mu.Unlock()
	if int64(gen) != current {
		return "", false
	}
	return sub, true
}
