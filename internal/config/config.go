// Package config carries the small amount of configuration the session core
// needs: where the account service lives, what this application's own origin
// and routes are, and where the redirect-preservation state file goes.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config locates the account service and the application itself.
type Config struct {
	// AccountsBaseURL is the account service API root, e.g.
	// https://accounts.example.org/api.
	AccountsBaseURL string `json:"accountsBaseURL" env:"ACCOUNTS_BASE_URL"`

	// AppOrigin is this application's own origin. Preserved redirect targets
	// are validated against it.
	AppOrigin string `json:"appOrigin" env:"APP_ORIGIN"`

	// CallbackPath is the OAuth callback route within the application.
	CallbackPath string `json:"callbackPath" env:"CALLBACK_PATH" envDefault:"/callback"`

	// LoginPath is the login entry route.
	LoginPath string `json:"loginPath" env:"LOGIN_PATH" envDefault:"/login"`

	// LandingPath is the authenticated landing page, the safe default
	// destination after login.
	LandingPath string `json:"landingPath" env:"LANDING_PATH" envDefault:"/"`

	// StateFile backs the redirect-preservation store. Empty selects the
	// in-memory store.
	StateFile string `json:"stateFile" env:"STATE_FILE"`

	// HTTPTimeout bounds every account-service call.
	HTTPTimeout Duration `json:"httpTimeout" env:"HTTP_TIMEOUT" envDefault:"30s"`
}

// CallbackURL is the absolute callback URL passed to the account service.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.AppOrigin, "/") + c.CallbackPath
}

// Origin returns the parsed application origin. Validate must have passed.
func (c *Config) Origin() (*url.URL, error) {
	return url.Parse(c.AppOrigin)
}

// Duration is a time.Duration that unmarshals from "30s"-style JSON strings
// and env values.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a JSON config file, resolving {"$env": "VAR"} references before
// parsing, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	resolved := make(map[string]any, len(raw))
	for key, value := range raw {
		v, err := resolveEnvRef(value)
		if err != nil {
			return Config{}, fmt.Errorf("resolving %s: %w", key, err)
		}
		resolved[key] = v
	}

	normalized, err := json.Marshal(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("normalizing config: %w", err)
	}

	cfg := defaults()
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnv builds the config purely from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		CallbackPath: "/callback",
		LoginPath:    "/login",
		LandingPath:  "/",
		HTTPTimeout:  Duration(30 * time.Second),
	}
}

// resolveEnvRef replaces {"$env": "VAR"} values with the variable's content.
// Anything else passes through untouched.
func resolveEnvRef(value json.RawMessage) (any, error) {
	var ref struct {
		Env *string `json:"$env"`
	}
	if err := json.Unmarshal(value, &ref); err == nil && ref.Env != nil {
		resolved, ok := os.LookupEnv(*ref.Env)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", *ref.Env)
		}
		return resolved, nil
	}

	var passthrough any
	if err := json.Unmarshal(value, &passthrough); err != nil {
		return nil, err
	}
	return passthrough, nil
}

// Validate checks the config for the mistakes that would otherwise surface
// as confusing flow failures later.
func Validate(cfg *Config) error {
	if err := requireAbsoluteURL("accountsBaseURL", cfg.AccountsBaseURL); err != nil {
		return err
	}

	origin, err := url.Parse(cfg.AppOrigin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("appOrigin must be an absolute URL, got %q", cfg.AppOrigin)
	}
	if origin.Path != "" && origin.Path != "/" {
		return fmt.Errorf("appOrigin must not include a path, got %q", cfg.AppOrigin)
	}
	if origin.RawQuery != "" || origin.Fragment != "" {
		return fmt.Errorf("appOrigin must not include a query or fragment, got %q", cfg.AppOrigin)
	}

	for name, path := range map[string]string{
		"callbackPath": cfg.CallbackPath,
		"loginPath":    cfg.LoginPath,
		"landingPath":  cfg.LandingPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /, got %q", name, path)
		}
	}

	if cfg.HTTPTimeout.Std() <= 0 {
		return fmt.Errorf("httpTimeout must be positive")
	}
	return nil
}

func requireAbsoluteURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, value)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got %q", name, u.Scheme)
	}
	return nil
}
