package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"accountsBaseURL": "https://accounts.example.org/api",
		"appOrigin": "https://accounts.example.org",
		"callbackPath": "/auth/callback",
		"httpTimeout": "10s"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://accounts.example.org/api", cfg.AccountsBaseURL)
	assert.Equal(t, "/auth/callback", cfg.CallbackPath)
	assert.Equal(t, "/login", cfg.LoginPath, "defaults fill unset fields")
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout.Std())
	assert.Equal(t, "https://accounts.example.org/auth/callback", cfg.CallbackURL())
}

func TestLoadResolvesEnvRefs(t *testing.T) {
	t.Setenv("TEST_ACCOUNTS_URL", "https://accounts.example.org/api")

	path := writeConfig(t, `{
		"accountsBaseURL": {"$env": "TEST_ACCOUNTS_URL"},
		"appOrigin": "https://accounts.example.org"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://accounts.example.org/api", cfg.AccountsBaseURL)
}

func TestLoadMissingEnvRef(t *testing.T) {
	path := writeConfig(t, `{
		"accountsBaseURL": {"$env": "DEFINITELY_NOT_SET_12345"},
		"appOrigin": "https://accounts.example.org"
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_NOT_SET_12345")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ACCOUNTS_BASE_URL", "https://accounts.example.org/api")
	t.Setenv("APP_ORIGIN", "https://accounts.example.org")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://accounts.example.org/api", cfg.AccountsBaseURL)
	assert.Equal(t, "/callback", cfg.CallbackPath)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout.Std())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() Config {
		cfg := defaults()
		cfg.AccountsBaseURL = "https://accounts.example.org/api"
		cfg.AppOrigin = "https://accounts.example.org"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"relative base URL", func(c *Config) { c.AccountsBaseURL = "/api" }, "absolute URL"},
		{"bad scheme", func(c *Config) { c.AccountsBaseURL = "ftp://x.example.com" }, "scheme"},
		{"relative origin", func(c *Config) { c.AppOrigin = "accounts.example.org" }, "absolute URL"},
		{"origin with path", func(c *Config) { c.AppOrigin = "https://x.example.com/app" }, "path"},
		{"callback without slash", func(c *Config) { c.CallbackPath = "callback" }, "start with /"},
		{"zero timeout", func(c *Config) { c.HTTPTimeout = 0 }, "positive"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	cfg := defaults()
	cfg.AccountsBaseURL = "http://localhost:8080/api"
	cfg.AppOrigin = "http://localhost:3000"
	assert.NoError(t, Validate(&cfg))
}
