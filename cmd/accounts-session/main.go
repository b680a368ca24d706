package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/barn0w1/accounts-session/internal/config"
	"github.com/barn0w1/accounts-session/internal/gateway"
	"github.com/barn0w1/accounts-session/internal/log"
	"github.com/barn0w1/accounts-session/internal/oauthflow"
	"github.com/barn0w1/accounts-session/internal/redirect"
	"github.com/barn0w1/accounts-session/internal/refresh"
	"github.com/barn0w1/accounts-session/internal/session"
	"github.com/barn0w1/accounts-session/internal/tokenstore"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"accountsBaseURL": "https://accounts.yourcompany.com/api",
		"appOrigin":       "https://app.yourcompany.com",
		"callbackPath":    "/callback",
		"loginPath":       "/login",
		"landingPath":     "/",
		"stateFile":       map[string]string{"$env": "ACCOUNTS_STATE_FILE"},
		"httpTimeout":     "30s",
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// core is the assembled session subsystem.
type core struct {
	client     *gateway.Client
	controller *session.Controller
	flow       *oauthflow.Flow
}

func buildCore(cfg config.Config) (*core, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	tokens := tokenstore.NewMemory()
	client := gateway.New(cfg.AccountsBaseURL, tokens, gateway.WithHTTPClient(&http.Client{
		Jar:     jar,
		Timeout: cfg.HTTPTimeout.Std(),
	}))

	coordinator := refresh.New(client.RefreshToken, tokens)
	client.SetRefresher(coordinator)

	controller := session.NewController(client, tokens)
	client.SetAuthLostHandler(controller.AuthLost)

	origin, err := cfg.Origin()
	if err != nil {
		return nil, fmt.Errorf("invalid app origin: %w", err)
	}

	var redirects redirect.Store
	if cfg.StateFile != "" {
		redirects = redirect.NewFileStore(cfg.StateFile, redirect.DefaultTTL)
	} else {
		redirects = redirect.NewMemory()
	}

	flow := oauthflow.New(client, controller, redirects, oauthflow.Config{
		AppOrigin:   origin,
		CallbackURL: cfg.CallbackURL(),
		LoginPath:   cfg.LoginPath,
		LandingPath: cfg.LandingPath,
	})

	return &core{client: client, controller: controller, flow: flow}, nil
}

func printProfile(ctx context.Context, client *gateway.Client) error {
	user, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch profile: %w", err)
	}
	fmt.Printf("Logged in as %s <%s> (id %s)\n", user.Name, user.Email, user.ID)
	return nil
}

// runLogin walks the operator through the code exchange: print the
// authorization URL, have them complete it in a browser, and paste the
// callback URL they land on back here.
func runLogin(ctx context.Context, c *core, redirectTo string) error {
	authURL, err := c.flow.Begin(ctx, redirectTo)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	fmt.Printf("Open this URL in a browser and sign in:\n\n  %s\n\n", authURL)
	fmt.Print("Paste the full callback URL here: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read callback URL: %w", err)
	}
	callback, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	}

	outcome := c.flow.HandleCallback(ctx, callback)
	if !outcome.LoggedIn {
		return fmt.Errorf("login failed, would navigate to %s", outcome.Target)
	}

	fmt.Printf("Login complete, continue at %s\n", outcome.Target)
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (environment variables are used when omitted)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	redirectTo := flag.String("redirect-to", "", "in-app destination to land on after login")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.Errorf("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	// A .env file next to the binary is a convenience for local runs.
	_ = godotenv.Load()

	var cfg config.Config
	var err error
	if *conf != "" {
		cfg, err = config.Load(*conf)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.InfoWithFields("main", "Starting accounts-session", map[string]any{
		"version":  BuildVersion,
		"accounts": cfg.AccountsBaseURL,
	})

	c, err := buildCore(cfg)
	if err != nil {
		log.Errorf("Failed to assemble session core: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	c.controller.Init(ctx)
	<-c.controller.Ready()

	if c.controller.IsAuthenticated() {
		fmt.Println("Session restored silently.")
	} else {
		fmt.Println("No existing session.")
		if err := runLogin(ctx, c, *redirectTo); err != nil {
			log.Errorf("Login failed: %v", err)
			os.Exit(1)
		}
	}

	if err := printProfile(ctx, c.client); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
