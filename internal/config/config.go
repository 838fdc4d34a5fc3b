// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Auth modes for WebSocket and REST clients.
const (
	AuthModeJWT = "jwt"
	AuthModeDev = "dev"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	WorkspaceRoot  string
	CLI            CLIConfig
	Auth           AuthConfig

	MaxSessions            int
	CompletionTimeout      time.Duration
	KillGrace              time.Duration
	StaleConnectionTimeout time.Duration
	SweepInterval          time.Duration
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	ShutdownTimeout        time.Duration
	ActivityRetention      time.Duration
}

// CLIConfig holds the defaults applied to every launched CLI session.
type CLIConfig struct {
	Path            string
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	AuthType        string
	APIKey          string
	AWSRegion       string
	VertexProjectID string
}

// AuthConfig controls how client tokens are verified.
type AuthConfig struct {
	Mode      string
	JWKSURL   string
	JWTSecret string
	Audience  string
	Issuer    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		DBPath:         getEnv("DB_PATH", "./data/relay.db"),
		WorkspaceRoot:  getEnv("WORKSPACE_ROOT", cwd),
		CLI: CLIConfig{
			Path:            getEnv("CLAUDE_CLI_PATH", "claude"),
			Model:           getEnv("DEFAULT_MODEL", ""),
			AllowedTools:    getEnvList("DEFAULT_ALLOWED_TOOLS", nil),
			DisallowedTools: getEnvList("DEFAULT_DISALLOWED_TOOLS", nil),
			PermissionMode:  getEnv("DEFAULT_PERMISSION_MODE", ""),
			AuthType:        getEnv("CLI_AUTH_TYPE", "api-key"),
			APIKey:          getEnv("ANTHROPIC_API_KEY", ""),
			AWSRegion:       getEnv("AWS_REGION", ""),
			VertexProjectID: getEnv("ANTHROPIC_VERTEX_PROJECT_ID", ""),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(getEnv("AUTH_MODE", AuthModeJWT)),
			JWKSURL:   getEnv("JWT_JWKS_URL", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
			Audience:  getEnv("JWT_AUDIENCE", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		MaxSessions:            getEnvInt("MAX_SESSIONS", 10),
		CompletionTimeout:      getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		KillGrace:              getEnvDuration("KILL_GRACE", 5*time.Second),
		StaleConnectionTimeout: getEnvDuration("STALE_CONNECTION_TIMEOUT", 90*time.Second),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		RateLimitRequests:      getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ActivityRetention:      getEnvDuration("ACTIVITY_RETENTION", 7*24*time.Hour),
	}

	if abs, err := filepath.Abs(cfg.WorkspaceRoot); err == nil {
		cfg.WorkspaceRoot = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.CLI.Path == "" {
		return errors.New("CLAUDE_CLI_PATH cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return errors.New("MAX_SESSIONS must be > 0")
	}
	if c.CompletionTimeout <= 0 {
		return errors.New("COMPLETION_TIMEOUT must be > 0")
	}
	if c.KillGrace <= 0 {
		return errors.New("KILL_GRACE must be > 0")
	}
	if c.StaleConnectionTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.New("STALE_CONNECTION_TIMEOUT and SWEEP_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}

	switch c.Auth.Mode {
	case AuthModeDev:
	case AuthModeJWT:
		if c.Auth.JWKSURL == "" && c.Auth.JWTSecret == "" {
			return errors.New("AUTH_MODE=jwt requires JWT_JWKS_URL or JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}

	switch c.CLI.AuthType {
	case "api-key":
		if c.CLI.APIKey == "" {
			return errors.New("CLI_AUTH_TYPE=api-key requires ANTHROPIC_API_KEY")
		}
	case "subscription-pro", "subscription-max":
	case "bedrock":
		if c.CLI.AWSRegion == "" {
			return errors.New("CLI_AUTH_TYPE=bedrock requires AWS_REGION")
		}
	case "vertex":
		if c.CLI.VertexProjectID == "" {
			return errors.New("CLI_AUTH_TYPE=vertex requires ANTHROPIC_VERTEX_PROJECT_ID")
		}
	default:
		return fmt.Errorf("unknown CLI_AUTH_TYPE %q", c.CLI.AuthType)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the allowed browser origins. FRONTEND_URL is always
// included when set.
func (c *Config) Origins() []string {
	origins := append([]string(nil), c.AllowedOrigins...)
	if c.FrontendURL != "" {
		origins = append(origins, strings.TrimRight(c.FrontendURL, "/"))
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
