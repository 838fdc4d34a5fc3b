package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AuthType selects how the CLI authenticates.
type AuthType string

const (
	AuthAPIKey          AuthType = "api-key"
	AuthSubscriptionPro AuthType = "subscription-pro"
	AuthSubscriptionMax AuthType = "subscription-max"
	AuthBedrock         AuthType = "bedrock"
	AuthVertex          AuthType = "vertex"
)

// Environment variables that carry CLI credentials. All of them are stripped
// from the inherited environment so exactly one method reaches the process.
const (
	envAPIKey        = "ANTHROPIC_API_KEY"
	envUsePro        = "CLAUDE_CODE_USE_PRO"
	envUseMax        = "CLAUDE_CODE_USE_MAX"
	envUseBedrock    = "CLAUDE_CODE_USE_BEDROCK"
	envUseVertex     = "CLAUDE_CODE_USE_VERTEX"
	envAWSRegion     = "AWS_REGION"
	envVertexProject = "ANTHROPIC_VERTEX_PROJECT_ID"
)

var authEnvKeys = []string{
	envAPIKey, envUsePro, envUseMax, envUseBedrock, envUseVertex, envAWSRegion, envVertexProject,
}

// AuthConfig is the credential selection for one session.
type AuthConfig struct {
	Type      AuthType `json:"type"`
	APIKey    string   `json:"-"`
	Region    string   `json:"region,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
}

// LaunchConfig is the immutable set of parameters a session was started with.
type LaunchConfig struct {
	WorkingDir      string     `json:"workingDir"`
	Model           string     `json:"model,omitempty"`
	AllowedTools    []string   `json:"allowedTools,omitempty"`
	DisallowedTools []string   `json:"disallowedTools,omitempty"`
	PermissionMode  string     `json:"permissionMode,omitempty"`
	Auth            AuthConfig `json:"auth"`
	Resume          string     `json:"resume,omitempty"`
	Continue        bool       `json:"continue,omitempty"`
}

// WithDefaults fills every unset field of c from d.
func (c LaunchConfig) WithDefaults(d LaunchConfig) LaunchConfig {
	if c.WorkingDir == "" {
		c.WorkingDir = d.WorkingDir
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.AllowedTools == nil {
		c.AllowedTools = d.AllowedTools
	}
	if c.DisallowedTools == nil {
		c.DisallowedTools = d.DisallowedTools
	}
	if c.PermissionMode == "" {
		c.PermissionMode = d.PermissionMode
	}
	if c.Auth.Type == "" {
		c.Auth = d.Auth
	}
	return c
}

// Validate checks that the configuration can launch a process.
func (c LaunchConfig) Validate() error {
	if c.WorkingDir == "" {
		return fmt.Errorf("%w: working directory is required", ErrInvalidConfig)
	}
	info, err := os.Stat(c.WorkingDir)
	if err != nil {
		return fmt.Errorf("%w: working directory: %w", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidConfig, c.WorkingDir)
	}

	switch c.Auth.Type {
	case AuthAPIKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("%w: api-key auth requires a key", ErrInvalidConfig)
		}
	case AuthSubscriptionPro, AuthSubscriptionMax:
	case AuthBedrock:
		if c.Auth.Region == "" {
			return fmt.Errorf("%w: bedrock auth requires a region", ErrInvalidConfig)
		}
	case AuthVertex:
		if c.Auth.ProjectID == "" {
			return fmt.Errorf("%w: vertex auth requires a project id", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidConfig, c.Auth.Type)
	}
	return nil
}

// BuildArgs returns the CLI argument vector for c.
func BuildArgs(c LaunchConfig) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	if c.WorkingDir != "" {
		dir := c.WorkingDir
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		args = append(args, "--add-dir", dir)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if len(c.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.AllowedTools, ","))
	}
	if len(c.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.DisallowedTools, ","))
	}
	if c.PermissionMode != "" {
		args = append(args, "--permission-mode", c.PermissionMode)
	}

	switch {
	case c.Resume != "":
		args = append(args, "--resume", c.Resume)
	case c.Continue:
		args = append(args, "--continue")
	}
	return args
}

// BuildEnv returns base without any credential variables, plus the variables
// of the selected auth method.
func BuildEnv(base []string, auth AuthConfig) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if isAuthKey(key) {
			continue
		}
		env = append(env, kv)
	}

	switch auth.Type {
	case AuthAPIKey:
		env = append(env, envAPIKey+"="+auth.APIKey)
	case AuthSubscriptionPro:
		env = append(env, envUsePro+"=1")
	case AuthSubscriptionMax:
		env = append(env, envUseMax+"=1")
	case AuthBedrock:
		env = append(env, envUseBedrock+"=1", envAWSRegion+"="+auth.Region)
	case AuthVertex:
		env = append(env, envUseVertex+"=1", envVertexProject+"="+auth.ProjectID)
	}
	return env
}

func isAuthKey(key string) bool {
	for _, k := range authEnvKeys {
		if k == key {
			return true
		}
	}
	return false
}
