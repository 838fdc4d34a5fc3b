package supervisor

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	dir := t.TempDir()
	abs, _ := filepath.Abs(dir)

	tests := []struct {
		name string
		cfg  LaunchConfig
		want []string
	}{
		{
			name: "minimal",
			cfg:  LaunchConfig{},
			want: []string{"-p", "--output-format", "stream-json", "--verbose"},
		},
		{
			name: "full",
			cfg: LaunchConfig{
				WorkingDir:      dir,
				Model:           "sonnet",
				AllowedTools:    []string{"Read", "Edit"},
				DisallowedTools: []string{"Bash"},
				PermissionMode:  "acceptEdits",
				Resume:          "ext-1",
			},
			want: []string{
				"-p", "--output-format", "stream-json", "--verbose",
				"--add-dir", abs,
				"--model", "sonnet",
				"--allowedTools", "Read,Edit",
				"--disallowedTools", "Bash",
				"--permission-mode", "acceptEdits",
				"--resume", "ext-1",
			},
		},
		{
			name: "continue",
			cfg:  LaunchConfig{Continue: true},
			want: []string{"-p", "--output-format", "stream-json", "--verbose", "--continue"},
		},
		{
			name: "resume wins over continue",
			cfg:  LaunchConfig{Resume: "ext-2", Continue: true},
			want: []string{"-p", "--output-format", "stream-json", "--verbose", "--resume", "ext-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildArgs(tt.cfg)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBuildEnv_ExactlyOneAuthMethod(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"ANTHROPIC_API_KEY=leaked",
		"CLAUDE_CODE_USE_BEDROCK=1",
		"AWS_REGION=eu-west-1",
		"HOME=/home/dev",
	}

	tests := []struct {
		name string
		auth AuthConfig
		want []string
	}{
		{"api key", AuthConfig{Type: AuthAPIKey, APIKey: "sk-1"}, []string{"ANTHROPIC_API_KEY=sk-1"}},
		{"pro", AuthConfig{Type: AuthSubscriptionPro}, []string{"CLAUDE_CODE_USE_PRO=1"}},
		{"max", AuthConfig{Type: AuthSubscriptionMax}, []string{"CLAUDE_CODE_USE_MAX=1"}},
		{"bedrock", AuthConfig{Type: AuthBedrock, Region: "us-east-1"}, []string{"CLAUDE_CODE_USE_BEDROCK=1", "AWS_REGION=us-east-1"}},
		{"vertex", AuthConfig{Type: AuthVertex, ProjectID: "proj"}, []string{"CLAUDE_CODE_USE_VERTEX=1", "ANTHROPIC_VERTEX_PROJECT_ID=proj"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := BuildEnv(base, tt.auth)

			var auth []string
			for _, kv := range env {
				key, _, _ := strings.Cut(kv, "=")
				if isAuthKey(key) {
					auth = append(auth, kv)
				}
			}
			if !reflect.DeepEqual(auth, tt.want) {
				t.Errorf("Expected auth env %v, got %v", tt.want, auth)
			}
			if env[0] != "PATH=/usr/bin" || env[1] != "HOME=/home/dev" {
				t.Errorf("Expected unrelated variables to be kept in order, got %v", env)
			}
		})
	}
}

func TestLaunchConfig_Validate(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     LaunchConfig
		wantErr bool
	}{
		{"api key ok", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: AuthAPIKey, APIKey: "k"}}, false},
		{"api key missing", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: AuthAPIKey}}, true},
		{"subscription", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: AuthSubscriptionMax}}, false},
		{"bedrock without region", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: AuthBedrock}}, true},
		{"vertex without project", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: AuthVertex}}, true},
		{"unknown auth", LaunchConfig{WorkingDir: dir, Auth: AuthConfig{Type: "magic"}}, true},
		{"no dir", LaunchConfig{Auth: AuthConfig{Type: AuthSubscriptionPro}}, true},
		{"missing dir", LaunchConfig{WorkingDir: filepath.Join(dir, "gone"), Auth: AuthConfig{Type: AuthSubscriptionPro}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("Expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestLaunchConfig_WithDefaults(t *testing.T) {
	defaults := LaunchConfig{
		WorkingDir:   "/srv/work",
		Model:        "sonnet",
		AllowedTools: []string{"Read"},
		Auth:         AuthConfig{Type: AuthSubscriptionPro},
	}

	got := LaunchConfig{Model: "opus"}.WithDefaults(defaults)
	if got.Model != "opus" {
		t.Errorf("Expected explicit model to win, got %s", got.Model)
	}
	if got.WorkingDir != "/srv/work" || got.Auth.Type != AuthSubscriptionPro {
		t.Errorf("Expected defaults to fill unset fields, got %+v", got)
	}
	if !reflect.DeepEqual(got.AllowedTools, []string{"Read"}) {
		t.Errorf("Expected default tools, got %v", got.AllowedTools)
	}

	empty := LaunchConfig{AllowedTools: []string{}}.WithDefaults(defaults)
	if len(empty.AllowedTools) != 0 {
		t.Errorf("Expected explicit empty tool list to be kept, got %v", empty.AllowedTools)
	}
}
