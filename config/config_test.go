package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/tandem/approval"
	"github.com/m4xw311/tandem/session"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, Dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, Dir, "config.yaml"), []byte(content), 0o644))
}

func clearProviderEnv(t *testing.T) {
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "AWS_PROFILE", "AWS_ACCESS_KEY_ID", "OPENAI_BASE_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	clearProviderEnv(t)
	home, wd := t.TempDir(), t.TempDir()
	writeConfig(t, home, `
model: user-model
exec_timeout: 30s
providers:
  - {name: local, kind: openai-chat, base_url: "http://localhost:8000/v1", models: [user-model]}
`)
	writeConfig(t, wd, `
model: project-model
approval:
  patterns:
    - tool: exec_command
      input: {command: "/^(ls)$/"}
`)

	cfg, err := LoadConfigFrom(home, wd)
	require.NoError(t, err)
	assert.Equal(t, "project-model", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, DefaultMaxAutoApprovals, cfg.Approval.MaxAutoApprovals)
	assert.Equal(t, filepath.Join(wd, Dir, "sessions"), cfg.SessionsDir)
	assert.Contains(t, cfg.FilesystemAccess.Hidden, ".tandem/**")
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, KindChat, cfg.Providers[0].Kind)

	ts, err := cfg.GetToolset("missing")
	require.NoError(t, err)
	assert.Equal(t, "default", ts.Name)
	assert.Contains(t, ts.Tools, "delegate_to_subagent")
}

func TestApprovalPatterns(t *testing.T) {
	clearProviderEnv(t)
	wd := t.TempDir()
	writeConfig(t, wd, `
approval:
  max_auto_approvals: 5
  patterns:
    - tool: exec_command
      action: deny
      input: {command: rm}
    - tool: exec_command
      input: {command: "/^(ls)$/", args: ["-la"]}
    - tool: read_file
`)
	cfg, err := LoadConfigFrom("", wd)
	require.NoError(t, err)
	patterns, err := cfg.ApprovalPatterns()
	require.NoError(t, err)
	require.Len(t, patterns, 3)
	assert.Equal(t, approval.Deny, patterns[0].Action)
	assert.Equal(t, approval.Allow, patterns[1].Action)
	assert.Nil(t, patterns[2].Input)

	g := approval.NewGovernor(patterns, cfg.Approval.MaxAutoApprovals, nil)
	d, _ := g.Decide(session.ToolUse("t1", "exec_command", map[string]any{"command": "ls", "args": []any{"-la"}}))
	assert.Equal(t, approval.Allow, d)
	d, _ = g.Decide(session.ToolUse("t2", "exec_command", map[string]any{"command": "rm", "args": []any{"-rf"}}))
	assert.Equal(t, approval.Deny, d)
	d, _ = g.Decide(session.ToolUse("t3", "exec_command", map[string]any{"command": "ls"}))
	assert.Equal(t, approval.Ask, d)

	cfg.Approval.Patterns = []Pattern{{Tool: "x", Action: "maybe"}}
	_, err = cfg.ApprovalPatterns()
	assert.ErrorContains(t, err, "unknown action 'maybe'")
}

func TestProvidersFromEnv(t *testing.T) {
	clearProviderEnv(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, ".env"), []byte("GEMINI_API_KEY=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("GEMINI_API_KEY") })
	os.Unsetenv("GEMINI_API_KEY")

	cfg, err := LoadConfigFrom("", wd)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, KindGemini, cfg.Providers[0].Kind)
	assert.Equal(t, "gemini-2.5-pro", cfg.Model)

	reg, err := cfg.BuildRegistry(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.5-pro"}, reg.Models())
}

func TestBuildRegistryErrors(t *testing.T) {
	clearProviderEnv(t)
	cfg := &Config{}
	_, err := cfg.BuildRegistry(context.Background(), nil)
	assert.ErrorContains(t, err, "no LLM providers configured")

	cfg.Providers = []Provider{{Name: "x", Kind: "nope", Models: []string{"m"}}}
	_, err = cfg.BuildRegistry(context.Background(), nil)
	assert.ErrorContains(t, err, "unknown kind 'nope'")

	cfg.Providers = []Provider{{Name: "a", Kind: KindAnthropic, APIKeyEnv: "TANDEM_TEST_KEY", Models: []string{"m1", "m2"}}}
	t.Setenv("TANDEM_TEST_KEY", "secret")
	reg, err := cfg.BuildRegistry(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, reg.Models())
}
