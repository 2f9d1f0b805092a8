package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/tandem/approval"
	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/subagent"
	"github.com/m4xw311/tandem/tools"
)

const (
	// Dir is the per-user and per-project configuration directory.
	Dir = ".tandem"

	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindGemini    = "gemini"
	KindBedrock   = "bedrock"
	KindChat      = "openai-chat"

	DefaultMaxAutoApprovals = 20
)

// Provider configures one vendor endpoint and the models it serves.
type Provider struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	Models          []string `yaml:"models"`
	APIKeyEnv       string   `yaml:"api_key_env"`
	BaseURL         string   `yaml:"base_url"`
	Region          string   `yaml:"region"`
	MaxTokens       int64    `yaml:"max_tokens"`
	ThinkingBudget  int64    `yaml:"thinking_budget"`
	ReasoningEffort string   `yaml:"reasoning_effort"`
	MaxRetries      int      `yaml:"max_retries"`
}

// Pattern is the YAML form of an approval pattern. Input is converted with
// approval.ParseMatcher.
type Pattern struct {
	Tool   string `yaml:"tool"`
	Action string `yaml:"action"`
	Input  any    `yaml:"input"`
}

type Approval struct {
	MaxAutoApprovals int       `yaml:"max_auto_approvals"`
	Patterns         []Pattern `yaml:"patterns"`
}

type Subagents struct {
	Roles []subagent.Role `yaml:"roles"`
}

type Config struct {
	Model                string                 `yaml:"model"`
	Providers            []Provider             `yaml:"providers"`
	Toolsets             []tools.Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []tools.MCPServer      `yaml:"additional_mcp_servers"`
	FilesystemAccess     tools.FilesystemAccess `yaml:"filesystem_access"`
	Approval             Approval               `yaml:"approval"`
	Subagents            Subagents              `yaml:"subagents"`
	SessionsDir          string                 `yaml:"sessions_dir"`
	ExecTimeout          time.Duration          `yaml:"exec_timeout"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return LoadConfigFrom(home, wd)
}

// LoadConfigFrom is LoadConfig with explicit home and project directories.
// A .env file in the project directory is loaded into the environment first;
// variables that are already set win.
func LoadConfigFrom(home, wd string) (*Config, error) {
	envPath := filepath.Join(wd, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, errors.Wrapf(err, "error loading %s", envPath)
		}
	}

	cfg := &Config{
		Approval:    Approval{MaxAutoApprovals: DefaultMaxAutoApprovals},
		SessionsDir: filepath.Join(wd, Dir, "sessions"),
		ExecTimeout: 2 * time.Minute,
	}

	if home != "" {
		userConfigPath := filepath.Join(home, Dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	projectConfigPath := filepath.Join(wd, Dir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	// The config directory and .env are never visible to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**", ".env")
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace earlier values; lists are not merged.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if len(c.Toolsets) == 0 {
		c.Toolsets = []tools.Toolset{{
			Name: "default",
			Tools: []string{"exec_command", "read_file", "write_file",
				subagent.DelegateToolName, subagent.ReportToolName},
		}}
	}
	if len(c.Providers) == 0 {
		c.Providers = providersFromEnv()
	}
	if c.Model == "" {
		for _, p := range c.Providers {
			if len(p.Models) > 0 {
				c.Model = p.Models[0]
				break
			}
		}
	}
}

// providersFromEnv derives providers from the well-known API key variables.
func providersFromEnv() []Provider {
	var providers []Provider
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		providers = append(providers, Provider{Name: KindAnthropic, Kind: KindAnthropic, Models: []string{"claude-sonnet-4-5"}})
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		providers = append(providers, Provider{Name: KindOpenAI, Kind: KindOpenAI, Models: []string{"gpt-5"}})
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		providers = append(providers, Provider{Name: KindGemini, Kind: KindGemini, Models: []string{"gemini-2.5-pro"}})
	}
	if os.Getenv("AWS_PROFILE") != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		providers = append(providers, Provider{Name: KindBedrock, Kind: KindBedrock, Models: []string{"anthropic.claude-sonnet-4-5-20250929-v1:0"}})
	}
	return providers
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*tools.Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}

// ApprovalPatterns converts the configured patterns, in order.
func (c *Config) ApprovalPatterns() ([]approval.Pattern, error) {
	patterns := make([]approval.Pattern, 0, len(c.Approval.Patterns))
	for i, p := range c.Approval.Patterns {
		if p.Tool == "" {
			return nil, errors.New("approval pattern %d has no tool", i)
		}
		action := approval.Decision(p.Action)
		switch action {
		case "":
			action = approval.Allow
		case approval.Allow, approval.Ask, approval.Deny:
		default:
			return nil, errors.New("approval pattern %d: unknown action '%s'", i, p.Action)
		}
		var input approval.Matcher
		if p.Input != nil {
			m, err := approval.ParseMatcher(p.Input)
			if err != nil {
				return nil, errors.Wrapf(err, "approval pattern %d (%s)", i, p.Tool)
			}
			input = m
		}
		patterns = append(patterns, approval.Pattern{ToolName: p.Tool, Input: input, Action: action})
	}
	return patterns, nil
}

// Options converts a provider entry into client options for model.
func (p Provider) Options(model string, logger *slog.Logger) llm.Options {
	opts := llm.Options{
		Model:           model,
		BaseURL:         p.BaseURL,
		Region:          p.Region,
		MaxTokens:       p.MaxTokens,
		ThinkingBudget:  p.ThinkingBudget,
		ReasoningEffort: p.ReasoningEffort,
		MaxRetries:      p.MaxRetries,
		Logger:          logger,
	}
	if p.APIKeyEnv != "" {
		opts.APIKey = os.Getenv(p.APIKeyEnv)
	}
	return opts
}

// NewClient creates the client for one model of p.
func (p Provider) NewClient(ctx context.Context, model string, logger *slog.Logger) (llm.LLMClient, error) {
	opts := p.Options(model, logger)
	switch p.Kind {
	case KindAnthropic:
		return llm.NewAnthropicLLMClient(opts)
	case KindOpenAI:
		return llm.NewOpenAILLMClient(opts)
	case KindGemini:
		return llm.NewGeminiLLMClient(opts)
	case KindBedrock:
		return llm.NewBedrockLLMClient(ctx, opts)
	case KindChat:
		return llm.NewChatCompletionsLLMClient(opts)
	}
	return nil, errors.New("provider '%s' has unknown kind '%s'", p.Name, p.Kind)
}

// BuildRegistry creates one client per configured model. A model listed by
// two providers is served by the first.
func (c *Config) BuildRegistry(ctx context.Context, logger *slog.Logger) (*llm.Registry, error) {
	clients := map[string]llm.LLMClient{}
	for _, p := range c.Providers {
		for _, model := range p.Models {
			if _, ok := clients[model]; ok {
				continue
			}
			client, err := p.NewClient(ctx, model, logger)
			if err != nil {
				return nil, errors.Wrapf(err, "provider '%s'", p.Name)
			}
			clients[model] = client
		}
	}
	if len(clients) == 0 {
		return nil, errors.New("no LLM providers configured; set ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY, or add providers to %s/config.yaml", Dir)
	}
	return llm.NewRegistry(clients), nil
}
