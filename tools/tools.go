package tools

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/tools/mcp"
)

// Definition is the vendor-neutral description of a tool sent to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, input map[string]any) ([]session.Content, error)
}

// Exclusive is implemented by tools that must be the only call in a batch.
type Exclusive interface {
	Exclusive() bool
}

func IsExclusive(t Tool) bool {
	e, ok := t.(Exclusive)
	return ok && e.Exclusive()
}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Options configures the built-in tools.
type Options struct {
	WorkDir          string
	FilesystemAccess FilesystemAccess
	ExecTimeout      time.Duration
	Logger           *slog.Logger
}

// Registry holds all available tools.
type Registry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
	logger     *slog.Logger
}

// NewRegistry creates a registry holding the built-in tools.
func NewRegistry(opts Options) *Registry {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fs := &fsGuard{workDir: opts.WorkDir, access: opts.FilesystemAccess}

	r := &Registry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
		logger:     opts.Logger,
	}
	r.Register(&ReadFileTool{fs: fs})
	r.Register(&WriteFileTool{fs: fs})
	r.Register(&ExecCommandTool{workDir: opts.WorkDir, timeout: opts.ExecTimeout})
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Definition().Name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists every registered tool in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartMCPServers launches each server and registers its tools under
// "<server>.<tool>".
func (r *Registry) StartMCPServers(ctx context.Context, servers []MCPServer) error {
	for _, s := range servers {
		client, err := mcp.NewMCPClient(ctx, s.Name, s.Command, s.Args)
		if err != nil {
			return err
		}
		r.mcpClients[s.Name] = client
		for _, t := range client.Tools() {
			r.Register(&mcpTool{tool: t})
		}
		r.logger.Info("initialized MCP server", slog.String("server", s.Name), slog.Int("tools", len(client.Tools())))
	}
	return nil
}

// Close stops every MCP server started by the registry.
func (r *Registry) Close() error {
	var first error
	for name, c := range r.mcpClients {
		r.logger.Info("terminating MCP server", slog.String("server", name))
		if err := c.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ActiveTools returns the tool instances for a toolset. Entries may be glob
// patterns such as "gopls.*" matching MCP tool names.
func (r *Registry) ActiveTools(ts Toolset) ([]Tool, error) {
	var active []Tool
	seen := map[string]bool{}
	for _, entry := range ts.Tools {
		if !strings.ContainsAny(entry, "*?[") {
			t, ok := r.Get(entry)
			if !ok {
				return nil, errors.New("tool '%s' from toolset '%s' is not registered", entry, ts.Name)
			}
			if !seen[entry] {
				seen[entry] = true
				active = append(active, t)
			}
			continue
		}
		for _, name := range r.Names() {
			match, err := doublestar.Match(entry, name)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid tool pattern '%s' in toolset '%s'", entry, ts.Name)
			}
			if match && !seen[name] {
				seen[name] = true
				active = append(active, r.tools[name])
			}
		}
	}
	return active, nil
}

// Definitions returns the definitions of ts in order.
func Definitions(ts []Tool) []Definition {
	defs := make([]Definition, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, t.Definition())
	}
	return defs
}

// fsGuard applies the hidden and read-only globs. Patterns are matched
// against paths relative to the working directory.
type fsGuard struct {
	workDir string
	access  FilesystemAccess
}

func (g *fsGuard) resolve(path string) (abs, rel string, err error) {
	base, err := filepath.Abs(g.workDir)
	if err != nil {
		return "", "", errors.Wrapf(err, "could not resolve working directory")
	}
	abs = path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, path)
	}
	abs = filepath.Clean(abs)
	rel, err = filepath.Rel(base, abs)
	if err != nil {
		return "", "", errors.Wrapf(err, "could not resolve path '%s'", path)
	}
	return abs, filepath.ToSlash(rel), nil
}

func (g *fsGuard) check(path string, write bool) (string, error) {
	abs, rel, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	hidden, err := isPathRestricted(rel, g.access.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	if !write {
		return abs, nil
	}
	readOnly, err := isPathRestricted(rel, g.access.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}
	return abs, nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func stringArg(input map[string]any, key string) (string, bool) {
	s, ok := input[key].(string)
	return s, ok
}
