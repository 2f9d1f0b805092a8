package subagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/tools"
)

// HistoryFunc returns the current conversation history.
type HistoryFunc func() []session.Message

// Tools returns the delegate and report tools bound to m.
func (m *Manager) Tools(history HistoryFunc) []tools.Tool {
	return []tools.Tool{
		&delegateTool{m: m, history: history},
		&reportTool{m: m},
	}
}

type delegateTool struct {
	m       *Manager
	history HistoryFunc
}

func (t *delegateTool) Definition() tools.Definition {
	var roles strings.Builder
	for _, id := range t.m.RoleIDs() {
		role := t.m.roles[id]
		fmt.Fprintf(&roles, "\n- %s: %s", id, role.Description)
	}
	desc := "Delegates a self-contained goal to a sub-agent that continues this conversation. " +
		"Must be the only tool call in the response. Use a preset role, or '" + CustomPrefix + "<role description>' for an ad-hoc one."
	if roles.Len() > 0 {
		desc += "\nPreset roles:" + roles.String()
	}
	return tools.Definition{
		Name:        DelegateToolName,
		Description: desc,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Role id or " + CustomPrefix + "<role description>"},
				"goal": map[string]any{"type": "string", "description": "What the sub-agent must achieve and report back"},
			},
			"required": []string{"name", "goal"},
		},
	}
}

func (t *delegateTool) Exclusive() bool { return true }

func (t *delegateTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	name, ok := input["name"].(string)
	if !ok || name == "" {
		return nil, errors.New("missing or invalid 'name' argument")
	}
	goal, _ := input["goal"].(string)
	text, err := t.m.Delegate(name, goal, t.history())
	if err != nil {
		return nil, err
	}
	return []session.Content{session.Text(text)}, nil
}

type reportTool struct {
	m *Manager
}

func (t *reportTool) Definition() tools.Definition {
	return tools.Definition{
		Name: ReportToolName,
		Description: "Ends the current sub-agent delegation and hands the report to the delegating agent. " +
			"Must be the only tool call in the response.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"report":      map[string]any{"type": "string", "description": "Outcome of the goal"},
				"memory_file": map[string]any{"type": "string", "description": "Optional existing file inside the working directory holding detailed findings"},
			},
			"required": []string{"report"},
		},
	}
}

func (t *reportTool) Exclusive() bool { return true }

func (t *reportTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	if t.m.Current() == nil {
		return nil, ErrNotDelegated
	}
	if _, ok := input["report"].(string); !ok {
		return nil, errors.New("missing or invalid 'report' argument")
	}
	if memoryFile, ok := input["memory_file"].(string); ok && memoryFile != "" {
		if err := t.m.checkMemoryFile(memoryFile); err != nil {
			return nil, err
		}
	}
	return []session.Content{session.Text("Report accepted.")}, nil
}

// checkMemoryFile requires path to exist inside the working directory.
func (m *Manager) checkMemoryFile(path string) error {
	base, err := filepath.Abs(m.workDir)
	if err != nil {
		return errors.Wrapf(err, "could not resolve working directory")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New("memory file '%s' is outside the working directory", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return errors.Wrapf(err, "memory file '%s' does not exist", path)
	}
	if info.IsDir() {
		return errors.New("memory file '%s' is a directory", path)
	}
	return nil
}
