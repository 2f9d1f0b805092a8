package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
)

// ExecCommandTool runs a program without a shell. Whether a given command
// may run is decided by the approval patterns, not by the tool.
type ExecCommandTool struct {
	workDir string
	timeout time.Duration
}

func (t *ExecCommandTool) Definition() Definition {
	return Definition{
		Name:        "exec_command",
		Description: "Executes a command in the working directory. The command is not run through a shell.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Program to run"},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Arguments passed to the program",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	command, ok := stringArg(input, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return nil, errors.New("missing or invalid 'command' argument")
	}
	args, err := stringSlice(input["args"])
	if err != nil {
		return nil, err
	}
	// A bare command line without args is split on whitespace.
	if len(args) == 0 {
		parts := strings.Fields(command)
		command, args = parts[0], parts[1:]
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = t.workDir

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.New("command timed out after %s. Output:\n%s", t.timeout, string(output))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return []session.Content{session.Text(fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)))}, nil
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, errors.New("invalid 'args' argument: %v is not a string", item)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, errors.New("invalid 'args' argument: expected an array of strings")
}
