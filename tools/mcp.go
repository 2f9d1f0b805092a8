package tools

import (
	"context"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/tools/mcp"
)

// mcpTool adapts an MCP server tool to Tool.
type mcpTool struct {
	tool *mcp.MCPTool
}

func (t *mcpTool) Definition() Definition {
	return Definition{
		Name:        t.tool.Name(),
		Description: t.tool.Description(),
		InputSchema: t.tool.InputSchema(),
	}
}

func (t *mcpTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	text, isError, err := t.tool.Call(ctx, input)
	if err != nil {
		return nil, err
	}
	if isError {
		return nil, errors.New("%s", text)
	}
	return []session.Content{session.Text(text)}, nil
}
