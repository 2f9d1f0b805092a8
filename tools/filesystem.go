package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fs *fsGuard
}

func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Reads the entire content of a file. Images are returned as image content.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Path relative to the working directory"},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		return nil, errors.New("missing or invalid 'path' argument")
	}
	abs, err := t.fs.check(path, false)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if mime, ok := imageTypes[strings.ToLower(filepath.Ext(abs))]; ok {
		return []session.Content{session.Image(mime, base64.StdEncoding.EncodeToString(content))}, nil
	}
	return []session.Content{session.Text(string(content))}, nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fs *fsGuard
}

func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Writes content to a file, replacing it entirely. Parent directories are created.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the working directory"},
				"content": map[string]any{"type": "string", "description": "The complete new file content"},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) ([]session.Content, error) {
	path, pathOk := stringArg(input, "path")
	content, contentOk := stringArg(input, "content")
	if !pathOk || !contentOk {
		return nil, errors.New("missing or invalid 'path' or 'content' arguments")
	}
	abs, err := t.fs.check(path, true)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directory for '%s'", path)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return []session.Content{session.Text(fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path))}, nil
}
