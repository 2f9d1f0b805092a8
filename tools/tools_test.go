package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/tandem/session"
)

type fakeTool struct {
	name      string
	exclusive bool
}

func (f *fakeTool) Definition() Definition { return Definition{Name: f.name} }
func (f *fakeTool) Execute(context.Context, map[string]any) ([]session.Content, error) {
	return []session.Content{session.Text(f.name)}, nil
}
func (f *fakeTool) Exclusive() bool { return f.exclusive }

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r := NewRegistry(Options{
		WorkDir: dir,
		FilesystemAccess: FilesystemAccess{
			Hidden:   []string{".tandem", ".tandem/**"},
			ReadOnly: []string{"vendor/**"},
		},
		ExecTimeout: 5 * time.Second,
	})
	return r, dir
}

func TestActiveTools(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register(&fakeTool{name: "gopls.definition"})
	r.Register(&fakeTool{name: "gopls.references"})
	r.Register(&fakeTool{name: "other.tool"})

	active, err := r.ActiveTools(Toolset{Name: "test", Tools: []string{"read_file", "gopls.*", "read_file"}})
	require.NoError(t, err)
	var names []string
	for _, d := range Definitions(active) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"read_file", "gopls.definition", "gopls.references"}, names)

	_, err = r.ActiveTools(Toolset{Name: "test", Tools: []string{"missing"}})
	assert.ErrorContains(t, err, "tool 'missing' from toolset 'test' is not registered")
}

func TestIsExclusive(t *testing.T) {
	assert.True(t, IsExclusive(&fakeTool{name: "x", exclusive: true}))
	assert.False(t, IsExclusive(&fakeTool{name: "x"}))
	r, _ := newTestRegistry(t)
	rf, _ := r.Get("read_file")
	assert.False(t, IsExclusive(rf))
}

func TestReadWriteFile(t *testing.T) {
	r, dir := newTestRegistry(t)
	ctx := context.Background()
	write, _ := r.Get("write_file")
	read, _ := r.Get("read_file")

	out, err := write.Execute(ctx, map[string]any{"path": "sub/a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Successfully wrote 5 bytes to sub/a.txt", out[0].Text)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err = read.Execute(ctx, map[string]any{"path": "sub/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []session.Content{session.Text("hello")}, out)
}

func TestReadImageFile(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.png"), []byte("hi"), 0o644))
	read, _ := r.Get("read_file")
	out, err := read.Execute(context.Background(), map[string]any{"path": "pic.png"})
	require.NoError(t, err)
	assert.Equal(t, []session.Content{session.Image("image/png", "aGk=")}, out)
}

func TestFilesystemAccess(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	write, _ := r.Get("write_file")
	read, _ := r.Get("read_file")

	tests := []struct {
		name    string
		tool    Tool
		input   map[string]any
		wantErr string
	}{
		{"hidden read", read, map[string]any{"path": ".tandem/config.yaml"}, "is hidden"},
		{"hidden write", write, map[string]any{"path": ".tandem/x", "content": ""}, "is hidden"},
		{"read-only write", write, map[string]any{"path": "vendor/lib/x.go", "content": ""}, "is read-only"},
		{"missing path", read, map[string]any{}, "missing or invalid 'path'"},
		{"missing content", write, map[string]any{"path": "a"}, "missing or invalid 'path' or 'content'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tool.Execute(ctx, tt.input)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestExecCommand(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), nil, 0o644))
	exec, _ := r.Get("exec_command")
	ctx := context.Background()

	out, err := exec.Execute(ctx, map[string]any{"command": "ls", "args": []any{"-1"}})
	require.NoError(t, err)
	assert.Contains(t, out[0].Text, "marker.txt")

	out, err = exec.Execute(ctx, map[string]any{"command": "echo one two"})
	require.NoError(t, err)
	assert.Contains(t, out[0].Text, "one two")

	_, err = exec.Execute(ctx, map[string]any{"command": "false"})
	assert.ErrorContains(t, err, "command execution failed")

	_, err = exec.Execute(ctx, map[string]any{"command": "ls", "args": []any{1}})
	assert.ErrorContains(t, err, "invalid 'args'")
}
