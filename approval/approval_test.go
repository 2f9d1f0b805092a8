package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/tandem/session"
)

func TestMatchers(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		value   any
		want    bool
	}{
		{"literal equal", Literal("ls"), "ls", true},
		{"literal differs", Literal("ls"), "rm", false},
		{"literal needs string", Literal("1"), 1.0, false},
		{"regex", MustRegex(`^(ls|pwd)$`), "pwd", true},
		{"regex miss", MustRegex(`^(ls|pwd)$`), "ls -la", false},
		{"regex needs string", MustRegex(`.*`), nil, false},
		{"predicate", Predicate(func(v any) bool { return v == nil }), nil, true},
		{"sequence prefix", Sequence{Literal("-la")}, []any{"-la", "/tmp"}, true},
		{"sequence position", Sequence{Literal("-la")}, []any{"/tmp", "-la"}, false},
		{"sequence of strings", Sequence{Literal("a")}, []string{"a"}, true},
		{"sequence longer than value", Sequence{Literal("a"), Literal("b")}, []any{"a"}, false},
		{"sequence past end sees nil", Sequence{Literal("a"), Predicate(func(v any) bool { return v == nil })}, []any{"a"}, true},
		{"sequence needs array", Sequence{}, "a", false},
		{"fields subset", Fields{"command": Literal("ls")}, map[string]any{"command": "ls", "args": []any{"-la"}}, true},
		{"fields missing key", Fields{"args": Sequence{}}, map[string]any{"command": "ls"}, false},
		{"fields nested", Fields{"opts": Fields{"force": Equal{true}}}, map[string]any{"opts": map[string]any{"force": true}}, true},
		{"fields nested miss", Fields{"opts": Fields{"force": Equal{true}}}, map[string]any{"opts": map[string]any{"force": false}}, false},
		{"equal number kinds", Equal{3}, 3.0, true},
		{"exact map", Exact(map[string]any{"path": "a"}), map[string]any{"path": "a"}, true},
		{"exact map extra key", Exact(map[string]any{"path": "a"}), map[string]any{"path": "a", "x": 1.0}, false},
		{"exact slices", Exact(map[string]any{"args": []any{"-l"}}), map[string]any{"args": []any{"-l"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.matcher.Match(tt.value))
		})
	}
}

func TestParseMatcher(t *testing.T) {
	var raw any
	require.NoError(t, yaml.Unmarshal([]byte(`{command: "/^(ls|pwd)$/", args: ["-la"], depth: 2}`), &raw))
	m, err := ParseMatcher(raw)
	require.NoError(t, err)

	assert.True(t, m.Match(map[string]any{"command": "ls", "args": []any{"-la", "x"}, "depth": 2.0}))
	assert.False(t, m.Match(map[string]any{"command": "rm", "args": []any{"-la"}, "depth": 2.0}))
	assert.Equal(t, `{args: ["-la"], command: /^(ls|pwd)$/, depth: 2}`, String(m))

	_, err = ParseMatcher("/([/")
	assert.Error(t, err)
}

func lsUse() session.Content {
	return session.ToolUse("t1", "exec_command", map[string]any{"command": "ls", "args": []any{"-la"}})
}

func TestPatternPrecedence(t *testing.T) {
	g := NewGovernor([]Pattern{
		{ToolName: "exec_command", Input: Fields{"command": Literal("ls")}, Action: Deny},
		{ToolName: "exec_command", Input: Fields{"command": MustRegex(".*")}},
	}, 10, nil)
	d, reason := g.Decide(lsUse())
	assert.Equal(t, Deny, d)
	assert.Equal(t, ReasonDenied, reason)

	g = NewGovernor([]Pattern{
		{ToolName: "exec_command", Input: Fields{"command": MustRegex(".*")}},
		{ToolName: "exec_command", Input: Fields{"command": Literal("ls")}, Action: Deny},
	}, 10, nil)
	d, _ = g.Decide(lsUse())
	assert.Equal(t, Allow, d)
}

func TestNoMatchAsks(t *testing.T) {
	g := NewGovernor([]Pattern{{ToolName: "read_file"}}, 10, nil)
	d, reason := g.Decide(lsUse())
	assert.Equal(t, Ask, d)
	assert.Equal(t, ReasonNoPattern, reason)

	g = NewGovernor([]Pattern{{ToolName: "exec_command", Action: Ask}}, 10, nil)
	d, reason = g.Decide(lsUse())
	assert.Equal(t, Ask, d)
	assert.Equal(t, ReasonAskPattern, reason)
}

func TestBudgetExhaustion(t *testing.T) {
	g := NewGovernor([]Pattern{{ToolName: "exec_command"}}, 2, nil)
	tu := lsUse()

	var got []Decision
	for i := 0; i < 3; i++ {
		d, _ := g.Decide(tu)
		got = append(got, d)
	}
	assert.Equal(t, []Decision{Allow, Allow, Deny}, got)

	g.Decide(tu)
	g.ResetApprovalCount()
	d, _ := g.Decide(tu)
	assert.Equal(t, Allow, d)
}

func TestBudgetDenyReason(t *testing.T) {
	g := NewGovernor([]Pattern{{ToolName: "exec_command"}}, 1, nil)
	g.Decide(lsUse())
	_, reason := g.Decide(lsUse())
	assert.Equal(t, ReasonBudget, reason)
}

func TestAllowToolUseIsExact(t *testing.T) {
	g := NewGovernor(nil, 0, nil)
	tu := session.ToolUse("t1", "write_file", map[string]any{"path": "a.txt", "content": "x"})
	d, _ := g.Decide(tu)
	require.Equal(t, Ask, d)

	g.AllowToolUse(tu)
	d, _ = g.Decide(session.ToolUse("t2", "write_file", map[string]any{"path": "a.txt", "content": "x"}))
	assert.Equal(t, Allow, d)
	d, _ = g.Decide(session.ToolUse("t3", "write_file", map[string]any{"path": "a.txt", "content": "y"}))
	assert.Equal(t, Ask, d)
	assert.Len(t, g.Patterns(), 1)
}

func TestValidateExclusive(t *testing.T) {
	exclusive := func(name string) bool { return name == "delegate_to_subagent" || name == "report_as_subagent" }
	delegate := func(id string) session.Content {
		return session.ToolUse(id, "delegate_to_subagent", map[string]any{"name": "reviewer", "goal": "g"})
	}

	v := ValidateExclusive([]session.Content{delegate("a"), delegate("b")}, exclusive)
	require.NotNil(t, v)
	assert.Equal(t, ViolationMultiple, v.Type)

	v = ValidateExclusive([]session.Content{delegate("a"), lsUse()}, exclusive)
	require.NotNil(t, v)
	assert.Equal(t, ViolationWithOthers, v.Type)
	assert.Contains(t, v.Steering(), "delegate_to_subagent must be the only tool call")

	assert.Nil(t, ValidateExclusive([]session.Content{delegate("a")}, exclusive))
	assert.Nil(t, ValidateExclusive([]session.Content{lsUse(), lsUse()}, exclusive))
}

func TestValidateKnown(t *testing.T) {
	known := func(name string) bool { return name == "exec_command" }
	uses := []session.Content{lsUse(), session.ToolUse("t2", "browse", nil), session.ToolUse("t3", "browse", nil)}

	v := ValidateKnown(uses, known, []string{"exec_command"})
	require.NotNil(t, v)
	assert.Equal(t, ViolationUnknown, v.Type)
	assert.Equal(t, []string{"browse"}, v.Tools)
	assert.Equal(t, "Unknown tool(s): browse. Available tools: exec_command. Use only the available tools.", v.Steering())

	assert.Nil(t, ValidateKnown(uses[:1], known, nil))
}

func TestReject(t *testing.T) {
	results := Reject([]session.Content{lsUse()}, RejectedText)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.True(t, results[0].IsError)
	assert.Equal(t, RejectedText, results[0].ResultText())
}
