package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/tandem/approval"
	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/subagent"
	"github.com/m4xw311/tandem/tools"
)

type recordingTool struct {
	name  string
	calls []map[string]any
	err   error
}

func (t *recordingTool) Definition() tools.Definition {
	return tools.Definition{Name: t.name, InputSchema: map[string]any{"type": "object"}}
}

func (t *recordingTool) Execute(_ context.Context, input map[string]any) ([]session.Content, error) {
	t.calls = append(t.calls, input)
	if t.err != nil {
		return nil, t.err
	}
	return []session.Content{session.Text(t.name + " ok")}, nil
}

type harness struct {
	agent  *Agent
	client *llm.ScriptedClient
	events chan Event
	exec   *recordingTool
	write  *recordingTool
	sess   *session.Session
}

func newHarness(t *testing.T, patterns []approval.Pattern, steps ...llm.ScriptedStep) *harness {
	t.Helper()
	sess, err := session.New("", "test")
	require.NoError(t, err)
	h := &harness{
		client: llm.NewScriptedClient(steps...),
		events: make(chan Event, 1024),
		exec:   &recordingTool{name: "exec_command"},
		write:  &recordingTool{name: "write_file"},
		sess:   sess,
	}
	h.agent, err = New(Options{
		Session:  sess,
		Client:   h.client,
		Tools:    []tools.Tool{h.exec, h.write},
		Governor: approval.NewGovernor(patterns, 5, nil),
		Events:   h.events,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) input(t *testing.T, text string) []Event {
	t.Helper()
	require.NoError(t, h.agent.HandleInput(context.Background(), text))
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func lsUse(id string) session.Content {
	return session.ToolUse(id, "exec_command", map[string]any{"command": "ls", "args": []any{"-la"}})
}

func TestAllowedToolUse(t *testing.T) {
	h := newHarness(t,
		[]approval.Pattern{{ToolName: "exec_command", Input: approval.Fields{"command": approval.MustRegex(`^(ls)$`)}}},
		llm.Reply(lsUse("t1")),
		llm.Reply(session.Text("here are the files")),
	)

	events := h.input(t, "list files")

	require.Len(t, h.sess.Messages, 4)
	assert.Equal(t, session.RoleUser, h.sess.Messages[2].Role)
	results := h.sess.Messages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "here are the files", h.sess.Messages[3].Text())
	assert.Len(t, h.exec.calls, 1)

	assert.Len(t, kinds(events, EventTurnEnd), 1)
	assert.Equal(t, EventTurnEnd, events[len(events)-1].Kind)
	assert.Len(t, kinds(events, EventMessage), 4)
	assert.NotEmpty(t, kinds(events, EventPartial))
	assert.Len(t, kinds(events, EventUsage), 2)
	assert.Equal(t, StateAwaitingInput, h.agent.State())
}

func TestApprovalOnce(t *testing.T) {
	writeUse := session.ToolUse("w1", "write_file", map[string]any{"path": "a.txt", "content": "x"})
	h := newHarness(t, nil,
		llm.Reply(writeUse),
		llm.Reply(session.Text("written")),
	)

	events := h.input(t, "write a file")
	require.Len(t, kinds(events, EventToolUseRequest), 1)
	assert.Equal(t, []session.Content{writeUse}, kinds(events, EventToolUseRequest)[0].ToolUses)
	assert.Len(t, kinds(events, EventTurnEnd), 1)
	assert.Equal(t, StateToolApprovalPending, h.agent.State())
	assert.Empty(t, h.write.calls)

	events = h.input(t, "y")
	assert.Len(t, h.write.calls, 1)
	assert.Empty(t, kinds(events, EventToolUseRequest))
	assert.Len(t, kinds(events, EventTurnEnd), 1)
	assert.Equal(t, StateAwaitingInput, h.agent.State())
	require.Len(t, h.sess.Messages, 4)
	assert.Equal(t, "w1", h.sess.Messages[2].ToolResults()[0].ToolUseID)
	assert.Empty(t, h.agent.governor.Patterns())
}

func TestApprovalRemembered(t *testing.T) {
	writeUse := session.ToolUse("w1", "write_file", map[string]any{"path": "a.txt", "content": "x"})
	again := session.ToolUse("w2", "write_file", map[string]any{"path": "a.txt", "content": "x"})
	h := newHarness(t, nil,
		llm.Reply(writeUse),
		llm.Reply(again),
		llm.Reply(session.Text("done")),
	)

	h.input(t, "write a file")
	events := h.input(t, "Y")

	assert.Len(t, h.write.calls, 2)
	assert.Empty(t, kinds(events, EventToolUseRequest))
	assert.Len(t, h.agent.governor.Patterns(), 1)
}

func TestApprovalRejected(t *testing.T) {
	h := newHarness(t, nil,
		llm.Reply(session.ToolUse("w1", "write_file", map[string]any{"path": "a.txt"})),
		llm.Reply(session.Text("ok, not writing")),
	)

	h.input(t, "write a file")
	h.input(t, "no, show me the diff first")

	assert.Empty(t, h.write.calls)
	require.Len(t, h.sess.Messages, 5)
	rejected := h.sess.Messages[2].ToolResults()
	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].IsError)
	assert.Equal(t, approval.RejectedText, rejected[0].ResultText())
	assert.Equal(t, "no, show me the diff first", h.sess.Messages[3].Text())
}

func TestUnknownToolSteering(t *testing.T) {
	h := newHarness(t, nil,
		llm.Reply(session.ToolUse("b1", "browse", map[string]any{"url": "x"})),
		llm.Reply(session.Text("sorry")),
	)

	events := h.input(t, "read the docs")

	assert.Empty(t, kinds(events, EventToolUseRequest))
	require.Len(t, h.sess.Messages, 4)
	steer := h.sess.Messages[2]
	require.Len(t, steer.ToolResults(), 1)
	assert.True(t, steer.ToolResults()[0].IsError)
	assert.Contains(t, steer.Text(), "Unknown tool(s): browse. Available tools: exec_command, write_file.")
	assert.Len(t, h.client.Requests(), 2)
}

func TestDeniedBatch(t *testing.T) {
	h := newHarness(t,
		[]approval.Pattern{
			{ToolName: "exec_command", Input: approval.Fields{"command": approval.Literal("rm")}, Action: approval.Deny},
			{ToolName: "exec_command"},
		},
		llm.Reply(session.ToolUse("r1", "exec_command", map[string]any{"command": "rm"}), lsUse("l1")),
		llm.Reply(session.Text("understood")),
	)

	events := h.input(t, "clean up")

	assert.Empty(t, kinds(events, EventToolUseRequest))
	assert.Empty(t, h.exec.calls)
	results := h.sess.Messages[2].ToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, approval.DeniedText(approval.ReasonDenied), results[0].ResultText())
	assert.Equal(t, approval.RejectedByOthers, results[1].ResultText())
}

func TestToolErrorIsFedBack(t *testing.T) {
	h := newHarness(t, []approval.Pattern{{ToolName: "exec_command"}},
		llm.Reply(lsUse("t1")),
		llm.Reply(session.Text("it failed")),
	)
	h.exec.err = errors.New("command execution failed")

	h.input(t, "list files")

	result := h.sess.Messages[2].ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.ResultText(), "command execution failed")
}

func TestInvalidToolInput(t *testing.T) {
	broken := session.ToolUse("t1", "exec_command", nil)
	broken.RawInput = `{"command": "ls"`
	h := newHarness(t, []approval.Pattern{{ToolName: "exec_command"}},
		llm.Reply(broken),
		llm.Reply(session.Text("retrying")),
	)

	h.input(t, "list files")

	assert.Empty(t, h.exec.calls)
	result := h.sess.Messages[2].ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Equal(t, approval.InvalidInputText, result.ResultText())
}

func TestModelErrorAndResume(t *testing.T) {
	h := newHarness(t, nil,
		llm.ScriptedStep{Err: errors.New("400 Bad Request: nope")},
		llm.Reply(session.Text("back again")),
	)

	events := h.input(t, "hello")
	require.Len(t, kinds(events, EventError), 1)
	assert.Contains(t, kinds(events, EventError)[0].Error, "nope")
	assert.Equal(t, EventTurnEnd, events[len(events)-1].Kind)
	assert.Len(t, h.sess.Messages, 1)

	h.input(t, ResumeCommand)
	require.Len(t, h.sess.Messages, 2)
	assert.Equal(t, "back again", h.sess.Messages[1].Text())
	assert.Len(t, h.client.Requests()[1], 1)

	events = h.input(t, ResumeCommand)
	require.Len(t, kinds(events, EventError), 1)
	assert.Contains(t, kinds(events, EventError)[0].Error, "nothing to resume")
}

func TestAutoContinueCap(t *testing.T) {
	var steps []llm.ScriptedStep
	for i := 0; i < maxAutoContinues+2; i++ {
		steps = append(steps, llm.Reply(session.Thinking("hmm", nil)))
	}
	h := newHarness(t, nil, steps...)

	events := h.input(t, "think")

	assert.Len(t, h.client.Requests(), maxAutoContinues+1)
	assert.Equal(t, 1, h.client.Remaining())
	assert.Len(t, kinds(events, EventTurnEnd), 1)
	last := h.client.Requests()[maxAutoContinues]
	assert.Equal(t, session.NewSystemMessage(continueNudge), last[len(last)-1])
}

func TestInterruptInjectedAfterBatch(t *testing.T) {
	h := newHarness(t, []approval.Pattern{{ToolName: "exec_command"}},
		llm.Reply(lsUse("t1")),
		llm.Reply(session.Text("ok")),
	)
	h.agent.Interrupt("also check the tests")

	h.input(t, "list files")

	require.Len(t, h.sess.Messages, 5)
	assert.Equal(t, "also check the tests", h.sess.Messages[3].Text())
	assert.Equal(t, "also check the tests", h.client.Requests()[1][3].Text())
}

type blockingClient struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingClient) Chat(ctx context.Context, _ []session.Message, _ []tools.Definition, _ llm.PartialFunc) (*session.Message, llm.Usage, error) {
	close(c.started)
	<-c.release
	msg := session.NewAssistantMessage(session.Text("done"))
	return &msg, llm.Usage{}, nil
}

func TestBusy(t *testing.T) {
	sess, err := session.New("", "test")
	require.NoError(t, err)
	client := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
	a, err := New(Options{Session: sess, Client: client})
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- a.HandleInput(context.Background(), "first") }()
	<-client.started
	assert.Equal(t, StateRunning, a.State())
	assert.ErrorIs(t, a.HandleInput(context.Background(), "second"), ErrBusy)
	close(client.release)
	require.NoError(t, <-done)
	assert.Len(t, sess.Messages, 2)
}

func TestSubagentDelegation(t *testing.T) {
	sess, err := session.New("", "test")
	require.NoError(t, err)
	manager := subagent.NewManager([]subagent.Role{{ID: "reviewer", Instructions: "Review."}}, t.TempDir(), nil)
	exec := &recordingTool{name: "exec_command"}
	active := append([]tools.Tool{exec}, manager.Tools(func() []session.Message { return sess.Messages })...)
	client := llm.NewScriptedClient(
		llm.Reply(session.ToolUse("d1", subagent.DelegateToolName, map[string]any{"name": "reviewer", "goal": "review"})),
		llm.Reply(lsUse("t1")),
		llm.Reply(session.ToolUse("r1", subagent.ReportToolName, map[string]any{"report": "all good"})),
		llm.Reply(session.Text("the reviewer is happy")),
	)
	events := make(chan Event, 1024)
	a, err := New(Options{
		Session: sess,
		Client:  client,
		Tools:   active,
		Governor: approval.NewGovernor([]approval.Pattern{
			{ToolName: "exec_command"},
			{ToolName: subagent.DelegateToolName},
			{ToolName: subagent.ReportToolName},
		}, 0, nil),
		Subagents: manager,
		Events:    events,
	})
	require.NoError(t, err)

	require.NoError(t, a.HandleInput(context.Background(), "review my change"))
	close(events)
	var statuses []Event
	for ev := range events {
		if ev.Kind == EventSubagentStatus {
			statuses = append(statuses, ev)
		}
	}

	require.Len(t, sess.Messages, 4)
	report := sess.Messages[2].ToolResults()
	require.Len(t, report, 1)
	assert.Equal(t, "d1", report[0].ToolUseID)
	assert.Contains(t, report[0].ResultText(), "all good")
	assert.Equal(t, "the reviewer is happy", sess.Messages[3].Text())
	assert.Nil(t, manager.Current())
	assert.Len(t, exec.calls, 1)

	require.Len(t, statuses, 2)
	require.NotNil(t, statuses[0].Subagent)
	assert.Equal(t, "reviewer", statuses[0].Subagent.Name)
	assert.Nil(t, statuses[1].Subagent)
}

func TestExclusiveViolation(t *testing.T) {
	sess, err := session.New("", "test")
	require.NoError(t, err)
	manager := subagent.NewManager([]subagent.Role{{ID: "reviewer"}}, t.TempDir(), nil)
	exec := &recordingTool{name: "exec_command"}
	active := append([]tools.Tool{exec}, manager.Tools(func() []session.Message { return sess.Messages })...)
	client := llm.NewScriptedClient(
		llm.Reply(session.ToolUse("d1", subagent.DelegateToolName, map[string]any{"name": "reviewer", "goal": "g"}), lsUse("t1")),
		llm.Reply(session.Text("ok")),
	)
	a, err := New(Options{Session: sess, Client: client, Tools: active, Subagents: manager})
	require.NoError(t, err)

	require.NoError(t, a.HandleInput(context.Background(), "go"))

	assert.Empty(t, exec.calls)
	assert.Nil(t, manager.Current())
	assert.Contains(t, sess.Messages[2].Text(), "must be the only tool call")
	assert.Len(t, sess.Messages[2].ToolResults(), 2)
}
