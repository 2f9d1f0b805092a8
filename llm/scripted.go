package llm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/tools"
)

// ScriptedStep is one canned reply of a ScriptedClient.
type ScriptedStep struct {
	Message *session.Message
	Usage   Usage
	Err     error
}

// Reply is a convenience constructor for a successful step.
func Reply(parts ...session.Content) ScriptedStep {
	msg := session.NewAssistantMessage(parts...)
	return ScriptedStep{Message: &msg}
}

// ScriptedClient replays canned assistant messages in order. It records
// every request so tests can inspect what the engine sent.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	requests [][]session.Message
	defs     [][]tools.Definition
}

func NewScriptedClient(steps ...ScriptedStep) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Push appends more steps to the script.
func (c *ScriptedClient) Push(steps ...ScriptedStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

func (c *ScriptedClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, append([]session.Message(nil), messages...))
	c.defs = append(c.defs, defs)
	if len(c.steps) == 0 {
		c.mu.Unlock()
		return nil, Usage{}, errors.New("scripted client has no reply left")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, Usage{}, err
	}
	if step.Err != nil {
		return nil, Usage{}, step.Err
	}

	e := emitter{fn: onPartial}
	for _, part := range step.Message.Content {
		switch part.Type {
		case session.ContentText:
			e.start(part.Type, "")
			e.delta(part.Type, part.Text)
		case session.ContentThinking:
			e.start(part.Type, "")
			e.delta(part.Type, part.Thinking)
		case session.ContentToolUse:
			args, _ := json.Marshal(part.Input)
			e.start(part.Type, part.ToolName)
			e.delta(part.Type, string(args))
		}
	}
	e.stop()

	msg := *step.Message
	msg.Content = append([]session.Content(nil), msg.Content...)
	return &msg, step.Usage, nil
}

// Requests returns the histories received so far.
func (c *ScriptedClient) Requests() [][]session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]session.Message(nil), c.requests...)
}

// Definitions returns the tool definitions received with each request.
func (c *ScriptedClient) Definitions() [][]tools.Definition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]tools.Definition(nil), c.defs...)
}

// Remaining reports how many steps are left.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}
