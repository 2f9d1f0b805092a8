package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/tandem/approval"
	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/subagent"
	"github.com/m4xw311/tandem/tools"
)

const (
	// ResumeCommand dispatches the model again after a failed turn without
	// adding a new message.
	ResumeCommand = "/resume"

	maxAutoContinues = 5
	continueNudge    = "Continue"
)

var ErrBusy = errors.Sentinel("a turn is already running")

type State string

const (
	StateAwaitingInput       State = "awaitingInput"
	StateRunning             State = "running"
	StateToolApprovalPending State = "toolApprovalPending"
)

type Options struct {
	Session *session.Session
	Client  llm.LLMClient
	// Tools are the active tools, including the sub-agent tools when
	// Subagents is set.
	Tools     []tools.Tool
	Governor  *approval.Governor
	Subagents *subagent.Manager
	// Events receives every engine event. It must be drained while a turn
	// runs.
	Events chan<- Event
	Logger *slog.Logger
}

// Agent drives one conversation. Only one turn runs at a time; HandleInput
// returns ErrBusy while another is in flight.
type Agent struct {
	sess      *session.Session
	client    llm.LLMClient
	tools     map[string]tools.Tool
	defs      []tools.Definition
	names     []string
	governor  *approval.Governor
	subagents *subagent.Manager
	events    chan<- Event
	logger    *slog.Logger

	running atomic.Bool

	mu        sync.Mutex
	state     State
	interrupt string
}

func New(opts Options) (*Agent, error) {
	if opts.Session == nil {
		return nil, errors.New("agent needs a session")
	}
	if opts.Client == nil {
		return nil, errors.New("agent needs an LLM client")
	}
	if opts.Governor == nil {
		opts.Governor = approval.NewGovernor(nil, 0, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Agent{
		sess:      opts.Session,
		client:    opts.Client,
		tools:     make(map[string]tools.Tool, len(opts.Tools)),
		defs:      tools.Definitions(opts.Tools),
		governor:  opts.Governor,
		subagents: opts.Subagents,
		events:    opts.Events,
		logger:    opts.Logger,
		state:     StateAwaitingInput,
	}
	for _, t := range opts.Tools {
		name := t.Definition().Name
		if _, dup := a.tools[name]; dup {
			return nil, errors.New("tool '%s' is listed twice", name)
		}
		a.tools[name] = t
		a.names = append(a.names, name)
	}
	if len(a.pendingToolUses()) > 0 {
		a.state = StateToolApprovalPending
	}
	return a, nil
}

// Session returns the conversation the agent writes to.
func (a *Agent) Session() *session.Session { return a.sess }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Interrupt stages a message that is added to the conversation after the
// current tool batch finishes. A later call replaces an unconsumed one.
func (a *Agent) Interrupt(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupt = text
}

func (a *Agent) takeInterrupt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := a.interrupt
	a.interrupt = ""
	return text
}

// HandleInput runs one turn for input. If the conversation is waiting for
// tool approval, input is the operator's answer. The turn always ends with
// exactly one EventTurnEnd; failures are reported as EventError.
func (a *Agent) HandleInput(ctx context.Context, input string) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer a.running.Store(false)

	pending := a.pendingToolUses()
	a.setState(StateRunning)
	a.governor.ResetApprovalCount()

	suspended, err := a.turn(ctx, input, pending)
	if err != nil {
		a.logger.Debug("turn failed", slog.Any("err", err))
		a.emit(Event{Kind: EventError, Err: err, Error: err.Error()})
	}
	if suspended {
		a.setState(StateToolApprovalPending)
	} else {
		a.setState(StateAwaitingInput)
	}
	a.emit(Event{Kind: EventTurnEnd})
	return nil
}

func (a *Agent) turn(ctx context.Context, input string, pending []session.Content) (bool, error) {
	switch {
	case len(pending) > 0:
		a.answerApproval(ctx, input, pending)
	case input == ResumeCommand:
		last, ok := a.sess.Last()
		if !ok || last.Role == session.RoleAssistant {
			return false, errors.New("nothing to resume")
		}
		a.logger.Info("resuming conversation", slog.Int("messages", len(a.sess.Messages)))
	default:
		a.appendMessage(session.NewUserMessage(session.Text(input)))
	}
	return a.loop(ctx)
}

// answerApproval applies the operator's answer to the suspended batch.
func (a *Agent) answerApproval(ctx context.Context, input string, pending []session.Content) {
	switch strings.TrimSpace(input) {
	case "Y", "YES":
		for _, tu := range pending {
			a.governor.AllowToolUse(tu)
		}
		fallthrough
	case "y", "yes":
		a.logger.Debug("tool use approved", slog.Int("count", len(pending)))
		a.executeBatch(ctx, pending)
	default:
		a.logger.Debug("tool use rejected", slog.Int("count", len(pending)))
		a.appendMessage(session.NewUserMessage(approval.Reject(pending, approval.RejectedText)...))
		a.appendMessage(session.NewUserMessage(session.Text(input)))
	}
}

// pendingToolUses returns the tool uses of a trailing assistant message,
// which are unanswered by construction.
func (a *Agent) pendingToolUses() []session.Content {
	last, ok := a.sess.Last()
	if !ok || last.Role != session.RoleAssistant {
		return nil
	}
	return last.ToolUses()
}

// loop dispatches the model until it stops calling tools. It reports true
// when the turn is suspended for approval.
func (a *Agent) loop(ctx context.Context) (bool, error) {
	continues := 0
	for {
		msg, usage, err := a.client.Chat(ctx, a.sess.Messages, a.defs, a.onPartial)
		if err != nil {
			return false, errors.Wrapf(err, "LLM chat failed")
		}
		a.emit(Event{Kind: EventUsage, Usage: &usage})
		a.appendMessage(*msg)

		if onlyThinking(*msg) {
			if continues >= maxAutoContinues {
				a.logger.Warn("model keeps stopping after thinking; ending turn", slog.Int("continues", continues))
				return false, nil
			}
			continues++
			a.appendMessage(session.NewSystemMessage(continueNudge))
			continue
		}

		uses := msg.ToolUses()
		if len(uses) == 0 {
			return false, nil
		}
		if suspend := a.handleToolUses(ctx, uses); suspend {
			a.emit(Event{Kind: EventToolUseRequest, ToolUses: uses})
			return true, nil
		}
	}
}

// onlyThinking reports a response that ended after a thinking block without
// producing anything else.
func onlyThinking(msg session.Message) bool {
	for _, c := range msg.Content {
		if c.Type != session.ContentThinking {
			return false
		}
	}
	return true
}

// handleToolUses validates and governs one batch. It either answers the
// batch and returns false, or leaves it unanswered and returns true.
func (a *Agent) handleToolUses(ctx context.Context, uses []session.Content) bool {
	if v := approval.ValidateKnown(uses, a.isKnown, a.names); v != nil {
		a.rejectBatch(uses, v)
		return false
	}
	if v := approval.ValidateExclusive(uses, a.isExclusive); v != nil {
		a.rejectBatch(uses, v)
		return false
	}

	decisions := make([]approval.Decision, len(uses))
	reasons := make([]string, len(uses))
	denied, ask := false, false
	for i, tu := range uses {
		if invalidInput(tu) {
			decisions[i] = approval.Allow
			continue
		}
		decisions[i], reasons[i] = a.governor.Decide(tu)
		a.logger.Debug("tool use decision",
			slog.String("tool", tu.ToolName),
			slog.String("decision", string(decisions[i])),
			slog.String("reason", reasons[i]))
		switch decisions[i] {
		case approval.Deny:
			denied = true
		case approval.Ask:
			ask = true
		}
	}

	if denied {
		results := make([]session.Content, len(uses))
		for i, tu := range uses {
			text := approval.RejectedByOthers
			switch {
			case decisions[i] == approval.Deny:
				text = approval.DeniedText(reasons[i])
			case invalidInput(tu):
				text = approval.InvalidInputText
			}
			results[i] = session.ToolResult(tu.ToolUseID, tu.ToolName, []session.Content{session.Text(text)}, true)
		}
		a.appendMessage(session.NewUserMessage(results...))
		return false
	}
	if ask {
		return true
	}
	a.executeBatch(ctx, uses)
	return false
}

func (a *Agent) isKnown(name string) bool {
	_, ok := a.tools[name]
	return ok
}

func (a *Agent) isExclusive(name string) bool {
	t, ok := a.tools[name]
	return ok && tools.IsExclusive(t)
}

func invalidInput(tu session.Content) bool {
	return tu.RawInput != "" && len(tu.Input) == 0
}

func (a *Agent) rejectBatch(uses []session.Content, v *approval.Violation) {
	a.logger.Debug("tool batch rejected", slog.String("violation", string(v.Type)), slog.Any("tools", v.Tools))
	parts := approval.Reject(uses, approval.RejectedText)
	parts = append(parts, session.Text(v.Steering()))
	a.appendMessage(session.NewUserMessage(parts...))
}

// executeBatch runs the calls one after another and records the results in
// call order. A successful sub-agent report replaces the results with the
// report message.
func (a *Agent) executeBatch(ctx context.Context, uses []session.Content) {
	results := make([]session.Content, 0, len(uses))
	for _, tu := range uses {
		results = append(results, a.execute(ctx, tu))
	}

	var replaced bool
	if a.subagents != nil {
		if msg := a.subagents.ProcessToolResults(a.sess, uses, results); msg != nil {
			a.appendMessage(*msg)
			a.emit(Event{Kind: EventSubagentStatus})
			replaced = true
		}
	}
	if !replaced {
		a.appendMessage(session.NewUserMessage(results...))
		if a.subagents != nil && delegated(uses, results) {
			a.emit(Event{Kind: EventSubagentStatus, Subagent: a.subagents.Current()})
		}
	}

	if text := a.takeInterrupt(); text != "" {
		a.logger.Debug("injecting interrupt message")
		a.appendMessage(session.NewUserMessage(session.Text(text)))
	}
}

func delegated(uses, results []session.Content) bool {
	for i, tu := range uses {
		if tu.ToolName == subagent.DelegateToolName && !results[i].IsError {
			return true
		}
	}
	return false
}

func (a *Agent) execute(ctx context.Context, tu session.Content) session.Content {
	if invalidInput(tu) {
		return session.ToolResult(tu.ToolUseID, tu.ToolName, []session.Content{session.Text(approval.InvalidInputText)}, true)
	}
	tool := a.tools[tu.ToolName]
	a.logger.Debug("executing tool", slog.String("tool", tu.ToolName), slog.String("id", tu.ToolUseID))
	out, err := tool.Execute(ctx, tu.Input)
	if err != nil {
		a.logger.Debug("tool failed", slog.String("tool", tu.ToolName), slog.Any("err", err))
		return session.ToolResult(tu.ToolUseID, tu.ToolName, []session.Content{session.Text(err.Error())}, true)
	}
	return session.ToolResult(tu.ToolUseID, tu.ToolName, out, false)
}

func (a *Agent) appendMessage(msg session.Message) {
	a.sess.AddMessage(msg)
	if err := a.sess.Save(); err != nil {
		a.logger.Warn("failed to save session", slog.String("session", a.sess.Name), slog.Any("err", err))
	}
	a.emit(Event{Kind: EventMessage, Message: &msg})
}

func (a *Agent) onPartial(p llm.PartialContent) {
	a.emit(Event{Kind: EventPartial, Partial: &p})
}

func (a *Agent) emit(ev Event) {
	if a.events != nil {
		a.events <- ev
	}
}
