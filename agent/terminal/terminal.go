package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ergochat/readline"

	"github.com/m4xw311/tandem/agent"
	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/session"
)

const (
	prompt         = "You: "
	approvalPrompt = "Allow? [y]es / [Y]es, always / or type feedback: "
)

// LineReader reads one line of operator input. *readline.Instance
// satisfies it.
type LineReader interface {
	ReadLine() (string, error)
	SetPrompt(prompt string)
}

// NewReadline creates the interactive line editor. An empty historyFile
// disables history persistence.
func NewReadline(historyFile string) (*readline.Instance, error) {
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize line editor")
	}
	return rl, nil
}

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent   *agent.Agent
	events  <-chan agent.Event
	in      LineReader
	out     io.Writer
	verbose bool

	// open is the partial content type currently being printed.
	open session.ContentType
}

// New creates a new Terminal. events must be the channel the agent was
// created with.
func New(a *agent.Agent, events <-chan agent.Event, in LineReader, out io.Writer, verbose bool) *Terminal {
	return &Terminal{
		agent:   a,
		events:  events,
		in:      in,
		out:     out,
		verbose: verbose,
	}
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		if t.agent.State() == agent.StateToolApprovalPending {
			t.in.SetPrompt(approvalPrompt)
		} else {
			t.in.SetPrompt(prompt)
		}
		line, err := t.in.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		userInput := strings.TrimSpace(line)
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			return nil
		}
		if t.command(userInput) {
			continue
		}
		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
}

// command handles the local /save and /load commands.
func (t *Terminal) command(input string) bool {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/save":
		if arg == "" {
			arg = "messages.json"
		}
		if err := t.agent.Session().DumpMessages(arg); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintf(t.out, "Saved %d messages to %s\n", len(t.agent.Session().Messages), arg)
		return true
	case "/load":
		if arg == "" {
			arg = "messages.json"
		}
		sess := t.agent.Session()
		if err := sess.LoadMessages(arg); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			return true
		}
		if err := sess.Save(); err != nil {
			fmt.Fprintf(t.out, "Warning: failed to save session: %v\n", err)
		}
		fmt.Fprintf(t.out, "Loaded %d messages from %s\n", len(sess.Messages), arg)
		return true
	}
	return false
}

// processTurn runs one turn and renders its events until the turn ends.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	errc := make(chan error, 1)
	go func() { errc <- t.agent.HandleInput(ctx, userInput) }()

	for {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
			errc = nil
		case ev := <-t.events:
			t.render(ev)
			if ev.Kind == agent.EventTurnEnd {
				if errc != nil {
					return <-errc
				}
				return nil
			}
		}
	}
}

func (t *Terminal) render(ev agent.Event) {
	switch ev.Kind {
	case agent.EventPartial:
		t.renderPartial(*ev.Partial)
	case agent.EventMessage:
		t.renderMessage(*ev.Message)
	case agent.EventError:
		t.closePartial()
		fmt.Fprintf(t.out, "Error: %s\nType %s to retry.\n", ev.Error, agent.ResumeCommand)
	case agent.EventToolUseRequest:
		t.closePartial()
		fmt.Fprintf(t.out, "Tandem needs approval for %d tool call(s).\n", len(ev.ToolUses))
	case agent.EventSubagentStatus:
		if ev.Subagent != nil {
			fmt.Fprintf(t.out, "[sub-agent %s started: %s]\n", ev.Subagent.Name, ev.Subagent.Goal)
		} else {
			fmt.Fprintln(t.out, "[sub-agent finished]")
		}
	case agent.EventUsage:
		if t.verbose {
			fmt.Fprintf(t.out, "[tokens: %d in, %d out]\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)
		}
	case agent.EventTurnEnd:
		t.closePartial()
	}
}

func (t *Terminal) renderPartial(p llm.PartialContent) {
	switch p.Type {
	case session.ContentText:
	case session.ContentThinking:
		if !t.verbose {
			return
		}
	default:
		return
	}
	switch p.Position {
	case llm.PositionStart:
		t.closePartial()
		t.open = p.Type
		if p.Type == session.ContentThinking {
			fmt.Fprint(t.out, "(thinking) ")
		} else {
			fmt.Fprint(t.out, "Tandem: ")
		}
	case llm.PositionDelta:
		fmt.Fprint(t.out, p.Content)
	case llm.PositionStop:
		t.closePartial()
	}
}

func (t *Terminal) closePartial() {
	if t.open != "" {
		fmt.Fprintln(t.out)
		t.open = ""
	}
}

func (t *Terminal) renderMessage(msg session.Message) {
	switch msg.Role {
	case session.RoleAssistant:
		for _, tu := range msg.ToolUses() {
			args, _ := json.Marshal(tu.Input)
			if tu.RawInput != "" && len(tu.Input) == 0 {
				args = []byte(tu.RawInput)
			}
			fmt.Fprintf(t.out, "Tandem wants to call tool `%s` with args: %s\n", tu.ToolName, args)
		}
	case session.RoleUser:
		for _, r := range msg.ToolResults() {
			switch {
			case r.IsError:
				fmt.Fprintf(t.out, "Tool `%s` failed: %s\n", r.ToolName, r.ResultText())
			case t.verbose:
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", r.ToolName, r.ResultText())
			}
		}
	}
}
