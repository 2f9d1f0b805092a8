package llm

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/tandem/session"
)

// emitter forwards partial content and keeps the start/delta/stop sequence
// well formed: a start while another part is open first stops that part.
type emitter struct {
	fn   PartialFunc
	open session.ContentType
}

func (e *emitter) send(p PartialContent) {
	if e.fn != nil {
		e.fn(p)
	}
}

func (e *emitter) start(t session.ContentType, content string) {
	e.stop()
	e.open = t
	e.send(PartialContent{Type: t, Position: PositionStart, Content: content})
}

func (e *emitter) delta(t session.ContentType, content string) {
	if e.open != t {
		e.start(t, "")
	}
	if content == "" {
		return
	}
	e.send(PartialContent{Type: t, Position: PositionDelta, Content: content})
}

func (e *emitter) stop() {
	if e.open == "" {
		return
	}
	t := e.open
	e.open = ""
	e.send(PartialContent{Type: t, Position: PositionStop})
}

// accumulator folds streamed deltas into one assistant message. Text and
// thinking deltas append to the last block of the same type; tool-call
// arguments are buffered and parsed when the block closes.
type accumulator struct {
	provider string
	msg      session.Message
	emit     emitter

	toolOpen int
	args     strings.Builder
}

func newAccumulator(provider string, onPartial PartialFunc) *accumulator {
	return &accumulator{
		provider: provider,
		msg:      session.Message{Role: session.RoleAssistant},
		emit:     emitter{fn: onPartial},
		toolOpen: -1,
	}
}

func (a *accumulator) last() *session.Content {
	if len(a.msg.Content) == 0 {
		return nil
	}
	return &a.msg.Content[len(a.msg.Content)-1]
}

// startBlock opens a new text or thinking block even if the previous block
// has the same type.
func (a *accumulator) startBlock(t session.ContentType) {
	a.closeToolUse()
	a.msg.Content = append(a.msg.Content, session.Content{Type: t})
	a.emit.start(t, "")
}

func (a *accumulator) text(delta string) {
	if last := a.last(); last == nil || last.Type != session.ContentText || a.emit.open != session.ContentText {
		a.startBlock(session.ContentText)
	}
	a.last().Text += delta
	a.emit.delta(session.ContentText, delta)
}

func (a *accumulator) thinking(delta string) {
	if last := a.last(); last == nil || last.Type != session.ContentThinking || a.emit.open != session.ContentThinking {
		a.startBlock(session.ContentThinking)
	}
	a.last().Thinking += delta
	a.emit.delta(session.ContentThinking, delta)
}

// thinkingMeta attaches vendor metadata to the most recent thinking block,
// creating an empty one if the vendor sent metadata first.
func (a *accumulator) thinkingMeta(update func(*session.ProviderMetadata)) {
	var block *session.Content
	for i := len(a.msg.Content) - 1; i >= 0; i-- {
		if a.msg.Content[i].Type == session.ContentThinking {
			block = &a.msg.Content[i]
			break
		}
	}
	if block == nil {
		a.startBlock(session.ContentThinking)
		block = a.last()
	}
	if block.ProviderMetadata == nil {
		block.ProviderMetadata = &session.ProviderMetadata{Provider: a.provider}
	}
	update(block.ProviderMetadata)
}

func (a *accumulator) beginToolUse(id, name string) {
	a.closeToolUse()
	a.msg.Content = append(a.msg.Content, session.ToolUse(id, name, nil))
	a.toolOpen = len(a.msg.Content) - 1
	a.args.Reset()
	a.emit.start(session.ContentToolUse, name)
}

func (a *accumulator) toolArgs(delta string) {
	if a.toolOpen < 0 {
		return
	}
	a.args.WriteString(delta)
	a.emit.delta(session.ContentToolUse, delta)
}

// replaceToolArgs discards the buffered arguments in favour of a complete
// argument string sent by the vendor.
func (a *accumulator) replaceToolArgs(full string) {
	if a.toolOpen < 0 {
		return
	}
	a.args.Reset()
	a.args.WriteString(full)
}

// closeToolUse parses the argument buffer of the open tool use. An
// unparseable buffer leaves Input empty and keeps the raw text in RawInput.
func (a *accumulator) closeToolUse() {
	if a.toolOpen < 0 {
		return
	}
	block := &a.msg.Content[a.toolOpen]
	raw := strings.TrimSpace(a.args.String())
	if raw != "" {
		var input map[string]any
		if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
			block.RawInput = raw
		} else {
			block.Input = input
		}
	}
	a.toolOpen = -1
	a.args.Reset()
	a.emit.stop()
}

// endBlock closes whatever is open, as on an explicit block stop event.
func (a *accumulator) endBlock() {
	if a.toolOpen >= 0 {
		a.closeToolUse()
		return
	}
	a.emit.stop()
}

// addToolUse records a tool call that arrived in one piece.
func (a *accumulator) addToolUse(id, name string, input map[string]any) {
	a.closeToolUse()
	a.msg.Content = append(a.msg.Content, session.ToolUse(id, name, input))
	args, _ := json.Marshal(input)
	a.emit.start(session.ContentToolUse, name)
	a.emit.delta(session.ContentToolUse, string(args))
	a.emit.stop()
}

func (a *accumulator) finish() *session.Message {
	a.endBlock()
	msg := a.msg
	return &msg
}

func (a *accumulator) empty() bool {
	return len(a.msg.Content) == 0
}
