package agent

import (
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/subagent"
)

type EventKind string

const (
	// EventMessage carries every message appended to the history.
	EventMessage EventKind = "message"
	// EventPartial carries a live fragment of the response in progress.
	EventPartial EventKind = "partialMessageContent"
	// EventError reports a failure that ended the turn.
	EventError EventKind = "error"
	// EventToolUseRequest means the turn is suspended until the operator
	// answers the approval prompt.
	EventToolUseRequest EventKind = "toolUseRequest"
	EventTurnEnd        EventKind = "turnEnd"
	EventUsage          EventKind = "providerTokenUsage"
	// EventSubagentStatus carries the active delegation, or nil when it
	// ended.
	EventSubagentStatus EventKind = "subagentStatus"
)

// Event is one notification from the engine. Kind selects which of the
// remaining fields is set.
type Event struct {
	Kind     EventKind           `json:"kind"`
	Message  *session.Message    `json:"message,omitempty"`
	Partial  *llm.PartialContent `json:"partial,omitempty"`
	Err      error               `json:"-"`
	Error    string              `json:"error,omitempty"`
	Usage    *llm.Usage          `json:"usage,omitempty"`
	Subagent *subagent.State     `json:"subagent,omitempty"`
	// ToolUses are the calls awaiting approval.
	ToolUses []session.Content `json:"toolUses,omitempty"`
}
