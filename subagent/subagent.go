// Package subagent manages delegation of part of a turn to a sub-agent that
// shares the conversation up to the delegation point. When the sub-agent
// reports, its transcript is cut from the history and replaced by a single
// report message.
package subagent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
)

const (
	DelegateToolName = "delegate_to_subagent"
	ReportToolName   = "report_as_subagent"

	// CustomPrefix marks an ad-hoc role that is not looked up in the role
	// registry, e.g. "custom:security auditor".
	CustomPrefix = "custom:"
)

var (
	ErrAlreadyDelegated = errors.Sentinel("a sub-agent is already active")
	ErrNotDelegated     = errors.Sentinel("no sub-agent is active")
	ErrUnknownRole      = errors.Sentinel("unknown sub-agent role")
)

// Role is a preset sub-agent persona.
type Role struct {
	ID           string `yaml:"id"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`
}

// State is one active delegation.
type State struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
	// DelegateResultMessageIndex is the history length when the delegation
	// started. The history is cut back to it when the sub-agent reports.
	DelegateResultMessageIndex int `json:"delegateResultMessageIndex"`
	// DelegateToolUseID is the id of the delegate_to_subagent call that
	// opened the delegation. The report is delivered as its result.
	DelegateToolUseID string `json:"delegateToolUseId,omitempty"`
}

// Manager holds the delegation stack. Nesting is not allowed, so the stack
// holds at most one entry.
type Manager struct {
	mu      sync.Mutex
	roles   map[string]Role
	stack   []State
	workDir string
	logger  *slog.Logger
}

func NewManager(roles []Role, workDir string, logger *slog.Logger) *Manager {
	if workDir == "" {
		workDir = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{roles: make(map[string]Role, len(roles)), workDir: workDir, logger: logger}
	for _, r := range roles {
		m.roles[r.ID] = r
	}
	return m
}

// RoleIDs returns the preset role ids in sorted order.
func (m *Manager) RoleIDs() []string {
	ids := make([]string, 0, len(m.roles))
	for id := range m.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Current returns a copy of the active delegation, or nil.
func (m *Manager) Current() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return nil
	}
	s := m.stack[len(m.stack)-1]
	return &s
}

// Delegate starts a delegation and returns the instructions the sub-agent
// works under for the rest of the turn. history must already contain the
// assistant message that issued the delegation.
func (m *Manager) Delegate(name, goal string, history []session.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) > 0 {
		return "", errors.Wrapf(ErrAlreadyDelegated, "cannot delegate to '%s' while '%s' is active", name, m.stack[len(m.stack)-1].Name)
	}
	if strings.TrimSpace(goal) == "" {
		return "", errors.New("missing goal for sub-agent '%s'", name)
	}

	var instructions string
	if custom, ok := strings.CutPrefix(name, CustomPrefix); ok {
		custom = strings.TrimSpace(custom)
		if custom == "" {
			return "", errors.New("custom sub-agent needs a role description after '%s'", CustomPrefix)
		}
		name = custom
		instructions = fmt.Sprintf("Act as %s.", custom)
	} else {
		role, ok := m.roles[name]
		if !ok {
			return "", errors.Wrapf(ErrUnknownRole, "role '%s' (available: %s)", name, strings.Join(m.RoleIDs(), ", "))
		}
		instructions = role.Instructions
	}

	state := State{
		Name:                       name,
		Goal:                       goal,
		DelegateResultMessageIndex: len(history),
		DelegateToolUseID:          delegateToolUseID(history),
	}
	m.stack = append(m.stack, state)
	m.logger.Debug("delegated to sub-agent",
		slog.String("name", name),
		slog.Int("index", state.DelegateResultMessageIndex),
		slog.String("toolUseId", state.DelegateToolUseID))

	return delegationText(name, goal, instructions), nil
}

func delegateToolUseID(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != session.RoleAssistant {
			continue
		}
		for _, tu := range history[i].ToolUses() {
			if tu.ToolName == DelegateToolName {
				return tu.ToolUseID
			}
		}
		return ""
	}
	return ""
}

func delegationText(name, goal, instructions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are now the sub-agent '%s'. Work only on the goal below.\n\n", name)
	if instructions != "" {
		fmt.Fprintf(&b, "Instructions:\n%s\n\n", instructions)
	}
	fmt.Fprintf(&b, "Goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "When the goal is complete, call %s with your report. "+
		"Everything you say before that will be removed from the conversation; only the report is kept. "+
		"Put longer findings in a file and pass its path as memory_file.", ReportToolName)
	return b.String()
}

// ProcessToolResults intercepts a successful report among the executed
// batch. It pops the delegation, truncates sess back to the delegation
// point and returns the message the caller must append in place of the
// normal tool-result message. It returns nil when there is nothing to
// intercept, including a failed report, which leaves the delegation open.
func (m *Manager) ProcessToolResults(sess *session.Session, uses, results []session.Content) *session.Message {
	var report *session.Content
	for i := range uses {
		if uses[i].ToolName == ReportToolName {
			report = &uses[i]
			break
		}
	}
	if report == nil {
		return nil
	}
	for _, r := range results {
		if r.ToolUseID == report.ToolUseID && r.IsError {
			return nil
		}
	}

	m.mu.Lock()
	if len(m.stack) == 0 {
		m.mu.Unlock()
		return nil
	}
	state := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.mu.Unlock()

	text, _ := report.Input["report"].(string)
	memoryFile, _ := report.Input["memory_file"].(string)

	dropped := len(sess.Messages) - state.DelegateResultMessageIndex
	sess.Truncate(state.DelegateResultMessageIndex)
	m.logger.Debug("sub-agent reported",
		slog.String("name", state.Name),
		slog.Int("droppedMessages", dropped))

	body := reportText(state, text, memoryFile)
	var msg session.Message
	if state.DelegateToolUseID != "" {
		msg = session.NewUserMessage(session.ToolResult(state.DelegateToolUseID, DelegateToolName,
			[]session.Content{session.Text(body)}, false))
	} else {
		msg = session.NewUserMessage(session.Text(body))
	}
	return &msg
}

func reportText(state State, report, memoryFile string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-agent '%s' finished.\n\nGoal:\n%s\n\n", state.Name, state.Goal)
	if memoryFile != "" {
		fmt.Fprintf(&b, "Memory file: %s\n\n", memoryFile)
	}
	fmt.Fprintf(&b, "Report:\n%s", report)
	return b.String()
}
