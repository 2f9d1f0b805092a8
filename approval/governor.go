package approval

import (
	"log/slog"
	"sync"

	"github.com/m4xw311/tandem/session"
)

type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

const (
	ReasonNoPattern    = "no matching approval pattern"
	ReasonDenied       = "denied by approval pattern"
	ReasonAskPattern   = "approval required by pattern"
	ReasonBudget       = "auto-approval limit reached"
	ReasonAllowPattern = "allowed by approval pattern"
)

// Pattern matches calls to one tool. A nil Input matches any input; an empty
// Action means Allow.
type Pattern struct {
	ToolName string
	Input    Matcher
	Action   Decision
}

func (p Pattern) matches(tu session.Content) bool {
	if p.ToolName != tu.ToolName {
		return false
	}
	return p.Input == nil || p.Input.Match(tu.Input)
}

func (p Pattern) action() Decision {
	if p.Action == "" {
		return Allow
	}
	return p.Action
}

// Governor evaluates tool calls against the configured patterns followed by
// the patterns remembered during the session. Every allow consumes one unit
// of the auto-approval budget.
type Governor struct {
	mu       sync.Mutex
	static   []Pattern
	session  []Pattern
	max      int
	approved int
	logger   *slog.Logger
}

// NewGovernor creates a governor. maxAutoApprovals <= 0 disables the budget.
func NewGovernor(patterns []Pattern, maxAutoApprovals int, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		static: append([]Pattern(nil), patterns...),
		max:    maxAutoApprovals,
		logger: logger,
	}
}

// Decide returns the decision for one tool use and a short reason. The first
// matching pattern wins; no match means Ask. When an allow would exceed the
// budget the call is denied and the counter starts over.
func (g *Governor) Decide(tu session.Content) (Decision, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, p := range g.all() {
		if !p.matches(tu) {
			continue
		}
		switch p.action() {
		case Deny:
			return Deny, ReasonDenied
		case Ask:
			return Ask, ReasonAskPattern
		}
		g.approved++
		if g.max > 0 && g.approved > g.max {
			g.logger.Debug("auto-approval budget exhausted", slog.String("tool", tu.ToolName), slog.Int("max", g.max))
			g.approved = 0
			return Deny, ReasonBudget
		}
		return Allow, ReasonAllowPattern
	}
	return Ask, ReasonNoPattern
}

func (g *Governor) all() []Pattern {
	out := make([]Pattern, 0, len(g.static)+len(g.session))
	out = append(out, g.static...)
	return append(out, g.session...)
}

// AllowToolUse remembers the exact call for the rest of the session.
func (g *Governor) AllowToolUse(tu session.Content) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = append(g.session, Pattern{ToolName: tu.ToolName, Input: Exact(tu.Input), Action: Allow})
}

// ResetApprovalCount restores the full budget. It is called once per user
// turn.
func (g *Governor) ResetApprovalCount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved = 0
}

// Patterns returns the static patterns followed by the remembered ones.
func (g *Governor) Patterns() []Pattern {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.all()
}
