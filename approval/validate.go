package approval

import (
	"fmt"
	"strings"

	"github.com/m4xw311/tandem/session"
)

type ViolationType string

const (
	ViolationUnknown    ViolationType = "unknown"
	ViolationMultiple   ViolationType = "multiple"
	ViolationWithOthers ViolationType = "with-others"
)

const (
	RejectedText      = "Tool call rejected"
	RejectedByOthers  = "Tool call rejected due to other denied calls"
	InvalidInputText  = "invalid tool input JSON"
	deniedTextPattern = "Tool call denied: %s"
)

// Violation describes why a batch of tool uses was rejected as a whole.
type Violation struct {
	Type ViolationType
	// Tools are the offending tool names.
	Tools []string
	// Available lists the known tools for unknown-tool violations.
	Available []string
}

// Steering is the text sent to the model after the rejection results.
func (v *Violation) Steering() string {
	names := strings.Join(v.Tools, ", ")
	switch v.Type {
	case ViolationUnknown:
		return fmt.Sprintf("Unknown tool(s): %s. Available tools: %s. Use only the available tools.",
			names, strings.Join(v.Available, ", "))
	case ViolationMultiple:
		return fmt.Sprintf("Tool %s may be called only once per response. Call it again on its own.", names)
	case ViolationWithOthers:
		return fmt.Sprintf("Tool %s must be the only tool call in a response. Retry with that call alone, or without it.", names)
	}
	return string(v.Type)
}

// ValidateKnown rejects the batch if any tool name is not registered.
func ValidateKnown(uses []session.Content, isKnown func(name string) bool, available []string) *Violation {
	var unknown []string
	for _, tu := range uses {
		if !isKnown(tu.ToolName) && !contains(unknown, tu.ToolName) {
			unknown = append(unknown, tu.ToolName)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	return &Violation{Type: ViolationUnknown, Tools: unknown, Available: available}
}

// ValidateExclusive rejects a batch where an exclusive tool is called more
// than once or alongside other calls.
func ValidateExclusive(uses []session.Content, isExclusive func(name string) bool) *Violation {
	counts := map[string]int{}
	var exclusive []string
	for _, tu := range uses {
		if isExclusive(tu.ToolName) {
			if counts[tu.ToolName] == 0 {
				exclusive = append(exclusive, tu.ToolName)
			}
			counts[tu.ToolName]++
		}
	}
	if len(exclusive) == 0 {
		return nil
	}
	for _, name := range exclusive {
		if counts[name] > 1 {
			return &Violation{Type: ViolationMultiple, Tools: []string{name}}
		}
	}
	if len(uses) > 1 {
		return &Violation{Type: ViolationWithOthers, Tools: exclusive}
	}
	return nil
}

// Reject builds an error tool_result with text for every use.
func Reject(uses []session.Content, text string) []session.Content {
	results := make([]session.Content, 0, len(uses))
	for _, tu := range uses {
		results = append(results, session.ToolResult(tu.ToolUseID, tu.ToolName, []session.Content{session.Text(text)}, true))
	}
	return results
}

// DeniedText is the result text of a call denied with reason.
func DeniedText(reason string) string {
	return fmt.Sprintf(deniedTextPattern, reason)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
