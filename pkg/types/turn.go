package types

import "encoding/json"

// ApprovalLevel is the static risk classification attached to a tool kind.
// The zero value is LevelNone. Levels form a total order:
// None < Low < Medium < High < Critical.
type ApprovalLevel int

const (
	LevelNone ApprovalLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l ApprovalLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseApprovalLevel parses a level name, defaulting to LevelMedium for an
// unrecognized value so a typo in config degrades toward caution rather than
// silently granting access.
func ParseApprovalLevel(s string) ApprovalLevel {
	switch s {
	case "none":
		return LevelNone
	case "low":
		return LevelLow
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	case "critical":
		return LevelCritical
	default:
		return LevelMedium
	}
}

// ToolCall is the join key between an assistant message's tool-call
// announcement and its eventual ToolResult.
type ToolCall struct {
	CallID    string          `json:"callID"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolStatus is the lifecycle of one tool call within a session.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolRejected  ToolStatus = "rejected"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// validToolTransitions encodes the DAG from spec.md §3:
// Pending -> {Approved, Rejected}; Approved -> Executing -> {Completed, Failed}.
var validToolTransitions = map[ToolStatus]map[ToolStatus]bool{
	ToolPending:   {ToolApproved: true, ToolRejected: true},
	ToolApproved:  {ToolExecuting: true},
	ToolExecuting: {ToolCompleted: true, ToolFailed: true},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the tool-status DAG. Terminal states (Rejected, Completed, Failed) have
// no outgoing edges.
func CanTransition(from, to ToolStatus) bool {
	edges, ok := validToolTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether a status has no further transitions.
func IsTerminal(s ToolStatus) bool {
	switch s {
	case ToolRejected, ToolCompleted, ToolFailed:
		return true
	default:
		return false
	}
}
