// Package session implements one conversation's explicit state machine:
// Idle, Streaming, Gating, AwaitingApproval, Executing, and the terminal
// Stopped state. A Session owns its ordered message log, its per-call tool
// statuses, a bounded input queue, and a broadcast output bus; internal/
// manager is the only thing that constructs and owns Sessions.
//
// # Lifecycle
//
// New constructs a Session in StateIdle. Loop runs it to completion in its
// own goroutine, reading from the input queue (fed by Push) and publishing
// to its Bus(). A session transitions:
//
//	Idle --UserMessage--> Streaming
//	Streaming --chunk--> Streaming (text/reasoning/tool-call deltas)
//	Streaming --finish, no tool calls--> Idle
//	Streaming --finish, tool calls--> Gating
//	Gating --all auto-approved--> Executing
//	Gating --needs a decision--> AwaitingApproval
//	AwaitingApproval --every call resolved--> Executing
//	Executing --results--> Streaming (re-entry with extended history)
//	Any --Stop--> Stopped (terminal)
//
// # Streaming
//
// runTurn (loop.go) drives one completion to exhaustion via
// internal/provider, accumulating eino's streaming deltas with
// turnAccumulator: text and reasoning content concatenate directly; tool
// calls are tracked by the provider's stream Index, since a start chunk
// carries an ID and Name while delta chunks carry only Arguments
// fragments.
//
// # Gating and execution
//
// tools_exec.go implements the tool-call lifecycle: each announced call is
// checked against internal/approval's Policy (a static ApprovalLevel
// threshold plus session-scoped grants). Calls needing a decision block the
// whole turn in AwaitingApproval until ApproveTool/RejectTool inputs
// resolve them all; approved calls then run in Executing, where a maximal
// contiguous run of parallel_safe calls executes concurrently (bounded by
// Config.ParallelDegree) while results are still written back at their
// original declared index. The reserved "question" tool name bypasses the
// registry entirely and blocks for a matching AnswerQuestion input instead.
//
// # Supplementary features
//
// title.go and compact.go are not part of the bare state machine but round
// out a usable session: GenerateTitle asks the model for a short summary
// of the first user message, and Compact collapses a long session's
// earlier messages into one summary message once it grows past
// CompactionConfig.MinMessagesToKeep. todo.go persists a session's todo
// list independent of the FSM.
package session
