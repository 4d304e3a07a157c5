package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cowork-dev/cowork/internal/tool"
	"github.com/cowork-dev/cowork/pkg/types"
)

// questionToolName is the one reserved tool name the loop treats specially:
// rather than executing against the tool registry, it blocks for an
// AnswerQuestion input matching the call's request_id (spec.md §4.3's
// Question-tool flow).
const questionToolName = "question"

// toolResult is one call's outcome, ready to become a tool-role message.
type toolResult struct {
	callID   string
	name     string
	output   string
	err      string
	rejected bool
}

// toolDecision pairs an announced call with its gating outcome.
type toolDecision struct {
	call   types.ToolCall
	status types.ToolStatus
}

// gateAndExecute runs the Gating, optional AwaitingApproval, and Executing
// phases for one turn's announced tool calls, returning their results in
// declaration order. The second return is true if a Stop input ended the
// session mid-phase, in which case results is nil and the caller must not
// continue the turn.
func (s *Session) gateAndExecute(ctx context.Context, assistantMessageID string, calls []types.ToolCall) ([]toolResult, bool) {
	s.setState(StateGating)

	decisions := make([]toolDecision, len(calls))
	needsWait := false

	for i, call := range calls {
		t, ok := s.cfg.Tools.Get(call.Name)
		switch {
		case !ok:
			decisions[i] = toolDecision{call, types.ToolRejected}
		case call.Name == questionToolName:
			decisions[i] = toolDecision{call, types.ToolApproved}
		case s.cfg.Policy.RequiresApproval(t.ApprovalLevel()) && !s.cfg.Policy.IsPreApproved(s.cfg.ID, call.Name, call.CallID):
			decisions[i] = toolDecision{call, types.ToolPending}
			needsWait = true
		default:
			decisions[i] = toolDecision{call, types.ToolApproved}
		}
	}

	if needsWait {
		if stopped := s.awaitApproval(ctx, decisions); stopped {
			return nil, true
		}
	}

	s.setState(StateExecuting)
	return s.executeDecisions(ctx, decisions)
}

// awaitApproval blocks the turn in StateAwaitingApproval until every
// Pending call in decisions has been resolved to Approved or Rejected by an
// ApproveTool/RejectTool input, mutating decisions in place. Returns true
// if a Stop input arrived first.
func (s *Session) awaitApproval(ctx context.Context, decisions []toolDecision) bool {
	s.setState(StateAwaitingApproval)

	s.mu.Lock()
	for _, d := range decisions {
		if d.status == types.ToolPending {
			s.pending[d.call.CallID] = &pendingCall{call: d.call, status: types.ToolPending}
			s.bus.Publish(types.SessionOutput{Kind: types.OutputToolPending, CallID: d.call.CallID, Tool: d.call.Name})
		}
	}
	s.mu.Unlock()

	for {
		if s.allResolved(decisions) {
			break
		}
		select {
		case <-ctx.Done():
			return true
		case in := <-s.inputCh:
			switch in.Kind {
			case types.InputApproveTool:
				s.mu.Lock()
				if p, ok := s.pending[in.CallID]; ok {
					p.status = types.ToolApproved
					if in.SessionScoped {
						s.cfg.Policy.ApproveForSession(s.cfg.ID, p.call.Name, "")
					}
				}
				s.mu.Unlock()
			case types.InputRejectTool:
				s.mu.Lock()
				if p, ok := s.pending[in.CallID]; ok {
					p.status = types.ToolRejected
				}
				s.mu.Unlock()
			case types.InputStop:
				s.setState(StateStopped)
				s.bus.Publish(types.SessionOutput{Kind: types.OutputStopped})
				return true
			default:
				// A user message or answer arriving mid-gate has nothing to
				// attach to yet; drop it rather than block forever.
			}
		}
	}

	s.mu.Lock()
	for i, d := range decisions {
		if p, ok := s.pending[d.call.CallID]; ok {
			decisions[i].status = p.status
			delete(s.pending, d.call.CallID)
		}
	}
	s.mu.Unlock()
	return false
}

func (s *Session) allResolved(decisions []toolDecision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range decisions {
		if p, ok := s.pending[d.call.CallID]; ok && p.status == types.ToolPending {
			return false
		}
	}
	return true
}

// executeDecisions runs the Executing phase: calls run in declared order,
// except that a maximal contiguous run of approved, parallel_safe calls is
// dispatched concurrently bounded by cfg.ParallelDegree, with results still
// written back at their original index regardless of completion order
// (spec.md §4.3 step 6).
func (s *Session) executeDecisions(ctx context.Context, decisions []toolDecision) ([]toolResult, bool) {
	results := make([]toolResult, len(decisions))

	i := 0
	for i < len(decisions) {
		d := decisions[i]

		if d.status == types.ToolRejected {
			results[i] = toolResult{callID: d.call.CallID, name: d.call.Name, rejected: true, output: "rejected by user"}
			s.bus.Publish(types.SessionOutput{Kind: types.OutputToolDone, CallID: d.call.CallID, Success: false, Output: results[i].output})
			i++
			continue
		}

		t, ok := s.cfg.Tools.Get(d.call.Name)
		if !ok || !t.ParallelSafe() || d.call.Name == questionToolName {
			res, stopped := s.executeOne(ctx, d.call, t)
			if stopped {
				return nil, true
			}
			results[i] = res
			s.bus.Publish(types.SessionOutput{Kind: types.OutputToolDone, CallID: res.callID, Success: res.err == "" && !res.rejected, Output: res.output})
			i++
			continue
		}

		j := i
		for j < len(decisions) {
			dj := decisions[j]
			if dj.status == types.ToolRejected {
				break
			}
			tj, ok := s.cfg.Tools.Get(dj.call.Name)
			if !ok || !tj.ParallelSafe() || dj.call.Name == questionToolName {
				break
			}
			j++
		}

		s.executeParallel(ctx, decisions[i:j], results[i:j])
		i = j
	}

	return results, false
}

// executeParallel runs a batch of approved, parallel_safe calls
// concurrently, bounded by cfg.ParallelDegree.
func (s *Session) executeParallel(ctx context.Context, decisions []toolDecision, results []toolResult) {
	sem := make(chan struct{}, s.cfg.ParallelDegree)
	var wg sync.WaitGroup

	for k := range decisions {
		wg.Add(1)
		sem <- struct{}{}
		go func(k int) {
			defer wg.Done()
			defer func() { <-sem }()

			d := decisions[k]
			t, _ := s.cfg.Tools.Get(d.call.Name)
			res, _ := s.executeOne(ctx, d.call, t)
			results[k] = res
			s.bus.Publish(types.SessionOutput{Kind: types.OutputToolDone, CallID: res.callID, Success: res.err == "" && !res.rejected, Output: res.output})
		}(k)
	}
	wg.Wait()
}

// executeOne runs a single approved call, dispatching the reserved question
// tool to askQuestion instead of the registry.
func (s *Session) executeOne(ctx context.Context, call types.ToolCall, t tool.Tool) (toolResult, bool) {
	if call.Name == questionToolName {
		return s.askQuestion(ctx, call)
	}
	if t == nil {
		return toolResult{callID: call.CallID, name: call.Name, err: "tool not found: " + call.Name}, false
	}

	toolCtx := &tool.Context{
		SessionID: s.cfg.ID,
		CallID:    call.CallID,
		WorkDir:   s.cfg.WorkDir,
	}
	result, err := t.Execute(ctx, call.Arguments, toolCtx)
	if err != nil {
		return toolResult{callID: call.CallID, name: call.Name, err: err.Error()}, false
	}
	return toolResult{callID: call.CallID, name: call.Name, output: result.Output}, false
}

// questionParams is the subset of a question call's arguments the loop
// needs; tools may carry additional fields the frontend renders directly.
type questionParams struct {
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
}

// askQuestion publishes an OutputQuestion and blocks until a matching
// AnswerQuestion input arrives, or the session is stopped.
func (s *Session) askQuestion(ctx context.Context, call types.ToolCall) (toolResult, bool) {
	var params questionParams
	_ = json.Unmarshal(call.Arguments, &params)
	requestID := params.RequestID
	if requestID == "" {
		requestID = call.CallID
	}

	s.bus.Publish(types.SessionOutput{
		Kind:      types.OutputQuestion,
		CallID:    call.CallID,
		RequestID: requestID,
		Options:   params.Options,
	})

	for {
		select {
		case <-ctx.Done():
			return toolResult{callID: call.CallID, name: call.Name, err: "cancelled"}, true
		case in := <-s.inputCh:
			switch in.Kind {
			case types.InputStop:
				s.setState(StateStopped)
				s.bus.Publish(types.SessionOutput{Kind: types.OutputStopped})
				return toolResult{}, true
			case types.InputAnswer:
				if in.RequestID != requestID {
					continue
				}
				out, _ := json.Marshal(in.Answers)
				return toolResult{callID: call.CallID, name: call.Name, output: string(out)}, false
			default:
				// Stray input while waiting on an answer; drop it.
			}
		}
	}
}
