package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/cowork-dev/cowork/internal/logging"
	"github.com/cowork-dev/cowork/internal/provider"
	"github.com/cowork-dev/cowork/pkg/types"
)

// Loop runs the session's FSM to completion: Idle, waiting on input, through
// Streaming/Gating/AwaitingApproval/Executing and back, until a Stop input
// or ctx cancellation drives it to StateStopped. It is meant to run in its
// own goroutine; Push feeds it and Bus().Subscribe() drains its output.
func (s *Session) Loop(ctx context.Context) {
	defer s.once.Do(func() { close(s.stopped) })

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	s.bus.Publish(types.SessionOutput{Kind: types.OutputReady})

	for {
		s.setState(StateIdle)

		var in types.SessionInput
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return
		case in = <-s.inputCh:
		}

		switch in.Kind {
		case types.InputStop:
			s.setState(StateStopped)
			s.bus.Publish(types.SessionOutput{Kind: types.OutputStopped})
			return
		case types.InputUserMessage:
			s.handleUserMessage(turnCtx, in)
		default:
			// ApproveTool/RejectTool/AnswerQuestion arriving while Idle have
			// no pending decision to resolve; ignore them rather than
			// erroring the whole loop over a stale or duplicate input.
			logging.Debug().Str("sessionID", s.cfg.ID).Str("kind", string(in.Kind)).
				Msg("ignoring input with no pending turn")
		}

		if s.State() == StateStopped {
			return
		}
	}
}

// handleUserMessage runs one full turn: the initial completion request, any
// number of Gating/AwaitingApproval/Executing round-trips the assistant's
// tool calls require, and as many re-entries into Streaming as the model
// keeps requesting tools, until it finishes with no further tool calls or
// the session is stopped.
func (s *Session) handleUserMessage(ctx context.Context, in types.SessionInput) {
	now := time.Now()
	userMsg := &types.Message{
		ID:        newID(),
		SessionID: s.cfg.ID,
		Role:      "user",
		Time:      types.MessageTime{Created: now.UnixMilli()},
	}
	textPart := &types.TextPart{
		ID:        newID(),
		SessionID: s.cfg.ID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      in.Text,
	}
	s.appendMessage(userMsg, []types.Part{textPart})
	s.bus.Publish(types.SessionOutput{Kind: types.OutputUserMessageEcho, Text: in.Text})

	for {
		s.setState(StateStreaming)
		turn, calls, err := s.runTurn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.Publish(types.SessionOutput{Kind: types.OutputError, Text: err.Error()})
			s.setState(StateIdle)
			return
		}

		s.bus.Publish(types.SessionOutput{Kind: types.OutputAssistantMessage, Message: turn})

		if len(calls) == 0 {
			s.bus.Publish(types.SessionOutput{Kind: types.OutputIdle})
			return
		}

		results, stopped := s.gateAndExecute(ctx, turn.MessageID, calls)
		if stopped {
			return
		}
		s.appendToolResults(turn.MessageID, results)
		// Loop back into Streaming with the extended history (spec.md
		// §4.3: "Executing --results--> Streaming").
	}
}

// runTurn drives one streaming completion to its end, accumulating text,
// reasoning, and tool-call deltas exactly as the eino streaming model
// delivers them (Index-keyed start/delta events), and returns the
// finalized assistant turn plus the tool calls it announced.
func (s *Session) runTurn(ctx context.Context) (*types.AssistantTurn, []types.ToolCall, error) {
	sysMsgs := s.systemMessage()
	reqParts := s.Parts()
	for _, sm := range sysMsgs {
		reqParts[sm.ID] = []types.Part{&types.TextPart{ID: newID(), SessionID: s.cfg.ID, MessageID: sm.ID, Type: "text", Text: *sm.System}}
	}
	reqMessages := provider.ConvertToEinoMessages(append(sysMsgs, s.Messages()...), reqParts)

	toolInfos, err := s.cfg.Tools.ToolInfos()
	if err != nil {
		return nil, nil, fmt.Errorf("build tool infos: %w", err)
	}

	var stream *provider.CompletionStream
	connect := func() error {
		st, cErr := s.cfg.Provider.CreateCompletion(ctx, &provider.CompletionRequest{
			Model:    s.cfg.ModelID,
			Messages: reqMessages,
			Tools:    toolInfos,
		})
		if cErr != nil {
			return cErr
		}
		stream = st
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, fmt.Errorf("create completion: %w", err)
	}
	defer stream.Close()

	messageID := newID()
	acc := newTurnAccumulator(s, messageID)

	for {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("receive chunk: %w", err)
		}
		acc.absorb(msg)
	}

	turn, calls := acc.finalize()

	assistantMsg := &types.Message{
		ID:         messageID,
		SessionID:  s.cfg.ID,
		Role:       "assistant",
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
		ModelID:    s.cfg.ModelID,
		ProviderID: s.cfg.ProviderID,
	}
	s.appendMessage(assistantMsg, acc.parts)

	return turn, calls, nil
}

// systemMessage wraps the session's system prompt, if any, as the leading
// message of the request, without persisting it into the conversation log.
func (s *Session) systemMessage() []*types.Message {
	if s.cfg.SystemText == "" {
		return nil
	}
	sys := s.cfg.SystemText
	return []*types.Message{{
		ID:        "system",
		SessionID: s.cfg.ID,
		Role:      "system",
		System:    &sys,
	}}
}

// appendToolResults records one tool-role message per executed call so the
// next turn's request carries their outputs, matching spec.md §3's
// Message{Tool(call_id, output)} variant.
func (s *Session) appendToolResults(assistantMessageID string, results []toolResult) {
	for _, r := range results {
		now := time.Now().UnixMilli()
		msg := &types.Message{
			ID:        newID(),
			SessionID: s.cfg.ID,
			Role:      "tool",
			Time:      types.MessageTime{Created: now},
		}
		toolPart := &types.ToolPart{
			ID:         newID(),
			SessionID:  s.cfg.ID,
			MessageID:  msg.ID,
			Type:       "tool",
			ToolCallID: r.callID,
			ToolName:   r.name,
			State:      toolStateString(r),
			Output:     strPtr(r.output),
		}
		if r.err != "" {
			toolPart.Error = strPtr(r.err)
		}
		s.appendMessage(msg, []types.Part{toolPart})
	}
}

func toolStateString(r toolResult) string {
	if r.rejected {
		return "error"
	}
	if r.err != "" {
		return "error"
	}
	return "completed"
}

func strPtr(s string) *string { return &s }

// turnAccumulator rebuilds one assistant message (text, reasoning, tool
// calls) from a sequence of eino streaming chunks, publishing deltas to the
// bus as they arrive. Tool calls are tracked by stream Index per eino's
// convention (start chunk carries ID+Name, delta chunks carry only
// Arguments fragments); a bare ID is used as a fallback key for providers
// that omit Index.
type turnAccumulator struct {
	s         *Session
	messageID string

	text      strings.Builder
	reasoning strings.Builder

	order      []string // lookup keys, in first-seen order
	toolCalls  map[string]*toolCallAcc
	parts      []types.Part
	textPart   *types.TextPart
	reasonPart *types.ReasoningPart
}

type toolCallAcc struct {
	callID  string
	name    string
	args    strings.Builder
	started bool
}

func newTurnAccumulator(s *Session, messageID string) *turnAccumulator {
	return &turnAccumulator{s: s, messageID: messageID, toolCalls: make(map[string]*toolCallAcc)}
}

func (a *turnAccumulator) absorb(msg *schema.Message) {
	if msg.Content != "" {
		a.text.WriteString(msg.Content)
		a.s.bus.Publish(types.SessionOutput{Kind: types.OutputTextDelta, Text: msg.Content})
		if a.textPart == nil {
			a.textPart = &types.TextPart{ID: newID(), SessionID: a.s.cfg.ID, MessageID: a.messageID, Type: "text"}
			a.parts = append(a.parts, a.textPart)
		}
		a.textPart.Text = a.text.String()
	}

	if msg.ReasoningContent != "" {
		a.reasoning.WriteString(msg.ReasoningContent)
		a.s.bus.Publish(types.SessionOutput{Kind: types.OutputThinkingDelta, Text: msg.ReasoningContent})
		if a.reasonPart == nil {
			a.reasonPart = &types.ReasoningPart{ID: newID(), SessionID: a.s.cfg.ID, MessageID: a.messageID, Type: "reasoning"}
			a.parts = append(a.parts, a.reasonPart)
		}
		a.reasonPart.Text = a.reasoning.String()
	}

	for _, tc := range msg.ToolCalls {
		key := toolCallKey(tc)
		if key == "" {
			continue
		}
		acc, exists := a.toolCalls[key]
		if !exists {
			acc = &toolCallAcc{}
			a.toolCalls[key] = acc
			a.order = append(a.order, key)
		}
		if tc.ID != "" {
			acc.callID = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.args.WriteString(tc.Function.Arguments)
		}
		if !acc.started && acc.callID != "" && acc.name != "" {
			acc.started = true
			a.s.bus.Publish(types.SessionOutput{Kind: types.OutputToolStart, CallID: acc.callID, Tool: acc.name})
		}
	}
}

func toolCallKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return fmt.Sprintf("idx:%d", *tc.Index)
	}
	return tc.ID
}

// finalize closes out every open part and returns the turn's flattened
// text plus its ordered tool calls (declaration order, per first-seen
// index), ready for gating.
func (a *turnAccumulator) finalize() (*types.AssistantTurn, []types.ToolCall) {
	calls := make([]types.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		acc := a.toolCalls[key]
		if acc.callID == "" {
			continue
		}
		raw := acc.args.String()
		if raw == "" {
			raw = "{}"
		}
		calls = append(calls, types.ToolCall{
			CallID:    acc.callID,
			Name:      acc.name,
			Arguments: json.RawMessage(raw),
		})
	}

	turn := &types.AssistantTurn{
		MessageID: a.messageID,
		Text:      a.text.String(),
		ToolCalls: calls,
	}
	return turn, calls
}

func newID() string { return ulid.Make().String() }
