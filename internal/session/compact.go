package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/cowork-dev/cowork/internal/provider"
	"github.com/cowork-dev/cowork/pkg/types"
)

// CompactionConfig controls message compaction behavior.
type CompactionConfig struct {
	// MinMessagesToKeep is the minimum number of recent messages left
	// untouched after compaction.
	MinMessagesToKeep int

	// SummaryMaxTokens bounds the generated summary's length.
	SummaryMaxTokens int

	// ContextThreshold is the fraction of context usage that should trigger
	// compaction; internal/manager checks this against the last message's
	// token usage before calling Compact.
	ContextThreshold float64
}

// DefaultCompactionConfig is used when a session's config does not
// override compaction behavior.
var DefaultCompactionConfig = CompactionConfig{
	MinMessagesToKeep: 4,
	SummaryMaxTokens:  2000,
	ContextThreshold:  0.75,
}

const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// NeedsCompaction reports whether a session's message count already
// exceeds what a compaction pass would keep, the cheap pre-check
// internal/manager runs before consulting ContextThreshold.
func NeedsCompaction(cfg CompactionConfig, messageCount int) bool {
	return messageCount > cfg.MinMessagesToKeep
}

// Compact summarizes every message but the most recent MinMessagesToKeep
// into a single assistant message, replacing the compacted span in place.
// It is a supplementary feature beyond the bare FSM: long sessions would
// otherwise grow their every-turn request without bound.
func (s *Session) Compact(ctx context.Context, cfg CompactionConfig) error {
	s.mu.Lock()
	if len(s.messages) <= cfg.MinMessagesToKeep {
		s.mu.Unlock()
		return nil
	}
	cutoff := len(s.messages) - cfg.MinMessagesToKeep
	toCompact := make([]*types.Message, cutoff)
	copy(toCompact, s.messages[:cutoff])
	partsSnapshot := make(map[string][]types.Part, len(s.parts))
	for k, v := range s.parts {
		partsSnapshot[k] = v
	}
	s.mu.Unlock()

	prompt := buildSummaryPrompt(toCompact, partsSnapshot)

	stream, err := s.cfg.Provider.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: s.cfg.ModelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens: cfg.SummaryMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("create compaction completion: %w", err)
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("receive compaction chunk: %w", err)
		}
		summary.WriteString(msg.Content)
	}

	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:         newID(),
		SessionID:  s.cfg.ID,
		Role:       "assistant",
		Time:       types.MessageTime{Created: now},
		ModelID:    s.cfg.ModelID,
		ProviderID: s.cfg.ProviderID,
		Tokens: &types.TokenUsage{
			Input:  estimateTokens(prompt),
			Output: estimateTokens(summary.String()),
		},
	}
	summaryText := "Summary of earlier conversation:\n\n" + summary.String()
	summaryPart := &types.TextPart{
		ID:        newID(),
		SessionID: s.cfg.ID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      summaryText,
	}

	s.mu.Lock()
	kept := s.messages[cutoff:]
	s.messages = append([]*types.Message{summaryMsg}, kept...)
	newParts := map[string][]types.Part{summaryMsg.ID: {summaryPart}}
	for _, m := range kept {
		if p, ok := s.parts[m.ID]; ok {
			newParts[m.ID] = p
		}
	}
	s.parts = newParts
	s.mu.Unlock()

	s.bus.Publish(types.SessionOutput{
		Kind: types.OutputAssistantMessage,
		Message: &types.AssistantTurn{
			MessageID: summaryMsg.ID,
			Text:      summaryText,
		},
	})
	return nil
}

// buildSummaryPrompt renders a span of messages (with their parts) as
// plain text for a summarization request.
func buildSummaryPrompt(messages []*types.Message, parts map[string][]types.Part) string {
	var prompt strings.Builder
	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n")
	prompt.WriteString("---\n\n")

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}

		for _, part := range parts[msg.ID] {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.ToolName))
				if pt.Output != nil {
					output := *pt.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					prompt.WriteString(output)
					prompt.WriteString("\n")
				}
			}
		}
		prompt.WriteString("\n")
	}

	return prompt.String()
}

// estimateTokens provides a rough ~4-characters-per-token estimate, used
// only for the summary message's own token-usage bookkeeping.
func estimateTokens(text string) int {
	return len(text) / 4
}
