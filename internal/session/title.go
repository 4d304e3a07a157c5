package session

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/cowork-dev/cowork/internal/provider"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

// DefaultTitle is the placeholder every new session starts with, replaced
// once GenerateTitle succeeds on the first user message.
const DefaultTitle = "New Session"

// IsDefaultTitle reports whether a title is still the unmodified default,
// the signal internal/manager uses to decide whether a session is still
// eligible for auto-titling.
func IsDefaultTitle(title string) bool {
	return title == DefaultTitle || strings.HasPrefix(title, DefaultTitle)
}

// GenerateTitle asks the given provider/model for a short title summarizing
// userContent. It is a best-effort call: on any provider error it returns
// an empty string rather than failing the turn that triggered it.
func GenerateTitle(ctx context.Context, prov provider.Provider, modelID, userContent string) string {
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: modelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: titleSystemPrompt},
			{Role: schema.User, Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 50,
	})
	if err != nil {
		return ""
	}
	defer stream.Close()

	var title strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
		title.WriteString(msg.Content)
	}

	titleText := strings.TrimSpace(title.String())
	for _, line := range strings.Split(titleText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			titleText = line
			break
		}
	}

	if len(titleText) > 100 {
		titleText = titleText[:97] + "..."
	}
	return titleText
}
