// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/cowork-dev/cowork/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertFromEinoMessage converts Eino message to internal types.
func ConvertFromEinoMessage(msg *schema.Message, sessionID string) *types.Message {
	role := "assistant"
	if msg.Role == schema.User {
		role = "user"
	} else if msg.Role == schema.System {
		role = "system"
	} else if msg.Role == schema.Tool {
		role = "tool"
	}

	return &types.Message{
		SessionID: sessionID,
		Role:      role,
	}
}

// toolResultWrapperFmt is the wire format for a tool result sent back to the
// model (spec.md §6): "[Tool result for <call_id>]\n<body>\n[End of tool
// result. Please summarize the above for the user.]".
const toolResultWrapperFmt = "[Tool result for %s]\n%s\n[End of tool result. Please summarize the above for the user.]"

func formatToolResult(callID, body string) string {
	return fmt.Sprintf(toolResultWrapperFmt, callID, body)
}

// toolResultBody extracts a tool-role message's call_id and result text from
// its ToolPart, preferring Output and falling back to Error.
func toolResultBody(parts []types.Part) (callID, body string) {
	for _, part := range parts {
		pt, ok := part.(*types.ToolPart)
		if !ok {
			continue
		}
		callID = pt.ToolCallID
		switch {
		case pt.Output != nil:
			body = *pt.Output
		case pt.Error != nil:
			body = "Error: " + *pt.Error
		}
	}
	return callID, body
}

// convertMessage converts one non-tool message (system/user/assistant) to
// its Eino equivalent, building an assistant message's tool-call array from
// its ToolPart entries (role must be "assistant" for a ToolPart to be a
// call rather than a result).
func convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	}

	var content strings.Builder
	var toolCalls []schema.ToolCall
	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			content.WriteString(p.Text)
		case *types.ReasoningPart:
			content.WriteString(p.Text)
		case *types.ToolPart:
			inputJSON, _ := json.Marshal(p.Input)
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: p.ToolCallID,
				Function: schema.FunctionCall{
					Name:      p.ToolName,
					Arguments: string(inputJSON),
				},
			})
		}
	}

	return &schema.Message{Role: role, Content: content.String(), ToolCalls: toolCalls}
}

// ConvertToEinoMessages converts an internal conversation log into Eino
// wire messages. A "tool" role message carries a result, not a call (msg.Role
// decides which a ToolPart means, matching the teacher's convertMessage
// branch): its ToolPart.Output/Error becomes the message content, wrapped per
// spec.md §6, with ToolCallID set so the model can join it back to its call.
// Consecutive tool-role messages belonging to the same executed batch are
// merged into one wire message, each wrapped body concatenated with a blank
// line between them ("multi-result turns concatenate with blank lines").
func ConvertToEinoMessages(messages []*types.Message, parts map[string][]types.Part) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))

	for i := 0; i < len(messages); {
		msg := messages[i]
		if msg.Role != "tool" {
			result = append(result, convertMessage(msg, parts[msg.ID]))
			i++
			continue
		}

		var bodies []string
		firstCallID := ""
		for i < len(messages) && messages[i].Role == "tool" {
			callID, body := toolResultBody(parts[messages[i].ID])
			if firstCallID == "" {
				firstCallID = callID
			}
			bodies = append(bodies, formatToolResult(callID, body))
			i++
		}

		result = append(result, &schema.Message{
			Role:       schema.Tool,
			Content:    strings.Join(bodies, "\n\n"),
			ToolCallID: firstCallID,
		})
	}

	return result
}
