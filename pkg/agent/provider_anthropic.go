package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicDefaultMaxTokens is used when the request leaves MaxTokens
// unset; the messages API requires an explicit limit.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements LLMProvider against the Anthropic
// messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a client with the given key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is empty")
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

// Complete makes a single messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	anthropicMessages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == RoleSystem:
			// Handled via the System field below.
		case msg.Role == RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]interface{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("decode arguments for tool %q: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == RoleAssistant:
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		case msg.Role == RoleUser:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		}
	}
	if req.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range req.Tools {
			schema := map[string]interface{}{}
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					return nil, fmt.Errorf("decode schema for tool %q: %w", tool.Name, err)
				}
			}

			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]interface{}); ok {
				strSlice := make([]string, len(required))
				for i, v := range required {
					strSlice[i], _ = v.(string)
				}
				toolParam.InputSchema.Required = strSlice
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, err
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}

	return &LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
