package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

const openaiDefaultModel = "gpt-4o"

// OpenAIClient adapts the canonical contract to OpenAI-style chat
// completions.
//
// Vendor specifics handled here: system messages stay inside the message
// list; tool calls are a parallel tool_calls array on the assistant
// message; each tool result is its own tool-role message; images travel
// as data-URL content parts, audio, video, and documents are dropped.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// OpenAIOption customizes client construction.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIModel overrides the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.defaultModel = model }
}

// WithOpenAIBaseURL points the adapter at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(apiKey, baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		c.client = openai.NewClientWithConfig(cfg)
	}
}

// NewOpenAIClient builds an adapter for the given API key.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		client:       openai.NewClient(apiKey),
		defaultModel: openaiDefaultModel,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements agent.Client.
func (c *OpenAIClient) Name() string { return "openai" }

// Complete implements agent.Client.
func (c *OpenAIClient) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	err := retry(ctx, c.maxRetries, c.retryDelay, retryableReason, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return openaiCompletion(resp), nil
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleMeta:
			continue

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, out)

		default:
			role := openai.ChatMessageRoleUser
			if msg.Role == models.RoleSystem {
				role = openai.ChatMessageRoleSystem
			}
			out := openai.ChatCompletionMessage{Role: role}

			if parts := openaiContentParts(msg); parts != nil {
				out.MultiContent = parts
			} else {
				out.Content = msg.Content
			}
			result = append(result, out)
		}
	}
	return result
}

// openaiContentParts builds the multi-content form when a message carries
// images. Non-image attachments have no chat-completions representation
// and are dropped.
func openaiContentParts(msg models.Message) []openai.ChatMessagePart {
	hasImage := false
	for _, att := range msg.Attachments {
		if att.IsImage() {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return nil
	}

	var parts []openai.ChatMessagePart
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range msg.Attachments {
		if !att.IsImage() {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

func convertOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				schema = nil
			}
		}
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func openaiCompletion(resp openai.ChatCompletionResponse) *agent.Completion {
	out := &agent.Completion{
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, choice := range resp.Choices {
		msg := models.Message{
			Role:    models.RoleAssistant,
			Content: choice.Message.Content,
		}
		for _, call := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: json.RawMessage(call.Function.Arguments),
			})
		}

		finish := mapOpenAIFinishReason(choice.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = agent.FinishToolCalls
		}
		out.Choices = append(out.Choices, agent.Choice{Message: msg, FinishReason: finish})
	}
	return out
}

func mapOpenAIFinishReason(reason openai.FinishReason) agent.FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return agent.FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonLength:
		return agent.FinishLength
	default:
		return agent.FinishOther
	}
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := Get(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := New("openai", model, err)
		pe.Message = apiErr.Message
		pe.Reason = Classify(errors.New(apiErr.Message))
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		return pe.WithStatus(apiErr.HTTPStatusCode)
	}
	return New("openai", model, err)
}
