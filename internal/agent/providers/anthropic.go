package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// anthropicDefaultMaxTokens applies when the request sets no cap; the
// Messages API requires an explicit value.
const anthropicDefaultMaxTokens = 4096

// AnthropicClient adapts the canonical contract to the Anthropic
// Messages API.
//
// Vendor specifics handled here: the system prompt travels outside the
// message list; tool calls are tool_use content blocks; tool results are
// tool_result blocks inside a user message; images and PDF documents map
// to content blocks, audio and video are dropped.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// AnthropicOption customizes client construction.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *AnthropicClient) { c.defaultModel = model }
}

// NewAnthropicClient builds an adapter for the given API key.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: anthropicDefaultModel,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements agent.Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete implements agent.Client.
func (c *AnthropicClient) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, c.wrapError(err, model)
	}
	tools, err := convertAnthropicTools(req.Tools)
	if err != nil {
		return nil, c.wrapError(err, model)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system := collectSystemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var msg *anthropic.Message
	err = retry(ctx, c.maxRetries, c.retryDelay, retryableReason, func() error {
		var callErr error
		msg, callErr = c.client.Messages.New(ctx, params)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return anthropicCompletion(msg), nil
}

// collectSystemPrompt joins system-role entries; Anthropic carries them
// outside the turn list.
func collectSystemPrompt(messages []models.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == models.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.Role == models.RoleMeta {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			// Tool results are tool_result blocks in a user message. The
			// loop marks failures with an "Error: " prefix.
			isError := strings.HasPrefix(msg.Content, "Error: ")
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		content = append(content, anthropicAttachmentBlocks(msg.Attachments)...)

		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

// anthropicAttachmentBlocks maps images and PDF documents to content
// blocks. Audio and video have no Anthropic representation and are
// dropped rather than failing the call.
func anthropicAttachmentBlocks(attachments []models.Attachment) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, att := range attachments {
		switch {
		case att.IsImage():
			if mediaType, data, ok := parseDataURL(att.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else if att.URL != "" {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: att.URL}))
			}
		case att.IsDocument():
			if _, data, ok := parseDataURL(att.URL); ok {
				blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: data}))
			}
		}
	}
	return blocks
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func anthropicCompletion(msg *anthropic.Message) *agent.Completion {
	out := models.Message{Role: models.RoleAssistant}
	var texts []string

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			texts = append(texts, variant.Text)
		case anthropic.ToolUseBlock:
			input := variant.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(input),
			})
		}
	}
	out.Content = strings.Join(texts, "")

	finish := mapAnthropicStopReason(msg.StopReason)
	if len(out.ToolCalls) > 0 {
		finish = agent.FinishToolCalls
	}

	usage := agent.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &agent.Completion{
		Choices: []agent.Choice{{Message: out, FinishReason: finish}},
		Usage:   usage,
	}
}

func mapAnthropicStopReason(reason anthropic.StopReason) agent.FinishReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return agent.FinishToolCalls
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return agent.FinishStop
	case anthropic.StopReasonMaxTokens:
		return agent.FinishLength
	default:
		return agent.FinishOther
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := Get(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := New("anthropic", model, err)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					pe.Message = payload.Error.Message
					pe.Reason = Classify(errors.New(payload.Error.Message))
				}
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					pe = pe.WithRequestID(payload.RequestID)
				}
			}
		}
		return pe.WithStatus(apiErr.StatusCode)
	}
	return New("anthropic", model, err)
}

// parseDataURL splits a base64 data URL into media type and payload.
func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}
