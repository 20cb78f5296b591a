package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

const googleDefaultModel = "gemini-2.5-flash"

// GoogleClient adapts the canonical contract to the Gemini
// generateContent API.
//
// Vendor specifics handled here: the system prompt becomes a
// SystemInstruction; tool calls are functionCall parts and tool results
// functionResponse parts; images, audio, video, and documents all map to
// inline data blobs. Gemini's function-call parts can carry server-opaque
// state that must be echoed back verbatim on the next call, so the
// adapter caches them per conversation between the call that produced a
// tool call and the call that supplies its result.
type GoogleClient struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration

	mu sync.Mutex
	// pending holds the function-call parts of the last turn, keyed by
	// conversation id then by generated tool-call id. Invalidated once
	// the round-trip completes.
	pending map[string]map[string]*genai.Part
}

// GoogleOption customizes client construction.
type GoogleOption func(*GoogleClient)

// WithGoogleModel overrides the default model.
func WithGoogleModel(model string) GoogleOption {
	return func(c *GoogleClient) { c.defaultModel = model }
}

// NewGoogleClient builds an adapter for the given API key.
func NewGoogleClient(ctx context.Context, apiKey string, opts ...GoogleOption) (*GoogleClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	c := &GoogleClient{
		client:       client,
		defaultModel: googleDefaultModel,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		pending:      make(map[string]map[string]*genai.Part),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements agent.Client.
func (c *GoogleClient) Name() string { return "google" }

// Complete implements agent.Client.
func (c *GoogleClient) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	contents := c.convertMessages(req.ConversationID, req.Messages)
	config := c.buildConfig(req)

	var resp *genai.GenerateContentResponse
	err := retry(ctx, c.maxRetries, c.retryDelay, retryableReason, func() error {
		var callErr error
		resp, callErr = c.client.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.completion(req.ConversationID, resp), nil
}

func (c *GoogleClient) convertMessages(conversationID string, messages []models.Message) []*genai.Content {
	c.mu.Lock()
	cached := c.pending[conversationID]
	c.mu.Unlock()

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.Role == models.RoleMeta {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" && msg.Role != models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, att := range msg.Attachments {
			if part := googleAttachmentPart(att); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}

		for _, call := range msg.ToolCalls {
			// Echo the cached part verbatim when we still hold the one the
			// server produced; it may carry opaque continuation state.
			if cachedPart, ok := cached[call.ID]; ok {
				content.Parts = append(content.Parts, cachedPart)
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			name := msg.ToolName
			if name == "" {
				name = toolNameFromID(msg.ToolCallID, messages)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

// googleAttachmentPart maps any attachment with inline data to a blob
// part; Gemini accepts image, audio, video, and document media types.
func googleAttachmentPart(att models.Attachment) *genai.Part {
	if mediaType, encoded, ok := parseDataURL(att.URL); ok {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil
		}
		return &genai.Part{
			InlineData: &genai.Blob{Data: data, MIMEType: mediaType},
		}
	}
	if att.URL != "" {
		return &genai.Part{
			FileData: &genai.FileData{FileURI: att.URL, MIMEType: att.MimeType},
		}
	}
	return nil
}

func (c *GoogleClient) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := collectSystemPrompt(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to Gemini's Schema type.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}
	return schema
}

func (c *GoogleClient) completion(conversationID string, resp *genai.GenerateContentResponse) *agent.Completion {
	out := &agent.Completion{}
	if resp.UsageMetadata != nil {
		out.Usage = agent.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	newPending := make(map[string]*genai.Part)
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}

		msg := models.Message{Role: models.RoleAssistant}
		var texts []string
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				id := googleToolCallID(part.FunctionCall.Name)
				msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: args,
				})
				newPending[id] = part
			}
		}
		msg.Content = strings.Join(texts, "")

		finish := mapGoogleFinishReason(cand.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = agent.FinishToolCalls
		}
		out.Choices = append(out.Choices, agent.Choice{Message: msg, FinishReason: finish})
	}

	// A turn with function calls opens a round-trip: keep its parts for
	// the follow-up call. A turn without closes it.
	c.mu.Lock()
	if len(newPending) > 0 {
		c.pending[conversationID] = newPending
	} else {
		delete(c.pending, conversationID)
	}
	c.mu.Unlock()

	return out
}

func mapGoogleFinishReason(reason genai.FinishReason) agent.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return agent.FinishStop
	case genai.FinishReasonMaxTokens:
		return agent.FinishLength
	default:
		return agent.FinishOther
	}
}

// googleToolCallID synthesizes a call id; Gemini does not issue one.
func googleToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%s", name, uuid.NewString()[:8])
}

// toolNameFromID recovers the tool name of an observation by scanning the
// history for the matching assistant call.
func toolNameFromID(id string, messages []models.Message) string {
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			if call.ID == id {
				return call.Name
			}
		}
	}
	return "unknown"
}

func (c *GoogleClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := Get(err); ok {
		return err
	}
	// The genai SDK surfaces HTTP failures as text; classification falls
	// back to message patterns.
	return New("google", model, err)
}
