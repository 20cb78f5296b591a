package providers

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

func TestCollectSystemPrompt(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "first"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "second"},
	}
	if got := collectSystemPrompt(messages); got != "first\n\nsecond" {
		t.Fatalf("unexpected system prompt %q", got)
	}
	if got := collectSystemPrompt(nil); got != "" {
		t.Fatalf("expected empty prompt, got %q", got)
	}
}

func TestConvertAnthropicMessagesSkipsSystemAndMeta(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleMeta, Content: "boundary marker"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}
	out, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected user and assistant only, got %d", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser || out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Fatalf("role mapping wrong: %s, %s", out[0].Role, out[1].Role)
	}
}

func TestConvertAnthropicMessagesToolResultRole(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleTool, Content: "cat pictures", ToolCallID: "c1", ToolName: "search"},
	}
	out, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// Tool results travel inside a user message.
	if len(out) != 1 || out[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("tool result should be a user message, got %+v", out)
	}
	block := out[0].Content[0].OfToolResult
	if block == nil {
		t.Fatal("expected a tool_result block")
	}
	if block.ToolUseID != "c1" {
		t.Fatalf("tool use id wrong: %s", block.ToolUseID)
	}
	if block.IsError.Or(true) {
		t.Fatal("successful result marked as error")
	}
}

func TestConvertAnthropicMessagesFailedToolResult(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleTool, Content: "Error: tool exploded", ToolCallID: "c1"},
	}
	out, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	block := out[0].Content[0].OfToolResult
	if block == nil || !block.IsError.Or(false) {
		t.Fatal("failed result not marked as error")
	}
}

func TestConvertAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "search", Input: []byte(`{broken`)},
		}},
	}
	if _, err := convertAnthropicMessages(messages); err == nil {
		t.Fatal("expected an error for unparsable tool input")
	}
}

func TestAnthropicAttachmentBlocks(t *testing.T) {
	blocks := anthropicAttachmentBlocks([]models.Attachment{
		{Type: "image", MimeType: "image/png", URL: "data:image/png;base64,AAAA"},
		{Type: "image", MimeType: "image/jpeg", URL: "https://example.com/cat.jpg"},
		{Type: "document", MimeType: "application/pdf", URL: "data:application/pdf;base64,BBBB"},
		{Type: "audio", MimeType: "audio/mp3", URL: "data:audio/mp3;base64,CCCC"},
	})
	// Two images and a document; audio has no representation.
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].OfImage == nil || blocks[1].OfImage == nil {
		t.Fatal("image blocks missing")
	}
	if blocks[2].OfDocument == nil {
		t.Fatal("document block missing")
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	cases := []struct {
		in   anthropic.StopReason
		want agent.FinishReason
	}{
		{anthropic.StopReasonEndTurn, agent.FinishStop},
		{anthropic.StopReasonStopSequence, agent.FinishStop},
		{anthropic.StopReasonToolUse, agent.FinishToolCalls},
		{anthropic.StopReasonMaxTokens, agent.FinishLength},
		{anthropic.StopReason("refusal"), agent.FinishOther},
	}
	for _, tc := range cases {
		if got := mapAnthropicStopReason(tc.in); got != tc.want {
			t.Errorf("mapAnthropicStopReason(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseDataURL(t *testing.T) {
	mediaType, data, ok := parseDataURL("data:image/png;base64,AAAA")
	if !ok || mediaType != "image/png" || data != "AAAA" {
		t.Fatalf("parse failed: %q %q %v", mediaType, data, ok)
	}

	for _, bad := range []string{
		"https://example.com/cat.png",
		"data:image/png,notbase64",
		"data:;base64,AAAA",
		"data:image/png;base64",
	} {
		if _, _, ok := parseDataURL(bad); ok {
			t.Errorf("parseDataURL(%q) should fail", bad)
		}
	}
}
