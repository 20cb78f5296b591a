package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// MemorySink receives important context before it is summarized away.
// Flushing is best-effort: failures are logged by the caller, never fatal.
type MemorySink interface {
	Flush(ctx context.Context, conversationID string, messages []models.Message) error
}

// NopMemorySink discards everything.
type NopMemorySink struct{}

// Flush implements MemorySink.
func (NopMemorySink) Flush(context.Context, string, []models.Message) error { return nil }

// summarizationInstruction asks the model for a summary that keeps what a
// future turn will need.
const summarizationInstruction = "Summarize the conversation transcript below into a concise brief. " +
	"Preserve decisions made, user preferences, important facts, and pending tasks. " +
	"Write in plain prose, third person, without preamble."

// buildSummarizationPrompt formats older history as a role-labeled
// transcript with the summarization instruction. priorSummary, when set,
// is folded in so successive summaries stay cumulative.
func buildSummarizationPrompt(priorSummary string, messages []models.Message) string {
	var b strings.Builder
	b.WriteString(summarizationInstruction)
	b.WriteString("\n\n")

	if priorSummary != "" {
		b.WriteString("Summary of even earlier conversation:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\n")
	}

	b.WriteString("Transcript:\n")
	for _, msg := range messages {
		label := string(msg.Role)
		switch msg.Role {
		case models.RoleAssistant:
			label = "Assistant"
		case models.RoleUser:
			label = "User"
		case models.RoleSystem:
			label = "System"
		case models.RoleTool:
			label = "Tool (" + msg.ToolName + ")"
		}

		content := msg.Content
		if content == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				names[i] = tc.Name
			}
			content = "[called tools: " + strings.Join(names, ", ") + "]"
		}

		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// summarySplitIndex finds where to cut history so the kept suffix fits
// within budgetChars (a token proxy) while retaining at least minKeep
// trailing messages. The returned index is the first kept message.
func summarySplitIndex(messages []models.Message, budgetChars, minKeep int) int {
	if len(messages) <= minKeep {
		return 0
	}

	chars := 0
	split := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		chars += estimateMessageChars(messages[i])
		if chars > budgetChars && len(messages)-i >= minKeep {
			break
		}
		split = i
	}

	if len(messages)-split < minKeep {
		split = len(messages) - minKeep
	}
	return split
}
