package agent

import (
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

// charsPerToken is the coarse chars-to-tokens proxy used whenever real
// usage figures are unavailable.
const charsPerToken = 4

// trimTailKeep is how many trailing messages trimming always preserves.
const trimTailKeep = 6

// estimateMessageChars counts the characters a message contributes to
// the prompt, including tool-call payloads.
func estimateMessageChars(m models.Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	return chars
}

// estimateTokens approximates the token load of a message list.
func estimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += estimateMessageChars(m)
	}
	return chars / charsPerToken
}

// trimMessages drops whole messages from the middle of the history,
// oldest first, until the estimated token load fits targetTokens.
//
// The head (every system message plus the first user message) and the
// last trimTailKeep messages are never removed. A single placeholder user
// message is spliced in where the removed run began. When nothing in the
// middle is removable the input is returned unchanged.
//
// Trimming is lossy by design: it never attempts semantic compression.
// That is summarization's job.
func trimMessages(messages []models.Message, targetTokens int) []models.Message {
	deficit := estimateTokens(messages) - targetTokens
	if deficit <= 0 || len(messages) <= trimTailKeep {
		return messages
	}

	protected := make([]bool, len(messages))
	firstUserSeen := false
	for i, m := range messages {
		if m.Role == models.RoleSystem {
			protected[i] = true
		}
		if m.Role == models.RoleUser && !firstUserSeen {
			protected[i] = true
			firstUserSeen = true
		}
	}
	for i := len(messages) - trimTailKeep; i < len(messages); i++ {
		if i >= 0 {
			protected[i] = true
		}
	}

	freed := 0
	removed := 0
	spliceAt := -1
	remove := make([]bool, len(messages))
	for i, m := range messages {
		if protected[i] || freed >= deficit*charsPerToken {
			continue
		}
		remove[i] = true
		removed++
		freed += estimateMessageChars(m)
		if spliceAt < 0 {
			spliceAt = i
		}
	}
	if removed == 0 {
		return messages
	}

	placeholder := models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("[%d earlier interactions were trimmed to stay within the context window]", removed),
	}

	out := make([]models.Message, 0, len(messages)-removed+1)
	for i, m := range messages {
		if i == spliceAt {
			out = append(out, placeholder)
		}
		if remove[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}
