// Package compaction keeps conversation histories inside a model's
// context window. It layers three strategies: truncating oversized
// tool results, pruning old tool output, and LLM summarization of the
// oldest turns. All estimates are character-based heuristics so the
// package never needs a tokenizer.
package compaction

import (
	"github.com/relayops/relay/pkg/models"
)

// CharsPerToken is the heuristic ratio used to convert character
// counts to token estimates.
const CharsPerToken = 4

// DefaultContextWindow is used when no window is configured.
const DefaultContextWindow = 100000

// EstimateTokens estimates tokens for a string using ceiling division
// so short non-empty strings count as at least one token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// MessageChars counts the payload characters of a message: its content
// plus the name and arguments of every tool call it carries.
func MessageChars(msg models.Message) int {
	total := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += len(tc.Name) + len(tc.Args)
	}
	return total
}

// EstimateMessageTokens estimates tokens for a single message.
func EstimateMessageTokens(msg models.Message) int {
	chars := MessageChars(msg)
	if chars == 0 {
		return 0
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// HistoryChars counts payload characters across a whole history.
func HistoryChars(history []models.Message) int {
	total := 0
	for _, msg := range history {
		total += MessageChars(msg)
	}
	return total
}

// EstimateHistoryTokens estimates tokens across a whole history.
func EstimateHistoryTokens(history []models.Message) int {
	total := 0
	for _, msg := range history {
		total += EstimateMessageTokens(msg)
	}
	return total
}
