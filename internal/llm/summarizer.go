package llm

import (
	"context"
	"strings"

	"github.com/relayops/relay/internal/compaction"
	"github.com/relayops/relay/pkg/models"
)

const defaultSummaryInstructions = "Summarize the conversation below. " +
	"Keep concrete facts, decisions, open questions, file paths, and tool outcomes. " +
	"Write plain prose, no preamble."

// ChatSummarizer produces compaction summaries through a provider call
// with no tools attached.
type ChatSummarizer struct {
	provider  Provider
	model     string
	maxTokens int
}

// NewChatSummarizer builds a summarizer on top of provider. An empty
// model falls back to the provider's default.
func NewChatSummarizer(provider Provider, model string, maxTokens int) *ChatSummarizer {
	return &ChatSummarizer{provider: provider, model: model, maxTokens: maxTokens}
}

func (s *ChatSummarizer) Summarize(ctx context.Context, messages []models.Message, cfg compaction.SummaryConfig) (string, error) {
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = defaultSummaryInstructions
	}

	var b strings.Builder
	if cfg.PreviousSummary != "" {
		b.WriteString("Previous summary, fold the new conversation into it:\n")
		b.WriteString(cfg.PreviousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(compaction.FormatForSummary(messages))

	req := &Request{
		Model:     s.model,
		System:    instructions,
		Messages:  []models.Message{models.UserMessage(b.String())},
		MaxTokens: s.maxTokens,
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	resp, err := Collect(ctx, chunks, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
