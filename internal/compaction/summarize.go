package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/relayops/relay/pkg/models"
)

// SummaryMarker prefixes the system message that replaces summarized
// history. Detection of an existing summary matches on this prefix, so
// it must stay stable across versions.
const SummaryMarker = "[compaction] Previous conversation summary:"

// DefaultSummaryFallback stands in when summarization produces no
// text at all.
const DefaultSummaryFallback = "No prior history."

const (
	// oversizedShare marks a single message too large to feed into a
	// summarization call, as a share of the context window.
	oversizedShare = 0.5
	// minMessagesForSplit is the smallest history worth splitting into
	// stages rather than summarizing in one pass.
	minMessagesForSplit = 4
	// defaultSplitParts is how many stages the last-resort split uses.
	defaultSplitParts = 2

	mergeInstructions = "Merge the chunk summaries into one coherent summary of the whole conversation. Keep concrete facts, decisions, open questions, and tool outcomes."
)

// SummaryConfig carries per-call summarization parameters.
type SummaryConfig struct {
	// PreviousSummary, when set, asks the summarizer to fold the new
	// messages into it instead of starting fresh.
	PreviousSummary string
	// Instructions optionally override the default summary prompt.
	Instructions string
	// MaxChunkTokens bounds how much history a single summarization
	// call receives.
	MaxChunkTokens int
}

// Summarizer produces a prose summary of a slice of messages. The LLM
// backed implementation lives with the providers; tests use fakes.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message, cfg SummaryConfig) (string, error)
}

// Result reports what Compact did.
type Result struct {
	History      []models.Message
	Summary      string
	Summarized   int
	TokensBefore int
	TokensAfter  int
	Changed      bool
}

// IsSummaryMessage reports whether msg is a compaction summary.
func IsSummaryMessage(msg models.Message) bool {
	return msg.Role == models.RoleSystem && strings.HasPrefix(msg.Content, SummaryMarker)
}

// FindSummaryIndex returns the index of the summary message, or -1.
// Histories hold at most one; if several are present the last wins.
func FindSummaryIndex(history []models.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if IsSummaryMessage(history[i]) {
			return i
		}
	}
	return -1
}

// SummaryText extracts the prose part of a summary message.
func SummaryText(msg models.Message) string {
	return strings.TrimSpace(strings.TrimPrefix(msg.Content, SummaryMarker))
}

// ShouldCompactProactively reports whether the history is close enough
// to the window that it should be summarized before the next request.
// Real usage from the last response is preferred over the estimate.
func ShouldCompactProactively(lastUsage *models.Usage, history []models.Message, s Settings) bool {
	s = s.Sanitize()
	tokens := 0
	if lastUsage != nil && lastUsage.TotalTokens > 0 {
		tokens = lastUsage.TotalTokens
	} else {
		tokens = EstimateHistoryTokens(history)
	}
	return float64(tokens) >= float64(s.ContextWindowTokens)*s.ProactiveRatio
}

// Compact folds the oldest part of the history into a single summary
// message. The most recent KeepLastAssistants assistant turns and
// everything after them are kept verbatim, and the cut never separates
// an assistant from its tool results. When a summary from an earlier
// compaction exists it is updated rather than stacked.
//
// Summarization is attempted three ways before giving up: one chunked
// pass, a pass that skips oversized messages with a note, and a staged
// split-and-merge pass.
func Compact(ctx context.Context, sum Summarizer, history []models.Message, s Settings) (Result, error) {
	s = s.Sanitize()
	res := Result{
		History:      history,
		TokensBefore: EstimateHistoryTokens(history),
		TokensAfter:  EstimateHistoryTokens(history),
	}
	if len(history) == 0 || sum == nil {
		return res, nil
	}

	prevIdx := FindSummaryIndex(history)
	prev := ""
	start := 0
	if prevIdx >= 0 {
		prev = SummaryText(history[prevIdx])
		start = prevIdx + 1
	}
	if fu := firstUserIndex(history); fu < 0 {
		return res, nil
	} else if fu > start {
		start = fu
	}

	// cutoff is the index of an assistant message, so the kept tail
	// always starts with the assistant that owns any tool results
	// following it.
	cutoff, ok := assistantCutoff(history, s.KeepLastAssistants)
	if !ok || cutoff <= start {
		return res, nil
	}

	toSummarize := history[start:cutoff]
	cfg := SummaryConfig{
		PreviousSummary: prev,
		MaxChunkTokens:  adaptiveChunkTokens(EstimateHistoryTokens(toSummarize), s),
	}

	summary, err := SummarizeChunks(ctx, sum, toSummarize, cfg)
	if err != nil {
		summary, err = SummarizeSkippingOversized(ctx, sum, toSummarize, cfg, s.ContextWindowTokens)
	}
	if err != nil {
		summary, err = SummarizeInStages(ctx, sum, toSummarize, cfg, defaultSplitParts)
	}
	if err != nil {
		return res, fmt.Errorf("summarize history: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		summary = DefaultSummaryFallback
	}

	out := make([]models.Message, 0, start+1+len(history)-cutoff)
	for i := 0; i < start; i++ {
		if i == prevIdx {
			continue
		}
		out = append(out, history[i])
	}
	out = append(out, models.SystemMessage(SummaryMarker+"\n"+summary))
	out = append(out, keepTail(history[cutoff:])...)

	res.History = out
	res.Summary = summary
	res.Summarized = cutoff - start
	res.TokensAfter = EstimateHistoryTokens(out)
	res.Changed = true
	return res, nil
}

// keepTail copies the kept suffix, dropping tool results whose calling
// assistant is not part of it. Providers reject results without the
// originating call.
func keepTail(tail []models.Message) []models.Message {
	ids := make(map[string]bool)
	for _, msg := range tail {
		for _, tc := range msg.ToolCalls {
			ids[tc.ID] = true
		}
	}
	out := make([]models.Message, 0, len(tail))
	for _, msg := range tail {
		if msg.Role == models.RoleTool && msg.ToolCallID != "" && !ids[msg.ToolCallID] {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// SummarizeChunks splits the messages into token-bounded chunks,
// summarizes each, and merges the chunk summaries when there is more
// than one.
func SummarizeChunks(ctx context.Context, sum Summarizer, messages []models.Message, cfg SummaryConfig) (string, error) {
	chunks := ChunkByMaxTokens(messages, cfg.MaxChunkTokens)
	if len(chunks) == 0 {
		return "", nil
	}
	if len(chunks) == 1 {
		return sum.Summarize(ctx, chunks[0], cfg)
	}
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		chunkCfg := cfg
		if i > 0 {
			// Only the first chunk folds in the previous summary.
			chunkCfg.PreviousSummary = ""
		}
		s, err := sum.Summarize(ctx, chunk, chunkCfg)
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		summaries = append(summaries, s)
	}
	return mergeSummaries(ctx, sum, summaries, cfg)
}

// SummarizeSkippingOversized summarizes whatever fits and appends a
// note for each message too large to summarize at all.
func SummarizeSkippingOversized(ctx context.Context, sum Summarizer, messages []models.Message, cfg SummaryConfig, windowTokens int) (string, error) {
	if windowTokens <= 0 {
		windowTokens = DefaultContextWindow
	}
	kept := make([]models.Message, 0, len(messages))
	var notes []string
	for _, msg := range messages {
		if IsOversizedForSummary(msg, windowTokens) {
			notes = append(notes, fmt.Sprintf("[Oversized %s message with %d tokens - content omitted]", msg.Role, EstimateMessageTokens(msg)))
			continue
		}
		kept = append(kept, msg)
	}

	summary := ""
	if len(kept) > 0 {
		s, err := SummarizeChunks(ctx, sum, kept, cfg)
		if err != nil {
			return "", err
		}
		summary = s
	}
	if summary == "" {
		summary = DefaultSummaryFallback
	}
	if len(notes) > 0 {
		summary = summary + "\n\n" + strings.Join(notes, "\n")
	}
	return summary, nil
}

// SummarizeInStages splits the history into roughly equal token shares
// and folds the parts together one after another. Used as a last
// resort when both direct passes fail.
func SummarizeInStages(ctx context.Context, sum Summarizer, messages []models.Message, cfg SummaryConfig, parts int) (string, error) {
	if parts < 2 || len(messages) < minMessagesForSplit {
		return SummarizeChunks(ctx, sum, messages, cfg)
	}
	running := cfg.PreviousSummary
	for i, stage := range SplitByTokenShare(messages, parts) {
		if len(stage) == 0 {
			continue
		}
		stageCfg := cfg
		stageCfg.PreviousSummary = running
		s, err := SummarizeChunks(ctx, sum, stage, stageCfg)
		if err != nil {
			return "", fmt.Errorf("summarize stage %d/%d: %w", i+1, parts, err)
		}
		running = s
	}
	return running, nil
}

func mergeSummaries(ctx context.Context, sum Summarizer, summaries []string, cfg SummaryConfig) (string, error) {
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	synthetic := make([]models.Message, 0, len(summaries))
	for i, s := range summaries {
		synthetic = append(synthetic, models.SystemMessage(fmt.Sprintf("Chunk %d summary:\n%s", i+1, s)))
	}
	mergeCfg := cfg
	mergeCfg.PreviousSummary = ""
	mergeCfg.Instructions = mergeInstructions
	return sum.Summarize(ctx, synthetic, mergeCfg)
}

// IsOversizedForSummary reports whether a single message is too large
// to be part of any summarization call.
func IsOversizedForSummary(msg models.Message, windowTokens int) bool {
	return float64(EstimateMessageTokens(msg)) > float64(windowTokens)*oversizedShare
}

// adaptiveChunkTokens shrinks the chunk size as the history grows so
// that summary calls themselves leave headroom in the window.
func adaptiveChunkTokens(historyTokens int, s Settings) int {
	windowRatio := float64(historyTokens) / float64(s.ContextWindowTokens)
	if windowRatio > 1 {
		windowRatio = 1
	}
	ratio := s.BaseChunkRatio * (1 - windowRatio*s.SafetyMargin)
	if ratio < s.MinChunkRatio {
		ratio = s.MinChunkRatio
	}
	if ratio > s.BaseChunkRatio {
		ratio = s.BaseChunkRatio
	}
	return int(ratio * float64(s.ContextWindowTokens))
}

// ChunkByMaxTokens groups consecutive messages into chunks of at most
// maxTokens. A message larger than maxTokens gets a chunk of its own.
func ChunkByMaxTokens(messages []models.Message, maxTokens int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{messages}
	}
	var chunks [][]models.Message
	var current []models.Message
	currentTokens := 0
	for _, msg := range messages {
		tokens := EstimateMessageTokens(msg)
		if tokens > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []models.Message{msg})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// SplitByTokenShare divides messages into parts of roughly equal token
// weight, preserving order.
func SplitByTokenShare(messages []models.Message, parts int) [][]models.Message {
	if parts <= 1 || len(messages) <= 1 {
		return [][]models.Message{messages}
	}
	if parts > len(messages) {
		parts = len(messages)
	}
	target := EstimateHistoryTokens(messages) / parts
	if target <= 0 {
		target = 1
	}
	out := make([][]models.Message, 0, parts)
	var current []models.Message
	currentTokens := 0
	for _, msg := range messages {
		current = append(current, msg)
		currentTokens += EstimateMessageTokens(msg)
		if currentTokens >= target && len(out) < parts-1 {
			out = append(out, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// FormatForSummary renders messages as plain text for a summarization
// prompt. Tool call arguments are truncated so one huge call cannot
// dominate the prompt.
func FormatForSummary(messages []models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString("[")
		b.WriteString(string(msg.Role))
		b.WriteString("]: ")
		b.WriteString(msg.Content)
		if len(msg.ToolCalls) > 0 {
			calls := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, fmt.Sprintf("%s(%s)", tc.Name, truncateString(string(tc.Args), 200)))
			}
			b.WriteString("\n [Tool calls: ")
			b.WriteString(strings.Join(calls, ", "))
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
