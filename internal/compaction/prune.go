package compaction

import (
	"strings"

	"github.com/relayops/relay/pkg/models"
)

// PruneHistory reduces context pressure by shrinking old tool results
// while leaving recent turns untouched. It works in two phases: a soft
// trim that keeps the head and tail of each old result, then, if the
// history is still heavy and enough prunable volume exists, a hard
// clear that replaces old results with a placeholder. Messages at or
// after the last KeepLastAssistants assistant turns are never touched,
// nor is anything before the first user message. The input slice is
// only copied when a change is actually made.
func PruneHistory(history []models.Message, s Settings) []models.Message {
	s = s.Sanitize()
	if len(history) == 0 {
		return history
	}

	cutoff, ok := assistantCutoff(history, s.KeepLastAssistants)
	if !ok {
		return history
	}
	start := firstUserIndex(history)
	if start < 0 || start >= cutoff {
		return history
	}

	charWindow := s.windowChars()
	total := HistoryChars(history)
	if float64(total)/float64(charWindow) < s.SoftTrimRatio {
		return history
	}

	prunable := makeToolPrunable(s.Tools)
	names := toolNamesByCallID(history)

	out := history
	cloned := false
	mutate := func() {
		if !cloned {
			out = make([]models.Message, len(history))
			copy(out, history)
			cloned = true
		}
	}

	// Soft trim pass. Also records which results could later be
	// cleared and how many characters they still hold.
	var clearable []int
	clearableChars := 0
	for i := start; i < cutoff; i++ {
		msg := out[i]
		if msg.Role != models.RoleTool {
			continue
		}
		name := msg.ToolName
		if name == "" {
			name = names[msg.ToolCallID]
		}
		if !prunable(name) {
			continue
		}
		if trimmed, changed := softTrim(msg.Content, s.SoftTrim); changed {
			mutate()
			total -= len(msg.Content) - len(trimmed)
			out[i].Content = trimmed
		}
		clearable = append(clearable, i)
		clearableChars += len(out[i].Content)
	}

	if float64(total)/float64(charWindow) < s.HardClearRatio {
		return out
	}
	if !s.HardClear.Enabled || clearableChars < s.MinPrunableToolChars {
		return out
	}

	// Hard clear pass, oldest first, until the ratio drops below the
	// hard threshold.
	placeholder := s.HardClear.Placeholder
	for _, i := range clearable {
		if len(out[i].Content) <= len(placeholder) {
			continue
		}
		mutate()
		total -= len(out[i].Content) - len(placeholder)
		out[i].Content = placeholder
		if float64(total)/float64(charWindow) < s.HardClearRatio {
			break
		}
	}
	return out
}

// assistantCutoff returns the index of the keep-th assistant message
// counted from the end. Everything at or after that index is
// protected. Reports false when the history has fewer assistant turns
// than keep.
func assistantCutoff(history []models.Message, keep int) (int, bool) {
	if keep <= 0 {
		return 0, false
	}
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != models.RoleAssistant {
			continue
		}
		seen++
		if seen == keep {
			return i, true
		}
	}
	return 0, false
}

func firstUserIndex(history []models.Message) int {
	for i, msg := range history {
		if msg.Role == models.RoleUser {
			return i
		}
	}
	return -1
}

// toolNamesByCallID maps tool call IDs to tool names so that results
// recorded without a name can still be matched against the filter.
func toolNamesByCallID(history []models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range history {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				names[tc.ID] = tc.Name
			}
		}
	}
	return names
}

func softTrim(content string, st SoftTrimSettings) (string, bool) {
	if len(content) <= st.MaxChars {
		return content, false
	}
	return trimMiddle(content, st.HeadChars, st.TailChars)
}

// makeToolPrunable builds the allow/deny predicate. Deny patterns win,
// an empty allow list allows everything, and matching is
// case-insensitive with '*' wildcards.
func makeToolPrunable(filter ToolFilter) func(string) bool {
	allow := normalizePatterns(filter.Allow)
	deny := normalizePatterns(filter.Deny)
	return func(name string) bool {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return len(allow) == 0
		}
		for _, p := range deny {
			if wildcardMatch(name, p) {
				return false
			}
		}
		if len(allow) == 0 {
			return true
		}
		for _, p := range allow {
			if wildcardMatch(name, p) {
				return true
			}
		}
		return false
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// wildcardMatch matches name against a pattern where '*' matches any
// run of characters, including none.
func wildcardMatch(name, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}
	return strings.HasSuffix(name, last)
}
