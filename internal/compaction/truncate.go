package compaction

import (
	"fmt"

	"github.com/relayops/relay/pkg/models"
)

// aggressiveDivisor and aggressiveMaxChars shrink the truncation
// threshold when a request keeps overflowing after normal compaction.
const (
	aggressiveDivisor  = 4
	aggressiveMaxChars = 50000
)

// ToolResultThreshold returns the per-result character cap: the lesser
// of a share of the context window and the absolute hard cap.
func ToolResultThreshold(s Settings) int {
	byShare := int(float64(s.windowChars()) * s.MaxToolResultContextShare)
	if byShare <= 0 || byShare > s.HardMaxToolResultChars {
		return s.HardMaxToolResultChars
	}
	return byShare
}

// AggressiveThreshold is the last-resort cap used after repeated
// overflows: a quarter of the normal threshold, never above 50k chars.
func AggressiveThreshold(s Settings) int {
	t := ToolResultThreshold(s) / aggressiveDivisor
	if t > aggressiveMaxChars {
		t = aggressiveMaxChars
	}
	if t < 1 {
		t = 1
	}
	return t
}

// TruncateOversizedToolResults replaces the content of any tool result
// larger than the threshold with its head and tail plus a note saying
// what was cut. The input slice is not modified; when nothing is over
// the threshold it is returned as is. The second return value is the
// number of results truncated.
func TruncateOversizedToolResults(history []models.Message, s Settings) ([]models.Message, int) {
	return truncateToolResults(history, ToolResultThreshold(s))
}

// TruncateAggressively applies the reduced threshold. Used when the
// provider still reports overflow after summarization.
func TruncateAggressively(history []models.Message, s Settings) ([]models.Message, int) {
	return truncateToolResults(history, AggressiveThreshold(s))
}

func truncateToolResults(history []models.Message, threshold int) ([]models.Message, int) {
	if threshold <= 0 {
		return history, 0
	}
	var out []models.Message
	truncated := 0
	for i, msg := range history {
		if msg.Role != models.RoleTool || len(msg.Content) <= threshold {
			continue
		}
		trimmed, ok := trimMiddle(msg.Content, threshold/2, threshold/2)
		if !ok {
			continue
		}
		if out == nil {
			out = make([]models.Message, len(history))
			copy(out, history)
		}
		out[i].Content = trimmed
		truncated++
	}
	if out == nil {
		return history, 0
	}
	return out, truncated
}

// trimMiddle keeps the first headChars and last tailChars of content
// and appends a note describing the cut. It reports false when the
// content is too short for trimming to save anything.
func trimMiddle(content string, headChars, tailChars int) (string, bool) {
	raw := len(content)
	if headChars <= 0 || tailChars <= 0 || headChars+tailChars >= raw {
		return content, false
	}
	head := content[:headChars]
	tail := content[raw-tailChars:]
	note := fmt.Sprintf("\n\n[Tool result trimmed: kept first %d chars and last %d chars of %d chars.]", headChars, tailChars, raw)
	return head + "\n...\n" + tail + note, true
}
