package session

import (
	"fmt"
	"strings"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// Browser tools return full page snapshots: a "Page: <url>" header line
// followed by the accessibility tree under an "[Interactive Elements]"
// section. Only the newest snapshot is useful for the next action, so
// older ones collapse to a single line naming the page they captured.
const (
	snapshotPagePrefix     = "Page:"
	snapshotElementsMarker = "[Interactive Elements]"
)

// squashStaleSnapshots rewrites, in place, every browser page snapshot
// in history except the most recent one.
func squashStaleSnapshots(history []models.Message) {
	last := -1
	for i := range history {
		if isPageSnapshot(history[i]) {
			last = i
		}
	}
	if last < 0 {
		return
	}
	for i := range history[:last] {
		if isPageSnapshot(history[i]) {
			history[i].Content = snapshotSummary(history[i].Content)
		}
	}
}

func isPageSnapshot(msg models.Message) bool {
	if msg.Role != models.RoleTool || !tools.IsBrowserName(msg.ToolName) {
		return false
	}
	if !strings.Contains(msg.Content, snapshotElementsMarker) {
		return false
	}
	return snapshotURL(msg.Content) != ""
}

// snapshotURL extracts the URL from the snapshot's "Page:" header line.
func snapshotURL(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, snapshotPagePrefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, snapshotPagePrefix))
		}
	}
	return ""
}

func snapshotSummary(content string) string {
	return fmt.Sprintf("[Stale browser snapshot of %s removed]", snapshotURL(content))
}
