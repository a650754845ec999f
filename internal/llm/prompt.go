package llm

import (
	"strings"

	"github.com/relayops/relay/internal/tools"
)

const promptRole = "You are a capable AI agent running inside the Relay orchestration runtime. " +
	"Use the available tools to complete the user's request. " +
	"When no tool is needed, reply with plain text."

// BuildSystemPrompt assembles the per-call system prompt. It is rebuilt
// on every provider call so the tool inventory always reflects the
// session's current capabilities.
func BuildSystemPrompt(descriptors []tools.Descriptor, instructions string) string {
	var b strings.Builder
	b.WriteString(promptRole)

	if len(descriptors) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, d := range descriptors {
			b.WriteString("- ")
			b.WriteString(d.Name)
			if desc := firstLine(d.Description); desc != "" {
				b.WriteString(": ")
				b.WriteString(desc)
			}
			b.WriteString("\n")
		}
	}

	if instructions = strings.TrimSpace(instructions); instructions != "" {
		b.WriteString("\n")
		b.WriteString(instructions)
		b.WriteString("\n")
	}

	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
