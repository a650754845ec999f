package periodic

import (
	"fmt"
	"strings"

	"github.com/relayops/relay/pkg/models"
)

// HeadlessInstructions is the system directive attached to every
// scheduled turn. No user is watching a headless run, so the model must
// not block on questions and must deliver its result as a notification.
const HeadlessInstructions = "You are executing a scheduled task. " +
	"No user is present, so do NOT use the ask_question tool; when something " +
	"is ambiguous, make a reasonable assumption and note it in your result. " +
	"Report your result by calling notify_user before you finish."

// HeadlessPrompt renders a task's recipe as the synthetic user message
// that opens a scheduled run.
func HeadlessPrompt(task *models.PeriodicTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled task: %s\n\n", task.Title)
	if task.Recipe.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n\n", task.Recipe.Objective)
	}
	if len(task.Recipe.Instructions) > 0 {
		b.WriteString("Instructions:\n")
		for i, step := range task.Recipe.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		b.WriteString("\n")
	}
	if task.Recipe.Output != "" {
		fmt.Fprintf(&b, "Expected output: %s\n\n", task.Recipe.Output)
	}
	b.WriteString("When you are done you MUST call the notify_user tool with a concise summary of the result.")
	return b.String()
}
