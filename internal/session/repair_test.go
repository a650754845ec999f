package session

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/relayops/relay/pkg/models"
)

func assistantWithCalls(ids ...string) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	for _, id := range ids {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: id, Name: "bash", Args: json.RawMessage(`{}`)})
	}
	return msg
}

func TestRepairHistoryKeepsMatchedPairs(t *testing.T) {
	history := []models.Message{
		models.UserMessage("hi"),
		assistantWithCalls("c1", "c2"),
		models.ToolMessage("c1", "bash", "out1"),
		models.ToolMessage("c2", "bash", "out2"),
		{Role: models.RoleAssistant, Content: "done"},
	}

	got := RepairHistory(history)
	if !reflect.DeepEqual(got, history) {
		t.Fatalf("well-formed history should pass through unchanged:\n%+v", got)
	}
}

func TestRepairHistoryDropsOrphanResults(t *testing.T) {
	history := []models.Message{
		models.UserMessage("hi"),
		models.ToolMessage("ghost", "bash", "orphan"),
		assistantWithCalls("c1"),
		models.ToolMessage("c1", "bash", "out"),
		models.ToolMessage("c1", "bash", "duplicate answer"),
	}

	got := RepairHistory(history)
	if len(got) != 3 {
		t.Fatalf("length = %d, want 3: %+v", len(got), got)
	}
	if got[2].Content != "out" {
		t.Fatalf("kept the wrong result: %q", got[2].Content)
	}
}

func TestRepairHistoryFillsMissingCallID(t *testing.T) {
	history := []models.Message{
		assistantWithCalls("c1", "c2"),
		{Role: models.RoleTool, ToolName: "bash", Content: "first"},
		{Role: models.RoleTool, ToolName: "bash", Content: "second"},
	}

	got := RepairHistory(history)
	if len(got) != 3 {
		t.Fatalf("length = %d, want 3", len(got))
	}
	if got[1].ToolCallID != "c1" || got[2].ToolCallID != "c2" {
		t.Fatalf("missing ids should fill in call order, got %q then %q", got[1].ToolCallID, got[2].ToolCallID)
	}
	if history[1].ToolCallID != "" {
		t.Fatal("input slice must not be modified")
	}
}

func TestRepairHistoryNewAssistantAbandonsOpenCalls(t *testing.T) {
	history := []models.Message{
		assistantWithCalls("c1"),
		{Role: models.RoleAssistant, Content: "changed my mind"},
		models.ToolMessage("c1", "bash", "late result"),
	}

	got := RepairHistory(history)
	if len(got) != 2 {
		t.Fatalf("late result should be dropped, got %+v", got)
	}
	for _, msg := range got {
		if msg.Role == models.RoleTool {
			t.Fatal("no tool message should survive")
		}
	}
}
