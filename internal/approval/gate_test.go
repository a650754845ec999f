package approval

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

func newTestGate(flagged ...string) *Gate {
	registry := tools.NewRegistry()
	for _, name := range flagged {
		registry.MarkApprovalRequired(name)
	}
	return NewGate(registry, nil)
}

func TestGatedFiltersBySessionAutoApproval(t *testing.T) {
	gate := newTestGate("web_search")

	calls := []models.ToolCall{
		{ID: "c1", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)},
		{ID: "c2", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)},
	}

	sess := &models.Session{ID: "s1"}
	gated := gate.Gated(calls, sess)
	if len(gated) != 1 || gated[0].Name != "web_search" {
		t.Fatalf("gated = %+v, want just web_search", gated)
	}

	sess.AutoApproved = map[string]bool{"web_search": true}
	if gated := gate.Gated(calls, sess); len(gated) != 0 {
		t.Fatalf("auto-approved tool still gated: %+v", gated)
	}
}

func TestParkBuildsAskQuestionCall(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}

	calls := []models.ToolCall{{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)}}
	ask := gate.Park(sess, calls, ParkState{})

	if ask.Name != tools.AskQuestionName {
		t.Fatalf("synthetic call name = %q", ask.Name)
	}
	if !strings.HasPrefix(ask.ID, "approval_") {
		t.Fatalf("approval call id = %q", ask.ID)
	}

	var args struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices"`
	}
	if err := json.Unmarshal(ask.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args.Question != `Allow web_search({"query":"q"})?` {
		t.Fatalf("question = %q", args.Question)
	}
	want := []string{ChoiceAllowOnce, ChoiceAlwaysAllow, ChoiceDeny}
	if len(args.Choices) != 3 {
		t.Fatalf("choices = %v", args.Choices)
	}
	for i, choice := range want {
		if args.Choices[i] != choice {
			t.Fatalf("choices[%d] = %q, want %q", i, args.Choices[i], choice)
		}
	}

	if sess.Pending == nil || sess.Pending.ApprovalCallID != ask.ID {
		t.Fatalf("pending approval not stored: %+v", sess.Pending)
	}
	if len(sess.Pending.ToolCalls) != 1 || sess.Pending.ToolCalls[0].ID != "cs" {
		t.Fatalf("parked batch = %+v", sess.Pending.ToolCalls)
	}
}

func TestParkQuestionNamesOnlyGatedCalls(t *testing.T) {
	gate := newTestGate("web_search", "send_mail")
	sess := &models.Session{ID: "s1"}

	calls := []models.ToolCall{
		{ID: "c1", Name: "web_search", Args: json.RawMessage(`{"query":"a"}`)},
		{ID: "c2", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)},
		{ID: "c3", Name: "send_mail", Args: json.RawMessage(`{"to":"x"}`)},
	}
	ask := gate.Park(sess, calls, ParkState{})

	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(ask.Args, &args); err != nil {
		t.Fatal(err)
	}
	want := `Allow web_search({"query":"a"}), send_mail({"to":"x"})?`
	if args.Question != want {
		t.Fatalf("question = %q, want %q", args.Question, want)
	}
	if len(sess.Pending.ToolCalls) != 3 {
		t.Fatal("the whole batch must be parked, not just the gated calls")
	}
}

func TestResumeAllowOnce(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}

	usage := &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	raw := json.RawMessage(`{"sig":"abc"}`)
	calls := []models.ToolCall{{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)}}
	chained := []models.ToolCall{{ID: "chain_1", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)}}

	gate.Park(sess, calls, ParkState{
		SavedInputMessages: []models.Message{models.UserMessage("find it")},
		SavedUsage:         usage,
		SavedProviderRaw:   raw,
		RemainingChained:   chained,
	})

	res, err := gate.Resume(sess, ChoiceAllowOnce)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Decision != DecisionAllowOnce {
		t.Fatalf("decision = %v", res.Decision)
	}
	if len(res.Calls) != 1 || res.Calls[0].ID != "cs" {
		t.Fatalf("calls = %+v", res.Calls)
	}
	if len(res.Denied) != 0 {
		t.Fatal("allow must not synthesize denials")
	}
	if sess.AutoApproved["web_search"] {
		t.Fatal("Allow Once must not update the auto-approved set")
	}
	if sess.Pending != nil {
		t.Fatal("pending approval must be consumed")
	}
	if res.SavedUsage.TotalTokens != 15 || string(res.SavedProviderRaw) != string(raw) {
		t.Fatal("saved turn state lost on resume")
	}
	if len(res.RemainingChained) != 1 || res.RemainingChained[0].Name != "fetch_page" {
		t.Fatalf("chained follow-ups lost: %+v", res.RemainingChained)
	}
	if len(res.SavedInputMessages) != 1 || res.SavedInputMessages[0].Content != "find it" {
		t.Fatalf("saved input messages lost: %+v", res.SavedInputMessages)
	}
}

func TestResumeAlwaysAllowUpdatesAutoApproved(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}

	calls := []models.ToolCall{
		{ID: "c1", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)},
		{ID: "c2", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)},
	}
	gate.Park(sess, calls, ParkState{})

	res, err := gate.Resume(sess, "User chose: Always Allow")
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != DecisionAlwaysAllow {
		t.Fatalf("decision = %v", res.Decision)
	}
	if !sess.AutoApproved["web_search"] {
		t.Fatal("web_search should be auto-approved now")
	}
	if sess.AutoApproved["fetch_page"] {
		t.Fatal("tools that never needed approval must not enter the set")
	}
	if len(res.Calls) != 2 {
		t.Fatalf("the full batch should execute, got %+v", res.Calls)
	}
}

func TestResumeDenySynthesizesResults(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}

	calls := []models.ToolCall{{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)}}
	gate.Park(sess, calls, ParkState{RemainingChained: []models.ToolCall{{ID: "x", Name: "fetch_page"}}})

	res, err := gate.Resume(sess, "User chose: Deny")
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != DecisionDeny {
		t.Fatalf("decision = %v", res.Decision)
	}
	if len(res.Calls) != 1 || res.Calls[0].ID != "cs" {
		t.Fatalf("calls should still name the parked batch, got %+v", res.Calls)
	}
	if len(res.Denied) != 1 {
		t.Fatalf("denied results = %+v", res.Denied)
	}
	denied := res.Denied[0]
	if denied.Content != "Permission denied by user for tool: web_search" {
		t.Fatalf("denied content = %q", denied.Content)
	}
	if denied.ToolCallID != "cs" || !denied.IsError {
		t.Fatalf("denied result shape = %+v", denied)
	}
	if len(res.RemainingChained) != 0 {
		t.Fatal("denial must drop chain follow-ups")
	}
}

func TestResumeConsumesPendingExactlyOnce(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}
	gate.Park(sess, []models.ToolCall{{ID: "c1", Name: "web_search"}}, ParkState{})

	if _, err := gate.Resume(sess, ChoiceAllowOnce); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Resume(sess, ChoiceAllowOnce); !errors.Is(err, ErrNoPending) {
		t.Fatalf("second resume = %v, want ErrNoPending", err)
	}
}

func TestMatches(t *testing.T) {
	gate := newTestGate("web_search")
	sess := &models.Session{ID: "s1"}

	if gate.Matches(sess, "anything") {
		t.Fatal("no pending approval yet")
	}
	ask := gate.Park(sess, []models.ToolCall{{ID: "c1", Name: "web_search"}}, ParkState{})
	if !gate.Matches(sess, ask.ID) {
		t.Fatal("matching call id not recognized")
	}
	if gate.Matches(sess, "other") {
		t.Fatal("wrong call id matched")
	}
	if gate.Matches(nil, ask.ID) {
		t.Fatal("nil session matched")
	}
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		in   string
		want Decision
	}{
		{"Allow Once", DecisionAllowOnce},
		{"Always Allow", DecisionAlwaysAllow},
		{"Deny", DecisionDeny},
		{"User chose: Allow Once", DecisionAllowOnce},
		{"User chose: Always Allow", DecisionAlwaysAllow},
		{"User chose: Deny", DecisionDeny},
		{"User input: Always Allow", DecisionAlwaysAllow},
		{"  Allow Once  ", DecisionAllowOnce},
		{"sure, go ahead", DecisionDeny},
		{"", DecisionDeny},
		{"allow once", DecisionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			if got := ParseDecision(tc.in); got != tc.want {
				t.Fatalf("ParseDecision(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
