package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayops/relay/internal/approval"
	"github.com/relayops/relay/internal/chain"
	"github.com/relayops/relay/internal/llm"
	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/todo"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// scriptedInvoker returns canned provider outcomes in order and records
// every request it sees.
type scriptedInvoker struct {
	mu    sync.Mutex
	calls []*llm.InvokeRequest
	steps []invokeStep
}

type invokeStep struct {
	resp *llm.Response
	err  error
}

func textStep(text string, usage *models.Usage) invokeStep {
	return invokeStep{resp: &llm.Response{Content: text, Usage: usage}}
}

func toolStep(usage *models.Usage, calls ...models.ToolCall) invokeStep {
	return invokeStep{resp: &llm.Response{ToolCalls: calls, Usage: usage}}
}

func errStep(err error) invokeStep { return invokeStep{err: err} }

func (s *scriptedInvoker) Invoke(_ context.Context, req *llm.InvokeRequest) (*llm.Response, []models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		return nil, nil, llm.NewError(llm.KindServerError, "script exhausted")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, nil, step.err
	}
	return step.resp, nil, nil
}

func (s *scriptedInvoker) request(t *testing.T, idx int) *llm.InvokeRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.calls) {
		t.Fatalf("invoker saw %d requests, want at least %d", len(s.calls), idx+1)
	}
	return s.calls[idx]
}

// fakeTool is a registrable server-side tool with a scripted body.
type fakeTool struct {
	name string
	fn   func(params json.RawMessage) (*tools.Result, error)

	mu     sync.Mutex
	params []json.RawMessage
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool " + f.name }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }

func (f *fakeTool) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	f.mu.Lock()
	f.params = append(f.params, append(json.RawMessage(nil), params...))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(params)
	}
	return &tools.Result{Content: "ok"}, nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

type fixture struct {
	t        *testing.T
	runner   *Runner
	invoker  *scriptedInvoker
	store    session.Store
	registry *tools.Registry
	chains   *chain.Registry
	todos    *todo.Manager
}

func newFixture(t *testing.T, cfg Config, steps ...invokeStep) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := session.NewLocker()
	store := session.NewMemory(session.DefaultConfig(), locker, logger)
	registry := tools.NewRegistry(tools.WithLogger(logger))
	chains := chain.NewRegistry(logger)
	todos := todo.NewManager()
	invoker := &scriptedInvoker{steps: steps}
	runner := New(Options{
		Invoker:  invoker,
		Store:    store,
		Locker:   locker,
		Registry: registry,
		Gate:     approval.NewGate(registry, logger),
		Chains:   chains,
		Todos:    todos,
		Config:   cfg,
		Logger:   logger,
	})
	return &fixture{
		t:        t,
		runner:   runner,
		invoker:  invoker,
		store:    store,
		registry: registry,
		chains:   chains,
		todos:    todos,
	}
}

func (f *fixture) history(sessionID string) []models.Message {
	f.t.Helper()
	history, err := f.store.History(context.Background(), sessionID)
	if err != nil {
		f.t.Fatalf("history: %v", err)
	}
	return history
}

func (f *fixture) session(sessionID string) *models.Session {
	f.t.Helper()
	sess, err := f.store.Get(context.Background(), sessionID)
	if err != nil {
		f.t.Fatalf("get session: %v", err)
	}
	return sess
}

func userInput(text string) responses.Input {
	return responses.Input{{
		Type:    responses.ItemTypeMessage,
		Role:    "user",
		Content: responses.ItemContent(text),
	}}
}

func apiRequest(input responses.Input) *responses.Request {
	return &responses.Request{Model: "relay-test", Input: input}
}

func TestTextTurnCompletes(t *testing.T) {
	f := newFixture(t, Config{}, textStep("Hello!", &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}))

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("Hello")), SessionID: "s1"})

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 || resp.Output[0].Type != responses.ItemTypeMessage {
		t.Fatalf("output = %+v", resp.Output)
	}
	if got := resp.Output[0].Text(); got != "Hello!" {
		t.Fatalf("text = %q", got)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Metadata.Iterations != 1 || resp.Metadata.ToolCallCount != 0 {
		t.Fatalf("metadata = %+v", resp.Metadata)
	}

	history := f.history("s1")
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "Hello" {
		t.Fatalf("history[0] = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "Hello!" {
		t.Fatalf("history[1] = %+v", history[1])
	}

	req := f.invoker.request(t, 0)
	if !req.UseTools {
		t.Fatal("the loop should advertise tools")
	}
	if len(req.NewMessages) != 1 || req.NewMessages[0].Content != "Hello" {
		t.Fatalf("new messages = %+v", req.NewMessages)
	}
}

func TestToolBatchExecutesAndCompletes(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(&models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			models.ToolCall{ID: "c1", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)},
			models.ToolCall{ID: "c2", Name: "bash", Args: json.RawMessage(`{"command":"pwd"}`)},
		),
		textStep("done", &models.Usage{InputTokens: 20, OutputTokens: 2, TotalTokens: 22}),
	)
	f.registry.Register(&fakeTool{name: "bash", fn: func(params json.RawMessage) (*tools.Result, error) {
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		switch p.Command {
		case "ls":
			return &tools.Result{Content: "a\nb"}, nil
		case "pwd":
			return &tools.Result{Content: "/home"}, nil
		}
		return &tools.Result{Content: "unknown command", IsError: true}, nil
	}})

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("list and locate")), SessionID: "s1"})

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 || resp.Output[0].Text() != "done" {
		t.Fatalf("output = %+v", resp.Output)
	}
	if resp.Usage.TotalTokens != 37 {
		t.Fatalf("merged usage = %+v", resp.Usage)
	}
	if resp.Metadata.Iterations != 2 || resp.Metadata.ToolCallCount != 2 {
		t.Fatalf("metadata = %+v", resp.Metadata)
	}

	th := resp.Metadata.ToolHistory
	if len(th) != 4 {
		t.Fatalf("tool history = %+v", th)
	}
	wantTypes := []string{
		responses.ItemTypeFunctionCall,
		responses.ItemTypeFunctionCall,
		responses.ItemTypeFunctionCallOutput,
		responses.ItemTypeFunctionCallOutput,
	}
	for i, want := range wantTypes {
		if th[i].Type != want {
			t.Fatalf("tool history[%d].type = %q, want %q", i, th[i].Type, want)
		}
	}
	if th[0].CallID != "c1" || th[1].CallID != "c2" || th[2].CallID != "c1" || th[3].CallID != "c2" {
		t.Fatalf("tool history order = %+v", th)
	}
	if th[2].Output != "a\nb" || th[3].Output != "/home" {
		t.Fatalf("tool outputs = %q, %q", th[2].Output, th[3].Output)
	}

	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if len(history[1].ToolCalls) != 2 || history[1].Usage.TotalTokens != 15 {
		t.Fatalf("assistant tool message = %+v", history[1])
	}
	if history[2].Content != "a\nb" || history[3].Content != "/home" {
		t.Fatalf("tool results = %q, %q", history[2].Content, history[3].Content)
	}
}

func TestServerCallsRunConcurrently(t *testing.T) {
	ready := make(chan struct{})
	var mu sync.Mutex
	inflight := 0

	f := newFixture(t, Config{},
		toolStep(nil,
			models.ToolCall{ID: "p1", Name: "probe", Args: json.RawMessage(`{}`)},
			models.ToolCall{ID: "p2", Name: "probe", Args: json.RawMessage(`{}`)},
		),
		textStep("done", nil),
	)
	f.registry.Register(&fakeTool{name: "probe", fn: func(json.RawMessage) (*tools.Result, error) {
		mu.Lock()
		inflight++
		if inflight == 2 {
			close(ready)
		}
		mu.Unlock()
		select {
		case <-ready:
			return &tools.Result{Content: "overlapped"}, nil
		case <-time.After(5 * time.Second):
			return &tools.Result{Content: "no overlap", IsError: true}, nil
		}
	}})

	f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("go")), SessionID: "s1"})

	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[2].Content != "overlapped" || history[3].Content != "overlapped" {
		t.Fatalf("calls in one batch must overlap: %q, %q", history[2].Content, history[3].Content)
	}
}

func TestApprovalParksBatch(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(&models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			models.ToolCall{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)},
		),
	)
	search := &fakeTool{name: "web_search"}
	f.registry.Register(search)
	f.registry.MarkApprovalRequired("web_search")

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("find q")), SessionID: "s1"})

	if resp.Status != responses.StatusIncomplete {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 {
		t.Fatalf("output = %+v", resp.Output)
	}
	item := resp.Output[0]
	if item.Type != responses.ItemTypeFunctionCall || item.Name != tools.AskQuestionName {
		t.Fatalf("output item = %+v", item)
	}
	if !strings.HasPrefix(item.CallID, "approval_") {
		t.Fatalf("approval call id = %q", item.CallID)
	}
	var ask struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices"`
	}
	if err := json.Unmarshal([]byte(item.Arguments), &ask); err != nil {
		t.Fatalf("decode ask arguments: %v", err)
	}
	if ask.Question != `Allow web_search({"query":"q"})?` {
		t.Fatalf("question = %q", ask.Question)
	}
	if !reflect.DeepEqual(ask.Choices, []string{"Allow Once", "Always Allow", "Deny"}) {
		t.Fatalf("choices = %v", ask.Choices)
	}

	if search.callCount() != 0 {
		t.Fatal("gated tool must not execute before approval")
	}
	if len(f.history("s1")) != 0 {
		t.Fatal("nothing should be appended while parked")
	}
	sess := f.session("s1")
	if sess.Pending == nil || sess.Pending.ApprovalCallID != item.CallID {
		t.Fatalf("pending = %+v", sess.Pending)
	}
	if len(sess.Pending.SavedInputMessages) != 1 || sess.Pending.SavedInputMessages[0].Content != "find q" {
		t.Fatalf("saved input = %+v", sess.Pending.SavedInputMessages)
	}
}

func TestApprovalResumeAlwaysAllow(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(&models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			models.ToolCall{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)},
		),
		textStep("Here you go", &models.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}),
	)
	search := &fakeTool{name: "web_search", fn: func(json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Content: "results"}, nil
	}}
	f.registry.Register(search)
	f.registry.MarkApprovalRequired("web_search")

	parked := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("find q")), SessionID: "s1"})
	askID := parked.Output[0].CallID

	resume := &Request{
		API: apiRequest(responses.Input{{
			Type:   responses.ItemTypeFunctionCallOutput,
			CallID: askID,
			Output: "Always Allow",
		}}),
		SessionID: "s1",
	}
	resp := f.runner.Run(context.Background(), resume)

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 || resp.Output[0].Text() != "Here you go" {
		t.Fatalf("output = %+v", resp.Output)
	}
	if search.callCount() != 1 {
		t.Fatalf("web_search executions = %d", search.callCount())
	}

	// Parked usage is reattributed to the turn that records the batch.
	if resp.Usage.InputTokens != 17 || resp.Usage.TotalTokens != 25 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	th := resp.Metadata.ToolHistory
	if len(th) != 2 || th[0].Name != "web_search" || th[1].Output != "results" {
		t.Fatalf("tool history = %+v", th)
	}

	sess := f.session("s1")
	if sess.Pending != nil {
		t.Fatal("pending approval must be consumed")
	}
	if !sess.AutoApproved["web_search"] {
		t.Fatalf("auto approved = %+v", sess.AutoApproved)
	}

	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Content != "find q" {
		t.Fatalf("saved input should open the history, got %+v", history[0])
	}
	if history[1].Usage == nil || history[1].Usage.TotalTokens != 15 {
		t.Fatalf("saved usage should ride the assistant message: %+v", history[1])
	}
	if history[2].Content != "results" {
		t.Fatalf("tool result = %+v", history[2])
	}
}

func TestApprovalDenyFeedsDenialsBack(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "cs", Name: "web_search", Args: json.RawMessage(`{"query":"q"}`)}),
		textStep("Understood.", nil),
	)
	search := &fakeTool{name: "web_search"}
	f.registry.Register(search)
	f.registry.MarkApprovalRequired("web_search")

	parked := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("find q")), SessionID: "s1"})
	resp := f.runner.Run(context.Background(), &Request{
		API: apiRequest(responses.Input{{
			Type:   responses.ItemTypeFunctionCallOutput,
			CallID: parked.Output[0].CallID,
			Output: "User chose: Deny",
		}}),
		SessionID: "s1",
	})

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if search.callCount() != 0 {
		t.Fatal("denied tool must never execute")
	}

	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[2].Content != "Permission denied by user for tool: web_search" {
		t.Fatalf("denial result = %q", history[2].Content)
	}
	sess := f.session("s1")
	if sess.AutoApproved["web_search"] {
		t.Fatal("deny must not auto-approve")
	}
}

func TestClientCallsDeferred(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(&models.Usage{TotalTokens: 9},
			models.ToolCall{ID: "b1", Name: "browser_navigate", Args: json.RawMessage(`{"url":"https://x"}`)},
		),
	)

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("open x")), SessionID: "s1"})

	if resp.Status != responses.StatusIncomplete {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 {
		t.Fatalf("output = %+v", resp.Output)
	}
	item := resp.Output[0]
	if item.Type != responses.ItemTypeFunctionCall || item.Name != "browser_navigate" || item.CallID != "b1" {
		t.Fatalf("deferred call = %+v", item)
	}
	if item.Arguments != `{"url":"https://x"}` {
		t.Fatalf("arguments = %q", item.Arguments)
	}
	if len(resp.Metadata.ToolHistory) != 0 {
		t.Fatalf("client calls are not executed history: %+v", resp.Metadata.ToolHistory)
	}
	if resp.Metadata.ToolCallCount != 1 {
		t.Fatalf("tool call count = %d", resp.Metadata.ToolCallCount)
	}

	history := f.history("s1")
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[2].Role != models.RoleTool || history[2].Content != `{"url":"https://x"}` {
		t.Fatalf("placeholder = %+v", history[2])
	}
}

func TestClientResultFinalizedNextTurn(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "b1", Name: "browser_navigate", Args: json.RawMessage(`{"url":"https://x"}`)}),
		textStep("done", nil),
	)

	f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("open x")), SessionID: "s1"})

	followUp := &Request{
		API: apiRequest(responses.Input{
			{Type: responses.ItemTypeMessage, Role: "user", Content: "open x"},
			{Type: responses.ItemTypeFunctionCallOutput, CallID: "b1", Output: "Page: x"},
		}),
		SessionID: "s1",
	}
	resp := f.runner.Run(context.Background(), followUp)

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("resent user message must dedupe, history = %d", len(history))
	}
	if history[2].Content != "Page: x" {
		t.Fatalf("placeholder must be finalized, got %q", history[2].Content)
	}
	if req := f.invoker.request(t, 1); len(req.NewMessages) != 0 {
		t.Fatalf("follow-up should carry no new messages, got %+v", req.NewMessages)
	}
}

func TestEchoRecoveryRebuildsHistory(t *testing.T) {
	f := newFixture(t, Config{}, textStep("done", nil))

	req := &Request{
		API: apiRequest(responses.Input{
			{Type: responses.ItemTypeMessage, Role: "user", Content: "run it"},
			{Type: responses.ItemTypeFunctionCall, CallID: "c9", Name: "bash", Arguments: `{"command":"ls"}`},
			{Type: responses.ItemTypeFunctionCallOutput, CallID: "c9", Output: "out"},
		}),
		SessionID: "s1",
	}
	resp := f.runner.Run(context.Background(), req)

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "run it" {
		t.Fatalf("history[0] = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].ID != "c9" {
		t.Fatalf("recovered assistant = %+v", history[1])
	}
	if history[2].Role != models.RoleTool || history[2].Content != "out" {
		t.Fatalf("recovered result = %+v", history[2])
	}
	if req0 := f.invoker.request(t, 0); len(req0.NewMessages) != 0 {
		t.Fatalf("recovery consumes the input, got %+v", req0.NewMessages)
	}
}

func TestResentMessagesDedupe(t *testing.T) {
	f := newFixture(t, Config{}, textStep("ok", nil))
	ctx := context.Background()

	if _, err := f.store.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	err := f.store.AppendAssistant(ctx, "s1",
		[]models.Message{models.UserMessage("hi")},
		models.Message{Role: models.RoleAssistant, Content: "yo"})
	if err != nil {
		t.Fatal(err)
	}

	req := &Request{
		API: apiRequest(responses.Input{
			{Type: responses.ItemTypeMessage, Role: "user", Content: "hi"},
			{Type: responses.ItemTypeMessage, Role: "assistant", Content: "yo"},
			{Type: responses.ItemTypeMessage, Role: "user", Content: "next"},
		}),
		SessionID: "s1",
	}
	f.runner.Run(ctx, req)

	invReq := f.invoker.request(t, 0)
	if len(invReq.NewMessages) != 1 || invReq.NewMessages[0].Content != "next" {
		t.Fatalf("new messages = %+v", invReq.NewMessages)
	}
	history := f.history("s1")
	if len(history) != 4 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestOrphanToolOutputDropped(t *testing.T) {
	f := newFixture(t, Config{}, textStep("ok", nil))

	req := &Request{
		API: apiRequest(responses.Input{
			{Type: responses.ItemTypeMessage, Role: "user", Content: "hi"},
			{Type: responses.ItemTypeFunctionCallOutput, CallID: "ghost", Output: "boo"},
		}),
		SessionID: "s1",
	}
	resp := f.runner.Run(context.Background(), req)

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	for _, msg := range f.history("s1") {
		if msg.Role == models.RoleTool {
			t.Fatalf("orphan output must not reach history: %+v", msg)
		}
	}
}

func TestUnknownToolFailsTurn(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "x1", Name: "warp_drive", Args: json.RawMessage(`{}`)}),
	)

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("engage")), SessionID: "s1"})

	if resp.Status != responses.StatusFailed {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Error == nil || resp.Error.Type != string(llm.KindToolNotImplemented) {
		t.Fatalf("error = %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "warp_drive") {
		t.Fatalf("message = %q", resp.Error.Message)
	}
	if len(f.history("s1")) != 0 {
		t.Fatal("failed turns leave no partial history")
	}
}

func TestRequestDeclaredToolIsClientSide(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "w1", Name: "my_widget", Args: json.RawMessage(`{"n":1}`)}),
	)

	api := apiRequest(userInput("widget please"))
	api.Tools = []responses.ToolDef{{
		Type:       "function",
		Name:       "my_widget",
		Parameters: json.RawMessage(`{"type":"object"}`),
	}}
	resp := f.runner.Run(context.Background(), &Request{API: api, SessionID: "s1"})

	if resp.Status != responses.StatusIncomplete {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if len(resp.Output) != 1 || resp.Output[0].Name != "my_widget" {
		t.Fatalf("output = %+v", resp.Output)
	}

	invReq := f.invoker.request(t, 0)
	if len(invReq.ExtraTools) != 1 || invReq.ExtraTools[0].Name != "my_widget" {
		t.Fatalf("extra tools = %+v", invReq.ExtraTools)
	}
}

func TestChainFollowUpsExecute(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "f1", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)}),
		textStep("done", nil),
	)
	f.registry.Register(&fakeTool{name: "fetch_page", fn: func(json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Content: "raw page"}, nil
	}})
	summarize := &fakeTool{name: "summarize"}
	f.registry.Register(summarize)
	err := f.chains.Register(chain.Rule{
		Source: "fetch_page",
		Steps:  []chain.Step{{Target: "summarize", ArgMapping: map[string]any{"text": chain.ValuePlaceholder}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("fetch u")), SessionID: "s1"})

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if summarize.callCount() != 1 {
		t.Fatalf("summarize executions = %d", summarize.callCount())
	}
	var args struct {
		Text string `json:"text"`
	}
	summarize.mu.Lock()
	raw := summarize.params[0]
	summarize.mu.Unlock()
	if err := json.Unmarshal(raw, &args); err != nil || args.Text != "raw page" {
		t.Fatalf("chained args = %s (err %v)", raw, err)
	}

	if resp.Metadata.ToolCallCount != 2 || len(resp.Metadata.ToolHistory) != 4 {
		t.Fatalf("metadata = %+v", resp.Metadata)
	}

	// user, assistant+tool for the batch, assistant+tool for the chain,
	// final assistant.
	if history := f.history("s1"); len(history) != 6 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestGatedChainParksAndResumes(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "f1", Name: "fetch_page", Args: json.RawMessage(`{"url":"u"}`)}),
		textStep("done", nil),
	)
	f.registry.Register(&fakeTool{name: "fetch_page", fn: func(json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Content: "raw page"}, nil
	}})
	summarize := &fakeTool{name: "summarize"}
	f.registry.Register(summarize)
	f.registry.MarkApprovalRequired("summarize")
	if err := f.chains.Register(chain.Rule{
		Source: "fetch_page",
		Steps:  []chain.Step{{Target: "summarize", ArgMapping: map[string]any{"text": chain.ValuePlaceholder}}},
	}); err != nil {
		t.Fatal(err)
	}

	parked := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("fetch u")), SessionID: "s1"})
	if parked.Status != responses.StatusIncomplete {
		t.Fatalf("status = %q, error = %+v", parked.Status, parked.Error)
	}
	if summarize.callCount() != 0 {
		t.Fatal("gated chain step must wait for approval")
	}
	// The triggering batch is already on the record.
	if history := f.history("s1"); len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}

	resp := f.runner.Run(context.Background(), &Request{
		API: apiRequest(responses.Input{{
			Type:   responses.ItemTypeFunctionCallOutput,
			CallID: parked.Output[0].CallID,
			Output: "Allow Once",
		}}),
		SessionID: "s1",
	})
	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	if summarize.callCount() != 1 {
		t.Fatalf("summarize executions = %d", summarize.callCount())
	}
	if sess := f.session("s1"); sess.AutoApproved["summarize"] {
		t.Fatal("allow once must not auto-approve")
	}
	if history := f.history("s1"); len(history) != 6 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestIterationCapReturnsIncomplete(t *testing.T) {
	f := newFixture(t, Config{MaxIterations: 2},
		toolStep(nil, models.ToolCall{ID: "n1", Name: "noop", Args: json.RawMessage(`{}`)}),
		toolStep(nil, models.ToolCall{ID: "n2", Name: "noop", Args: json.RawMessage(`{}`)}),
	)
	f.registry.Register(&fakeTool{name: "noop"})

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("loop")), SessionID: "s1"})

	if resp.Status != responses.StatusIncomplete {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}
	last := resp.Output[len(resp.Output)-1]
	if last.Type != responses.ItemTypeMessage || !strings.Contains(last.Text(), "Stopped after 2 tool iterations") {
		t.Fatalf("advisory = %+v", last)
	}
	if resp.Metadata.Iterations != 2 || resp.Metadata.ToolCallCount != 2 {
		t.Fatalf("metadata = %+v", resp.Metadata)
	}
}

func TestInvokerErrorFailsResponse(t *testing.T) {
	f := newFixture(t, Config{}, errStep(llm.NewError(llm.KindProviderFatal, "boom")))

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("hi")), SessionID: "s1"})

	if resp.Status != responses.StatusFailed {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Error == nil || resp.Error.Type != string(llm.KindProviderFatal) || resp.Error.Message != "boom" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestMintedSessionTravelsInMetadata(t *testing.T) {
	f := newFixture(t, Config{}, textStep("hello", nil))

	resp := f.runner.Run(context.Background(), &Request{API: apiRequest(userInput("hi"))})

	if !strings.HasPrefix(resp.Metadata.SessionID, "sess_") {
		t.Fatalf("session id = %q", resp.Metadata.SessionID)
	}
	if len(f.history(resp.Metadata.SessionID)) != 2 {
		t.Fatal("minted session should hold the turn")
	}
}

func TestStreamEventOrder(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(&models.Usage{TotalTokens: 9},
			models.ToolCall{ID: "c1", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)},
			models.ToolCall{ID: "c2", Name: "bash", Args: json.RawMessage(`{"command":"pwd"}`)},
		),
		textStep("done", &models.Usage{TotalTokens: 4}),
	)
	f.registry.Register(&fakeTool{name: "bash"})

	var events []responses.Event
	resp := f.runner.RunStream(context.Background(),
		&Request{API: apiRequest(userInput("go")), SessionID: "s1"},
		func(ev responses.Event) { events = append(events, ev) })

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	want := []string{
		responses.EventCreated,
		responses.EventFunctionCallDone,
		responses.EventFunctionCallDone,
		responses.EventToolResultDone,
		responses.EventToolResultDone,
		responses.EventOutputTextDone,
		responses.EventCompleted,
	}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("event order = %v", types)
	}

	if events[0].Response == nil || events[0].Response.Status != responses.StatusInProgress {
		t.Fatalf("created event = %+v", events[0])
	}
	if events[1].Usage == nil || events[1].Usage.TotalTokens != 9 {
		t.Fatalf("function_call.done usage = %+v", events[1].Usage)
	}
	if events[5].Text != "done" || events[5].Usage.TotalTokens != 4 {
		t.Fatalf("output_text.done = %+v", events[5])
	}
	terminal := events[len(events)-1]
	if terminal.Response != resp {
		t.Fatal("terminal event must carry the final response")
	}
}

func TestTodoBlockAndEvent(t *testing.T) {
	f := newFixture(t, Config{},
		toolStep(nil, models.ToolCall{ID: "t1", Name: todo.ToolName,
			Args: json.RawMessage(`{"action":"write","todos":[{"content":"write tests"}]}`)}),
		textStep("done", nil),
	)
	f.registry.Register(todo.NewTool(f.todos))

	var events []responses.Event
	resp := f.runner.RunStream(context.Background(),
		&Request{API: apiRequest(userInput("plan")), SessionID: "s1"},
		func(ev responses.Event) { events = append(events, ev) })

	if resp.Status != responses.StatusCompleted {
		t.Fatalf("status = %q, error = %+v", resp.Status, resp.Error)
	}

	var sawTodo bool
	for _, ev := range events {
		if ev.Type == responses.EventTodoUpdated {
			sawTodo = true
			if len(ev.Todos) != 1 || ev.Todos[0].Content != "write tests" {
				t.Fatalf("todo event = %+v", ev.Todos)
			}
		}
	}
	if !sawTodo {
		t.Fatal("expected a todo.updated event")
	}

	second := f.invoker.request(t, 1)
	if !strings.Contains(second.Instructions, "Current todo list:") ||
		!strings.Contains(second.Instructions, "1. [pending] write tests") {
		t.Fatalf("instructions = %q", second.Instructions)
	}

	if sess := f.session("s1"); len(sess.Todos) != 1 {
		t.Fatalf("session todo snapshot = %+v", sess.Todos)
	}
}
