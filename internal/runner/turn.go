package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/relayops/relay/internal/approval"
	"github.com/relayops/relay/internal/llm"
	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

const maxIterationsNoticeFormat = "Stopped after %d tool iterations without a final answer."

// turnState is the mutable state of one request turn, mirrored into
// the response object as the loop progresses.
type turnState struct {
	req       *Request
	sessionID string
	resp      *responses.Response
	sink      Sink

	sess        *models.Session
	parsed      parsedInput
	newMessages []models.Message

	toolNames  []string
	extraTools []tools.Descriptor
	clientSide func(string) bool

	iteration int
}

// turn runs the state machine for one request under the session's turn
// lock: resume a pending approval if the input answers one, normalize
// the remaining input against history, then alternate provider calls
// with tool execution until the model settles on text, defers to the
// client, parks for approval, or runs out of iterations.
func (r *Runner) turn(ctx context.Context, st *turnState) error {
	st.parsed = parseInput(st.req.API.Input)

	unlock := r.locker.Lock(st.sessionID)
	defer unlock()

	sess, err := r.store.GetOrCreate(ctx, st.sessionID)
	if err != nil {
		return llm.Wrap(llm.KindServerError, err, "load session")
	}
	if st.req.UserRef != "" && sess.UserRef == "" {
		sess.UserRef = st.req.UserRef
		if err := r.store.Update(ctx, sess); err != nil {
			return llm.Wrap(llm.KindServerError, err, "update session")
		}
	}
	st.sess = sess

	r.resolveTools(ctx, st)

	done, err := r.resumeApproval(ctx, st)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if err := r.prepareInput(ctx, st); err != nil {
		return err
	}

	if len(st.toolNames) == 0 && len(st.extraTools) == 0 {
		return r.textOnlyTurn(ctx, st)
	}

	for st.iteration = 1; st.iteration <= r.cfg.MaxIterations; st.iteration++ {
		select {
		case <-ctx.Done():
			return llm.Wrap(llm.KindServerError, ctx.Err(), "turn canceled")
		default:
		}

		todoRev := r.todos.Revision(st.sessionID)

		invReq := &llm.InvokeRequest{
			SessionID:    st.sessionID,
			NewMessages:  st.newMessages,
			ToolNames:    st.toolNames,
			ExtraTools:   st.extraTools,
			UseTools:     true,
			Instructions: r.instructions(st),
		}
		if st.sink != nil {
			invReq.OnDelta = func(delta string) {
				r.emit(st, responses.TextDeltaEvent(delta))
			}
		}

		resp, _, err := r.invoker.Invoke(ctx, invReq)
		if err != nil {
			return err
		}
		st.resp.Metadata.Iterations = st.iteration
		usage := responses.UsageFrom(resp.Usage)
		addUsage(st.resp, usage)

		if !resp.HasToolCalls() {
			return r.finishText(ctx, st, resp, usage)
		}

		done, err := r.handleToolCalls(ctx, st, resp, usage)
		if err != nil {
			return err
		}
		r.syncTodos(ctx, st, todoRev)
		if done {
			return nil
		}
		st.newMessages = nil
	}

	notice := fmt.Sprintf(maxIterationsNoticeFormat, r.cfg.MaxIterations)
	st.resp.Output = append(st.resp.Output, responses.MessageItem(notice))
	r.emit(st, responses.TextDoneEvent(notice, nil))
	st.resp.Finish(responses.StatusIncomplete)
	r.logger.Warn("iteration cap reached",
		"session_id", st.sessionID,
		"max_iterations", r.cfg.MaxIterations)
	return nil
}

// instructions merges the request instructions with the session's
// current todo prompt block.
func (r *Runner) instructions(st *turnState) string {
	instructions := st.req.API.Instructions
	if block := r.todos.PromptBlock(st.sessionID); block != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += block
	}
	return instructions
}

// resolveTools builds the tool union for this turn: everything the
// registry advertises, refreshed external discovery included, plus
// request-declared tools the registry does not know. Those unknowns
// execute on the caller for this turn only.
func (r *Runner) resolveTools(ctx context.Context, st *turnState) {
	r.registry.DiscoverExternal(ctx)

	names := r.registry.Names()
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}

	extraSet := make(map[string]bool)
	for _, def := range st.req.API.Tools {
		if def.Name == "" || known[def.Name] || extraSet[def.Name] {
			continue
		}
		params := def.Parameters
		if len(params) == 0 {
			params = []byte(`{"type": "object", "properties": {}}`)
		}
		extraSet[def.Name] = true
		st.extraTools = append(st.extraTools, tools.Descriptor{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		})
	}

	sort.Strings(names)
	st.toolNames = names
	st.clientSide = func(name string) bool {
		return extraSet[name] || r.registry.IsClientSide(name)
	}
}

// resumeApproval consumes an approval answer from the input before any
// history normalization. The answer arrives as a tool output addressed
// to the synthetic approval call, which exists nowhere in history and
// must not fall through to ReplaceToolResult. Returns done when the
// resumed flow ended the turn itself.
func (r *Runner) resumeApproval(ctx context.Context, st *turnState) (bool, error) {
	if st.sess.Pending == nil {
		return false, nil
	}
	idx := -1
	for i, tm := range st.parsed.toolMsgs {
		if r.gate.Matches(st.sess, tm.ToolCallID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	answer := st.parsed.toolMsgs[idx].Content
	st.parsed.toolMsgs = append(st.parsed.toolMsgs[:idx], st.parsed.toolMsgs[idx+1:]...)
	todoRev := r.todos.Revision(st.sessionID)

	res, err := r.gate.Resume(st.sess, answer)
	if err != nil {
		return false, llm.Wrap(llm.KindServerError, err, "resume approval")
	}
	if err := r.store.Update(ctx, st.sess); err != nil {
		return false, llm.Wrap(llm.KindServerError, err, "persist approval decision")
	}

	// The usage and provider metadata parked with the batch belong to
	// the turn that finally records the interaction.
	savedUsage := responses.UsageFrom(res.SavedUsage)
	addUsage(st.resp, savedUsage)

	results := res.Denied
	if res.Decision != approval.DecisionDeny {
		results = r.execBatch(ctx, st.sess, res.Calls, st.clientSide)
	}
	if err := r.store.AppendToolInteraction(ctx, st.sessionID, res.SavedInputMessages, res.Calls, results, res.SavedUsage, res.SavedProviderRaw); err != nil {
		return false, llm.Wrap(llm.KindServerError, err, "append resumed interaction")
	}
	r.recordBatch(st, res.Calls, results, nil, false)

	if res.Decision == approval.DecisionDeny {
		return false, nil
	}

	chained := append(models.CloneToolCalls(res.RemainingChained),
		r.chains.Build(st.sessionID, res.Calls, results)...)
	parked, err := r.runChains(ctx, st, chained)
	r.syncTodos(ctx, st, todoRev)
	if err != nil || parked {
		return parked, err
	}

	if clientCalls := filterClient(res.Calls, st.clientSide); len(clientCalls) > 0 {
		r.deferClientCalls(st, clientCalls, savedUsage)
		return true, nil
	}
	return false, nil
}

// prepareInput normalizes the parsed input against stored history:
// lost histories are rebuilt from echoed calls, resent messages are
// deduplicated, and tool outputs finalize their placeholder results.
func (r *Runner) prepareInput(ctx context.Context, st *turnState) error {
	history, err := r.store.History(ctx, st.sessionID)
	if err != nil {
		return llm.Wrap(llm.KindServerError, err, "load history")
	}

	if len(history) == 0 && len(st.parsed.echoes) > 0 {
		if err := r.recoverEcho(ctx, st); err != nil {
			return err
		}
	} else {
		st.newMessages = dedupeMessages(history, st.parsed.messages)
	}

	for _, tm := range st.parsed.toolMsgs {
		err := r.store.ReplaceToolResult(ctx, st.sessionID, tm.ToolCallID, tm.Content, tm.ToolName)
		switch {
		case errors.Is(err, session.ErrNoSuchToolResult):
			r.logger.Warn("dropping tool output with no matching call",
				"session_id", st.sessionID,
				"tool_call_id", tm.ToolCallID)
		case err != nil:
			return llm.Wrap(llm.KindServerError, err, "replace tool result")
		}
	}
	return nil
}

// recoverEcho rebuilds a history the server no longer has from the
// client's transcript replay: the echoed calls become one assistant
// message placed between the replayed context and its tool outputs.
// Echoes without a matching output get the empty-content placeholder
// that ReplaceToolResult finalizes later.
func (r *Runner) recoverEcho(ctx context.Context, st *turnState) error {
	byCall := make(map[string]models.Message, len(st.parsed.toolMsgs))
	for _, tm := range st.parsed.toolMsgs {
		byCall[tm.ToolCallID] = tm
	}

	results := make([]models.ToolResult, 0, len(st.parsed.echoes))
	consumed := make(map[string]bool, len(st.parsed.echoes))
	for _, echo := range st.parsed.echoes {
		result := models.ToolResult{ToolCallID: echo.ID, ToolName: echo.Name}
		if tm, ok := byCall[echo.ID]; ok {
			result.Content = tm.Content
			consumed[echo.ID] = true
		}
		results = append(results, result)
	}

	pre := st.parsed.messages[:st.parsed.preEchoMessages]
	if err := r.store.AppendToolInteraction(ctx, st.sessionID, pre, st.parsed.echoes, results, nil, nil); err != nil {
		return llm.Wrap(llm.KindServerError, err, "recover echoed history")
	}
	r.logger.Info("history recovered from echoed calls",
		"session_id", st.sessionID,
		"calls", len(st.parsed.echoes))

	st.newMessages = st.parsed.messages[st.parsed.preEchoMessages:]

	remaining := st.parsed.toolMsgs[:0]
	for _, tm := range st.parsed.toolMsgs {
		if !consumed[tm.ToolCallID] {
			remaining = append(remaining, tm)
		}
	}
	st.parsed.toolMsgs = remaining
	return nil
}

// textOnlyTurn is the degenerate path when no tools are available at
// all: one provider call, one assistant message.
func (r *Runner) textOnlyTurn(ctx context.Context, st *turnState) error {
	invReq := &llm.InvokeRequest{
		SessionID:    st.sessionID,
		NewMessages:  st.newMessages,
		Instructions: st.req.API.Instructions,
	}
	if st.sink != nil {
		invReq.OnDelta = func(delta string) {
			r.emit(st, responses.TextDeltaEvent(delta))
		}
	}
	resp, _, err := r.invoker.Invoke(ctx, invReq)
	if err != nil {
		return err
	}
	st.resp.Metadata.Iterations = 1
	usage := responses.UsageFrom(resp.Usage)
	addUsage(st.resp, usage)
	return r.finishText(ctx, st, resp, usage)
}

// finishText appends the assistant's final text and completes the turn.
func (r *Runner) finishText(ctx context.Context, st *turnState, resp *llm.Response, usage *responses.Usage) error {
	assistant := models.Message{
		Role:        models.RoleAssistant,
		Content:     resp.Content,
		Usage:       resp.Usage,
		ProviderRaw: resp.ProviderRaw,
	}
	if err := r.store.AppendAssistant(ctx, st.sessionID, st.newMessages, assistant); err != nil {
		return llm.Wrap(llm.KindServerError, err, "append assistant turn")
	}
	st.resp.Output = append(st.resp.Output, responses.MessageItem(resp.Content))
	r.emit(st, responses.TextDoneEvent(resp.Content, usage))
	st.resp.Finish(responses.StatusCompleted)
	return nil
}

// handleToolCalls processes one batch the model decided: unknown names
// fail the turn, gated batches park, and the rest executes in parallel
// before chain follow-ups run. Returns done when the turn reached a
// terminal state.
func (r *Runner) handleToolCalls(ctx context.Context, st *turnState, resp *llm.Response, usage *responses.Usage) (bool, error) {
	calls := resp.ToolCalls

	for _, call := range calls {
		if st.clientSide(call.Name) || r.registry.IsServerSide(call.Name) {
			continue
		}
		if r.registry.RequiresApproval(call.Name, st.sess) {
			continue
		}
		return false, llm.Errorf(llm.KindToolNotImplemented, "tool not implemented: %s", call.Name)
	}

	if gated := r.gate.Gated(calls, st.sess); len(gated) > 0 {
		err := r.parkBatch(ctx, st, parkableCalls(calls, gated, st.clientSide), approval.ParkState{
			SavedInputMessages: st.newMessages,
			SavedUsage:         resp.Usage,
			SavedProviderRaw:   resp.ProviderRaw,
		}, usage)
		return err == nil, err
	}

	results := r.execBatch(ctx, st.sess, calls, st.clientSide)
	if err := r.store.AppendToolInteraction(ctx, st.sessionID, st.newMessages, calls, results, resp.Usage, resp.ProviderRaw); err != nil {
		return false, llm.Wrap(llm.KindServerError, err, "append tool interaction")
	}
	r.recordBatch(st, calls, results, usage, true)

	parked, err := r.runChains(ctx, st, r.chains.Build(st.sessionID, calls, results))
	if err != nil || parked {
		return parked, err
	}

	if clientCalls := filterClient(calls, st.clientSide); len(clientCalls) > 0 {
		r.deferClientCalls(st, clientCalls, usage)
		return true, nil
	}
	return false, nil
}

// runChains executes follow-up rounds until the chain registry stops
// producing calls. A gated follow-up parks the whole remaining round;
// rounds beyond the cap are dropped with a warning.
func (r *Runner) runChains(ctx context.Context, st *turnState, chained []models.ToolCall) (bool, error) {
	for round := 0; len(chained) > 0; round++ {
		if round >= r.cfg.MaxChainRounds {
			r.logger.Warn("chain follow-ups dropped at round cap",
				"session_id", st.sessionID,
				"dropped", len(chained))
			return false, nil
		}
		if gated := r.gate.Gated(chained, st.sess); len(gated) > 0 {
			err := r.parkBatch(ctx, st, chained, approval.ParkState{}, nil)
			return err == nil, err
		}
		results := r.execBatch(ctx, st.sess, chained, st.clientSide)
		if err := r.store.AppendToolInteraction(ctx, st.sessionID, nil, chained, results, nil, nil); err != nil {
			return false, llm.Wrap(llm.KindServerError, err, "append chained interaction")
		}
		r.recordBatch(st, chained, results, nil, false)
		chained = r.chains.Build(st.sessionID, chained, results)
	}
	return false, nil
}

// parkBatch hands a batch to the approval gate and surfaces the
// synthesized question as the turn's output.
func (r *Runner) parkBatch(ctx context.Context, st *turnState, calls []models.ToolCall, state approval.ParkState, usage *responses.Usage) error {
	ask := r.gate.Park(st.sess, calls, state)
	if err := r.store.Update(ctx, st.sess); err != nil {
		return llm.Wrap(llm.KindServerError, err, "persist pending approval")
	}
	item := responses.FunctionCallItem(ask.ID, ask.Name, argsString(ask.Args))
	st.resp.Output = append(st.resp.Output, item)
	r.emit(st, responses.FunctionCallDoneEvent(item, usage))
	st.resp.Finish(responses.StatusIncomplete)
	return nil
}

// recordBatch folds an executed batch into the response: server-side
// calls and their results land in tool_history and results go out on
// the stream. Per-call announcements cover only calls the model itself
// decided; chained and resumed batches skip them.
func (r *Runner) recordBatch(st *turnState, calls []models.ToolCall, results []models.ToolResult, usage *responses.Usage, llmDecided bool) {
	st.resp.Metadata.ToolCallCount += len(calls)

	for _, call := range calls {
		if st.clientSide(call.Name) {
			continue
		}
		item := responses.FunctionCallItem(call.ID, call.Name, argsString(call.Args))
		st.resp.Metadata.ToolHistory = append(st.resp.Metadata.ToolHistory, item)
		if llmDecided {
			r.emit(st, responses.FunctionCallDoneEvent(item, usage))
		}
	}
	for i, result := range results {
		if i < len(calls) && st.clientSide(calls[i].Name) {
			continue
		}
		item := responses.FunctionCallOutputItem(result.ToolCallID, result.Content)
		st.resp.Metadata.ToolHistory = append(st.resp.Metadata.ToolHistory, item)
		r.emit(st, responses.ToolResultDoneEvent(item))
	}
}

// deferClientCalls surfaces calls the caller must execute and ends the
// turn; the follow-up request finalizes their placeholder results.
func (r *Runner) deferClientCalls(st *turnState, calls []models.ToolCall, usage *responses.Usage) {
	for _, call := range calls {
		item := responses.FunctionCallItem(call.ID, call.Name, argsString(call.Args))
		st.resp.Output = append(st.resp.Output, item)
		r.emit(st, responses.FunctionCallDoneEvent(item, usage))
	}
	st.resp.Finish(responses.StatusIncomplete)
}

// syncTodos mirrors the manager's todo list onto the session record
// and announces the change when this iteration touched it.
func (r *Runner) syncTodos(ctx context.Context, st *turnState, prevRev uint64) {
	if r.todos.Revision(st.sessionID) == prevRev {
		return
	}
	items := r.todos.Get(st.sessionID)
	st.sess.Todos = items
	if err := r.store.Update(ctx, st.sess); err != nil {
		r.logger.Warn("persisting todo snapshot failed",
			"session_id", st.sessionID,
			"error", err)
	}
	if st.sink != nil {
		r.emit(st, responses.TodoUpdatedEvent(items))
	}
}

// addUsage accumulates iteration usage into the response total.
func addUsage(resp *responses.Response, usage *responses.Usage) {
	if usage == nil {
		return
	}
	if resp.Usage == nil {
		resp.Usage = &responses.Usage{}
	}
	resp.Usage.Add(usage)
}

func filterClient(calls []models.ToolCall, clientSide func(string) bool) []models.ToolCall {
	var out []models.ToolCall
	for _, call := range calls {
		if clientSide(call.Name) {
			out = append(out, call)
		}
	}
	return out
}

// parkableCalls selects what rides into a pending approval: every
// gated call plus the cleared server-side ones. Cleared client-side
// calls drop out; the model can reissue them after the user answers.
func parkableCalls(calls, gated []models.ToolCall, clientSide func(string) bool) []models.ToolCall {
	gatedIDs := make(map[string]bool, len(gated))
	for _, g := range gated {
		gatedIDs[g.ID] = true
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if gatedIDs[call.ID] || !clientSide(call.Name) {
			out = append(out, call)
		}
	}
	return out
}
