package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// execBatch runs one batch of tool calls. Server-side calls execute in
// parallel under the concurrency cap, each with its own timeout;
// client-side calls get placeholder results carrying their arguments
// until the caller's follow-up turn finalizes them. Results come back
// in call order.
func (r *Runner) execBatch(ctx context.Context, sess *models.Session, calls []models.ToolCall, clientSide func(string) bool) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	sem := make(chan struct{}, r.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		if clientSide(call.Name) {
			results[i] = placeholderResult(call)
			continue
		}
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Content:    "context canceled",
					IsError:    true,
				}
				return
			}
			results[idx] = r.execOne(ctx, sess, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// execOne executes a single server-side call. Tool failures travel
// inside the result so the model can react to them; a Go error from the
// registry means the runtime itself broke and is reported the same way.
func (r *Runner) execOne(ctx context.Context, sess *models.Session, call models.ToolCall) models.ToolResult {
	toolCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()
	toolCtx = tools.WithSession(toolCtx, sess)

	res, err := r.registry.Execute(toolCtx, call.Name, call.Args)
	if err != nil {
		r.logger.Error("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err)
		return models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    fmt.Sprintf("Error executing tool '%s': %v", call.Name, err),
			IsError:    true,
		}
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    res.Content,
		IsError:    res.IsError,
	}
}

// placeholderResult records a client-side call before the client has
// run it. The arguments stand in as content; ReplaceToolResult swaps in
// the real output when the follow-up turn arrives.
func placeholderResult(call models.ToolCall) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    argsString(call.Args),
	}
}
