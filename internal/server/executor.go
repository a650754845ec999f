package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relayops/relay/internal/periodic"
	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/pkg/models"
)

// Executor returns the periodic executor that runs due tasks as
// headless turns through the server's turn pipeline. Scheduled runs
// persist their synthetic prompt and outputs to the task's session the
// same way interactive requests do, so the user can audit them later.
func (s *Server) Executor() periodic.Executor {
	return &turnExecutor{s: s}
}

type turnExecutor struct {
	s *Server
}

func (e *turnExecutor) Execute(ctx context.Context, task *models.PeriodicTask, prompt string) (*periodic.Result, error) {
	api := &responses.Request{
		Model: e.s.defaultModel,
		Input: responses.Input{{
			Type:    responses.ItemTypeMessage,
			Role:    "user",
			Content: responses.ItemContent(prompt),
		}},
		Instructions: periodic.HeadlessInstructions,
	}

	resp := e.s.completeTurn(ctx, api, task.SessionID, task.UserRef, nil)
	if resp.Status == responses.StatusFailed {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Type, resp.Error.Message)
		}
		return nil, errors.New("turn failed")
	}

	result := &periodic.Result{
		Summary:    outputSummary(resp),
		Iterations: resp.Metadata.Iterations,
	}
	if u := resp.Usage; u != nil {
		result.Usage = &models.Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.TotalTokens,
		}
	}
	return result, nil
}

// outputSummary joins the assistant message texts of a response.
func outputSummary(resp *responses.Response) string {
	var parts []string
	for _, it := range resp.Output {
		if it.Type != responses.ItemTypeMessage {
			continue
		}
		if text := it.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
