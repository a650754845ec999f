package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/internal/runner"
	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// maxTitleLen bounds the session title derived from the first user
// message.
const maxTitleLen = 80

// Answer prefixes clients put on ask_question results. The prefix
// decides the recorded answer type; anything else is stored verbatim
// as free text.
const (
	choiceAnswerPrefix = "User chose: "
	textAnswerPrefix   = "User input: "
)

// completeTurn runs one turn through the whole pipeline: ensure the
// session row, persist the request's new input items, run the agent
// loop (streaming when sink is set), price the result, and persist the
// outputs. Persistence failures are logged and swallowed; once the
// request passed validation the caller always gets a response object.
func (s *Server) completeTurn(ctx context.Context, api *responses.Request, sessionID, userRef string, sink runner.Sink) *responses.Response {
	start := time.Now()
	if err := s.store.EnsureSession(ctx, sessionID, userRef); err != nil {
		s.logger.Error("ensure session", "session_id", sessionID, "error", err)
	}
	s.persistInput(ctx, sessionID, api)

	req := &runner.Request{API: api, SessionID: sessionID, UserRef: userRef}
	var resp *responses.Response
	if sink == nil {
		resp = s.runner.Run(ctx, req)
	} else {
		resp = s.runner.RunStream(ctx, req, sink)
	}

	s.applyCost(resp)
	s.persistOutputs(ctx, sessionID, resp)
	s.metrics.RecordTurn(string(resp.Status), time.Since(start).Seconds(), resp.Metadata.Iterations)
	return resp
}

// persistInput records the items a request newly contributes: tool-call
// echoes and tool results always, the trailing user message only when
// the request carries no tool results. Follow-up turns re-send the user
// message as context, and persisting it again would duplicate it.
// Input rows carry no response id; they belong to the request.
func (s *Server) persistInput(ctx context.Context, sessionID string, req *responses.Request) {
	hasToolResults := false
	for _, it := range req.Input {
		if it.Type == responses.ItemTypeFunctionCallOutput {
			hasToolResults = true
			break
		}
	}

	var rows []*store.Item
	for i, it := range req.Input {
		switch it.Type {
		case responses.ItemTypeFunctionCall:
			rows = append(rows, &store.Item{
				ID:        it.ID,
				Origin:    store.OriginInput,
				Type:      it.Type,
				CallID:    it.CallID,
				Name:      it.Name,
				Arguments: it.Arguments,
			})
		case responses.ItemTypeFunctionCallOutput:
			rows = append(rows, &store.Item{
				ID:     it.ID,
				Origin: store.OriginInput,
				Type:   it.Type,
				CallID: it.CallID,
				Output: it.Output,
			})
			s.settleQuestion(ctx, it.CallID, it.Output)
		case responses.ItemTypeMessage:
			if hasToolResults || i != len(req.Input)-1 || it.Role != "user" {
				continue
			}
			text := string(it.Content)
			rows = append(rows, &store.Item{
				Origin:  store.OriginInput,
				Type:    it.Type,
				Role:    it.Role,
				Content: text,
			})
			if err := s.store.SetSessionTitle(ctx, sessionID, titleFrom(text)); err != nil {
				s.logger.Warn("set session title", "session_id", sessionID, "error", err)
			}
		}
	}
	if len(rows) == 0 {
		return
	}
	if err := s.store.AppendItems(ctx, sessionID, "", rows); err != nil {
		s.logger.Error("persist input items", "session_id", sessionID, "error", err)
	}
}

// persistOutputs records what the turn produced: executed calls and
// results from the tool history, the output items, and a snapshot of
// the session's todo list when one exists. The response cost lands on
// the last assistant message and on the session aggregates.
func (s *Server) persistOutputs(ctx context.Context, sessionID string, resp *responses.Response) {
	var rows []*store.Item
	for _, it := range resp.Metadata.ToolHistory {
		rows = append(rows, outputRow(it))
	}
	lastMessage := -1
	for _, it := range resp.Output {
		if it.Type == responses.ItemTypeMessage {
			lastMessage = len(rows)
		}
		rows = append(rows, outputRow(it))
		if it.Type == responses.ItemTypeFunctionCall && it.Name == tools.AskQuestionName {
			s.recordQuestion(ctx, sessionID, it)
		}
	}
	if resp.Usage != nil && lastMessage >= 0 {
		rows[lastMessage].Cost = resp.Usage.TotalCost
	}
	if s.todos != nil {
		if items := s.todos.Get(sessionID); len(items) > 0 {
			if data, err := json.Marshal(items); err == nil {
				rows = append(rows, &store.Item{
					Origin:  store.OriginOutput,
					Type:    "todo_snapshot",
					Content: string(data),
				})
			}
		}
	}

	if len(rows) > 0 {
		if err := s.store.AppendItems(ctx, sessionID, resp.ID, rows); err != nil {
			s.logger.Error("persist output items",
				"session_id", sessionID,
				"response_id", resp.ID,
				"error", err)
		}
	}
	if u := resp.Usage; u != nil && u.TotalTokens > 0 {
		if err := s.store.AddSessionUsage(ctx, sessionID, u.InputTokens, u.OutputTokens, u.TotalTokens, u.TotalCost); err != nil {
			s.logger.Error("add session usage", "session_id", sessionID, "error", err)
		}
	}
}

func outputRow(it responses.OutputItem) *store.Item {
	row := &store.Item{
		ID:        it.ID,
		Origin:    store.OriginOutput,
		Type:      it.Type,
		Role:      it.Role,
		CallID:    it.CallID,
		Name:      it.Name,
		Arguments: it.Arguments,
		Output:    it.Output,
	}
	if it.Type == responses.ItemTypeMessage {
		row.Content = it.Text()
	}
	return row
}

// recordQuestion stores an ask_question call so a later turn's matching
// tool result can settle it.
func (s *Server) recordQuestion(ctx context.Context, sessionID string, it responses.OutputItem) {
	var args struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices"`
	}
	if it.Arguments != "" {
		if err := json.Unmarshal([]byte(it.Arguments), &args); err != nil {
			s.logger.Warn("parse ask_question arguments", "call_id", it.CallID, "error", err)
		}
	}
	q := &models.Question{
		CallID:    it.CallID,
		SessionID: sessionID,
		Question:  args.Question,
		Choices:   args.Choices,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		s.logger.Error("record question", "call_id", it.CallID, "error", err)
	}
}

// settleQuestion stores the answer when a tool result matches a
// recorded ask_question call. Results that match no question are just
// ordinary tool outputs.
func (s *Server) settleQuestion(ctx context.Context, callID, output string) {
	answer := output
	answerType := models.AnswerText
	switch {
	case strings.HasPrefix(output, choiceAnswerPrefix):
		answer = strings.TrimPrefix(output, choiceAnswerPrefix)
		answerType = models.AnswerChoice
	case strings.HasPrefix(output, textAnswerPrefix):
		answer = strings.TrimPrefix(output, textAnswerPrefix)
	}
	err := s.store.AnswerQuestion(ctx, callID, answer, answerType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("answer question", "call_id", callID, "error", err)
	}
}

// applyCost fills the cost fields of a response's usage from the
// pricing table. Assignments, not additions, so pricing the same
// response twice is harmless.
func (s *Server) applyCost(resp *responses.Response) {
	if s.pricing == nil || resp == nil || resp.Usage == nil {
		return
	}
	cost := s.pricing.Price(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	resp.Usage.InputCost = cost.Input
	resp.Usage.OutputCost = cost.Output
	resp.Usage.TotalCost = cost.Total
}

// priceUsage fills the cost fields of one usage record, used for the
// per-iteration payloads on the stream.
func (s *Server) priceUsage(model string, u *responses.Usage) {
	if s.pricing == nil || u == nil {
		return
	}
	cost := s.pricing.Price(model, u.InputTokens, u.OutputTokens)
	u.InputCost = cost.Input
	u.OutputCost = cost.Output
	u.TotalCost = cost.Total
}

// titleFrom derives a session title from the first line of a user
// message, truncated on a rune boundary.
func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return text
}
