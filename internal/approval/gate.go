package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// The three answers offered for every approval question. Anything else
// counts as a denial.
const (
	ChoiceAllowOnce   = "Allow Once"
	ChoiceAlwaysAllow = "Always Allow"
	ChoiceDeny        = "Deny"
)

// Client answers may arrive wrapped by the question tool's UI.
const (
	chosePrefix = "User chose: "
	inputPrefix = "User input: "
)

const deniedResultFormat = "Permission denied by user for tool: %s"

// ErrNoPending is returned by Resume when the session has no parked
// approval to consume.
var ErrNoPending = errors.New("approval: no pending approval")

// Decision is the decoded user answer to an approval question.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllowOnce
	DecisionAlwaysAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowOnce:
		return "allow_once"
	case DecisionAlwaysAllow:
		return "always_allow"
	default:
		return "deny"
	}
}

// Gate parks tool batches that need the user's consent and resumes them
// when the answer comes back. The gate mutates the session record it is
// handed; persisting the record is the caller's job.
type Gate struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// NewGate creates an approval gate backed by the tool registry's
// approval flags.
func NewGate(registry *tools.Registry, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		registry: registry,
		logger:   logger.With("component", "approval"),
	}
}

// Gated returns the calls that need the user's approval in this
// session, preserving batch order.
func (g *Gate) Gated(calls []models.ToolCall, sess *models.Session) []models.ToolCall {
	var gated []models.ToolCall
	for _, call := range calls {
		if g.registry.RequiresApproval(call.Name, sess) {
			gated = append(gated, call)
		}
	}
	return gated
}

// ParkState carries the turn state that must survive until the user
// answers: the input messages not yet appended to history, the
// assistant turn's usage and raw provider metadata, and any chain
// follow-ups that were queued behind the gated batch.
type ParkState struct {
	SavedInputMessages []models.Message
	SavedUsage         *models.Usage
	SavedProviderRaw   json.RawMessage
	RemainingChained   []models.ToolCall
}

// Park stores the whole batch on the session as a PendingApproval and
// returns the synthetic ask_question call to surface to the client. The
// question names only the gated calls; cleared calls in the batch ride
// along and execute on resume.
func (g *Gate) Park(sess *models.Session, calls []models.ToolCall, state ParkState) models.ToolCall {
	gated := g.Gated(calls, sess)
	approvalID := "approval_" + uuid.NewString()

	args, _ := json.Marshal(struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices"`
	}{
		Question: questionText(gated),
		Choices:  []string{ChoiceAllowOnce, ChoiceAlwaysAllow, ChoiceDeny},
	})

	sess.Pending = &models.PendingApproval{
		ApprovalCallID:     approvalID,
		ToolCalls:          models.CloneToolCalls(calls),
		SavedInputMessages: models.CloneMessages(state.SavedInputMessages),
		SavedUsage:         state.SavedUsage.Clone(),
		RemainingChained:   models.CloneToolCalls(state.RemainingChained),
		CreatedAt:          time.Now(),
	}
	if len(state.SavedProviderRaw) > 0 {
		sess.Pending.SavedProviderRaw = append(json.RawMessage(nil), state.SavedProviderRaw...)
	}

	g.logger.Info("tool batch parked for approval",
		"session_id", sess.ID,
		"approval_call_id", approvalID,
		"gated", len(gated),
		"batch", len(calls))

	return models.ToolCall{ID: approvalID, Name: tools.AskQuestionName, Args: args}
}

// Matches reports whether toolCallID answers the session's pending
// approval.
func (g *Gate) Matches(sess *models.Session, toolCallID string) bool {
	return sess != nil && sess.Pending != nil && sess.Pending.ApprovalCallID == toolCallID
}

// Resumption is the outcome of consuming a pending approval. Calls
// always holds the parked batch; on a denial, Denied additionally holds
// one synthesized result per parked call and nothing should execute.
type Resumption struct {
	Decision         Decision
	Calls            []models.ToolCall
	Denied           []models.ToolResult
	RemainingChained []models.ToolCall

	SavedInputMessages []models.Message
	SavedUsage         *models.Usage
	SavedProviderRaw   json.RawMessage
}

// Resume consumes the session's pending approval with the user's
// answer. The pending record is cleared no matter the decision; a
// second resume for the same approval fails.
func (g *Gate) Resume(sess *models.Session, answer string) (*Resumption, error) {
	if sess == nil || sess.Pending == nil {
		return nil, ErrNoPending
	}
	pending := sess.Pending
	sess.Pending = nil

	decision := ParseDecision(answer)
	res := &Resumption{
		Decision:           decision,
		Calls:              pending.ToolCalls,
		RemainingChained:   pending.RemainingChained,
		SavedInputMessages: pending.SavedInputMessages,
		SavedUsage:         pending.SavedUsage,
		SavedProviderRaw:   pending.SavedProviderRaw,
	}

	switch decision {
	case DecisionAlwaysAllow:
		for _, call := range pending.ToolCalls {
			if !g.registry.RequiresApproval(call.Name, nil) {
				continue
			}
			if sess.AutoApproved == nil {
				sess.AutoApproved = make(map[string]bool)
			}
			sess.AutoApproved[call.Name] = true
		}
	case DecisionAllowOnce:
	default:
		res.Denied = DeniedResults(pending.ToolCalls)
		res.RemainingChained = nil
	}

	g.logger.Info("pending approval resumed",
		"session_id", sess.ID,
		"approval_call_id", pending.ApprovalCallID,
		"decision", decision.String())
	return res, nil
}

// ParseDecision decodes a question answer. The question tool may wrap
// the value in a "User chose: " or "User input: " prefix; anything that
// is not one of the two allow choices is a denial.
func ParseDecision(content string) Decision {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, chosePrefix)
	s = strings.TrimPrefix(s, inputPrefix)
	switch strings.TrimSpace(s) {
	case ChoiceAllowOnce:
		return DecisionAllowOnce
	case ChoiceAlwaysAllow:
		return DecisionAlwaysAllow
	default:
		return DecisionDeny
	}
}

// DeniedResults synthesizes one failed result per call so the model
// sees the denial instead of the batch silently vanishing.
func DeniedResults(calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    fmt.Sprintf(deniedResultFormat, call.Name),
			IsError:    true,
		}
	}
	return results
}

func questionText(calls []models.ToolCall) string {
	parts := make([]string, len(calls))
	for i, call := range calls {
		args := "{}"
		if len(call.Args) > 0 {
			args = string(call.Args)
		}
		parts[i] = fmt.Sprintf("%s(%s)", call.Name, args)
	}
	return "Allow " + strings.Join(parts, ", ") + "?"
}
