package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/relayops/relay/internal/compaction"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// InvokerConfig bounds the recovery loop around provider calls.
type InvokerConfig struct {
	// Model overrides the provider default when set.
	Model string `yaml:"model" json:"model"`
	// MaxTokens caps the response length, 0 leaves it to the provider.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// MaxOverflowRetries is how many compaction rounds an overflowing
	// request gets before the aggressive truncation fallback.
	MaxOverflowRetries int `yaml:"max_overflow_retries" json:"max_overflow_retries"`
	// MaxLLMRetries is the backoff budget for transient provider errors.
	MaxLLMRetries int `yaml:"max_llm_retries" json:"max_llm_retries"`
	// RetryBaseDelay is doubled on each retry attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`

	// HardMinWindowTokens fails a call up front when the configured
	// context window is too small to hold any useful conversation.
	HardMinWindowTokens int `yaml:"hard_min_window_tokens" json:"hard_min_window_tokens"`

	// Timeout bounds a single provider call including streaming.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultInvokerConfig returns the production defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxOverflowRetries:  3,
		MaxLLMRetries:       3,
		RetryBaseDelay:      time.Second,
		HardMinWindowTokens: 1024,
		Timeout:             DefaultTimeout,
	}
}

// Sanitize fills zero values with defaults.
func (c InvokerConfig) Sanitize() InvokerConfig {
	def := DefaultInvokerConfig()
	if c.MaxOverflowRetries <= 0 {
		c.MaxOverflowRetries = def.MaxOverflowRetries
	}
	if c.MaxLLMRetries <= 0 {
		c.MaxLLMRetries = def.MaxLLMRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.HardMinWindowTokens <= 0 {
		c.HardMinWindowTokens = def.HardMinWindowTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Invoker runs completions against a provider with layered recovery:
// proactive compaction before the call, summarization then one-shot
// aggressive truncation on overflow, exponential backoff on transient
// errors, and two last-resort fallbacks that drop tools and strip tool
// replay metadata from the history.
type Invoker struct {
	provider   Provider
	store      session.Store
	registry   *tools.Registry
	summarizer compaction.Summarizer
	settings   compaction.Settings
	cfg        InvokerConfig
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker wires the invoker. The summarizer may be nil, which
// disables summarization and leaves only truncation for overflow.
func NewInvoker(provider Provider, store session.Store, registry *tools.Registry, summarizer compaction.Summarizer, settings compaction.Settings, cfg InvokerConfig, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		provider:   provider,
		store:      store,
		registry:   registry,
		summarizer: summarizer,
		settings:   settings.Sanitize(),
		cfg:        cfg.Sanitize(),
		logger:     logger.With("component", "invoker"),
		sleep:      sleepContext,
	}
}

// SetSleepFunc replaces the retry delay, used by tests.
func (inv *Invoker) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		inv.sleep = fn
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// InvokeRequest is one agent-loop turn against the provider.
type InvokeRequest struct {
	SessionID   string
	NewMessages []models.Message
	// ToolNames is the resolved tool union for this turn. Ignored
	// unless UseTools is set.
	ToolNames []string
	// ExtraTools are request-declared descriptors the registry does not
	// know, advertised after the resolved names.
	ExtraTools []tools.Descriptor
	UseTools   bool
	// Instructions are appended to the generated system prompt.
	Instructions string
	// OnDelta receives text fragments as they stream, when set.
	OnDelta func(string)
}

// Invoke runs one completion and returns the response together with the
// history snapshot the successful call was built on. The snapshot may
// differ from the stored history the caller read earlier because
// compaction and truncation write their results back to the store.
func (inv *Invoker) Invoke(ctx context.Context, req *InvokeRequest) (*Response, []models.Message, error) {
	if inv.settings.ContextWindowTokens < inv.cfg.HardMinWindowTokens {
		return nil, nil, Errorf(KindInvalidRequest,
			"context window of %d tokens is below the %d token minimum",
			inv.settings.ContextWindowTokens, inv.cfg.HardMinWindowTokens)
	}

	history, err := inv.store.History(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}

	// At most one proactive compaction per call, before any provider
	// traffic.
	if compaction.ShouldCompactProactively(lastAssistantUsage(history), history, inv.settings) {
		if compacted, ok := inv.compactAndStore(ctx, req.SessionID, history); ok {
			history = compacted
		}
	}

	var descriptors []tools.Descriptor
	if req.UseTools {
		if len(req.ToolNames) > 0 {
			descriptors = inv.registry.Resolve(req.ToolNames)
		}
		descriptors = append(descriptors, req.ExtraTools...)
	}
	system := BuildSystemPrompt(descriptors, req.Instructions)

	overflowRetries := 0
	llmRetries := 0
	truncated := false

	for {
		payload := buildPayload(history, req.NewMessages)

		resp, err := inv.complete(ctx, system, payload, descriptors, req.OnDelta)
		if err == nil {
			return resp, history, nil
		}

		switch {
		case IsOverflow(err):
			if overflowRetries < inv.cfg.MaxOverflowRetries {
				overflowRetries++
				if compacted, ok := inv.compactAndStore(ctx, req.SessionID, history); ok {
					inv.logger.Info("history compacted after overflow",
						"session_id", req.SessionID,
						"attempt", overflowRetries)
					history = compacted
					continue
				}
			}
			if !truncated {
				truncated = true
				trimmed, n := compaction.TruncateAggressively(history, inv.settings)
				if n > 0 {
					inv.logger.Warn("aggressive truncation applied",
						"session_id", req.SessionID,
						"results_trimmed", n)
					inv.replaceHistory(ctx, req.SessionID, trimmed)
					history = trimmed
					overflowRetries = 0
					continue
				}
			}
			return nil, history, Wrap(KindContextOverflow, err, "context overflow persisted through compaction")

		case IsThoughtSignature(err):
			// Poisoned replay metadata. Backoff cannot help, so retry
			// once on a cleaned history instead.
			resp, cleanErr := inv.complete(ctx, system, cleanContext(payload), nil, req.OnDelta)
			if cleanErr == nil {
				inv.logger.Info("recovered on cleaned context",
					"session_id", req.SessionID)
				return resp, history, nil
			}
			return nil, history, err

		case IsRetryable(err) && llmRetries < inv.cfg.MaxLLMRetries:
			llmRetries++
			delay := inv.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(llmRetries-1)))
			inv.logger.Warn("provider call failed, backing off",
				"session_id", req.SessionID,
				"attempt", llmRetries,
				"delay", delay,
				"error", err)
			if serr := inv.sleep(ctx, delay); serr != nil {
				return nil, history, serr
			}
			continue

		default:
			if len(descriptors) > 0 {
				if resp, fbErr := inv.complete(ctx, system, payload, nil, req.OnDelta); fbErr == nil {
					inv.logger.Info("recovered by dropping tools",
						"session_id", req.SessionID)
					return resp, history, nil
				}
			}
			if resp, fbErr := inv.complete(ctx, system, cleanContext(payload), nil, req.OnDelta); fbErr == nil {
				inv.logger.Info("recovered on cleaned context",
					"session_id", req.SessionID)
				return resp, history, nil
			}
			return nil, history, err
		}
	}
}

func (inv *Invoker) complete(ctx context.Context, system string, payload []models.Message, descriptors []tools.Descriptor, onDelta func(string)) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	chunks, err := inv.provider.Complete(ctx, &Request{
		Model:     inv.cfg.Model,
		System:    system,
		Messages:  payload,
		Tools:     descriptors,
		MaxTokens: inv.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return Collect(ctx, chunks, onDelta)
}

// compactAndStore summarizes old history and writes the result back so
// the summary survives the turn. It reports false when compaction could
// not shrink the history, which sends the overflow loop to truncation.
func (inv *Invoker) compactAndStore(ctx context.Context, sessionID string, history []models.Message) ([]models.Message, bool) {
	if inv.summarizer == nil {
		return history, false
	}
	res, err := compaction.Compact(ctx, inv.summarizer, history, inv.settings)
	if err != nil {
		inv.logger.Warn("compaction failed",
			"session_id", sessionID,
			"error", err)
		return history, false
	}
	if !res.Changed || res.TokensAfter >= res.TokensBefore {
		return history, false
	}
	inv.replaceHistory(ctx, sessionID, res.History)
	return res.History, true
}

func (inv *Invoker) replaceHistory(ctx context.Context, sessionID string, history []models.Message) {
	if err := inv.store.ReplaceHistory(ctx, sessionID, history); err != nil {
		inv.logger.Warn("history write-back failed",
			"session_id", sessionID,
			"error", err)
	}
}

// buildPayload joins stored history with the turn's new messages and
// repairs any broken call and result pairing before wire conversion.
func buildPayload(history, newMessages []models.Message) []models.Message {
	combined := make([]models.Message, 0, len(history)+len(newMessages))
	combined = append(combined, models.CloneMessages(history)...)
	combined = append(combined, models.CloneMessages(newMessages)...)
	return session.RepairHistory(combined)
}

// lastAssistantUsage finds the usage recorded on the most recent
// assistant message. Real token counts from the provider beat the
// estimator when deciding whether to compact.
func lastAssistantUsage(history []models.Message) *models.Usage {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Usage != nil {
			return history[i].Usage
		}
	}
	return nil
}

// cleanContext rewrites tool traffic as plain text so providers that
// validate replayed tool metadata have nothing left to reject.
func cleanContext(payload []models.Message) []models.Message {
	cleaned := make([]models.Message, 0, len(payload))
	for _, msg := range payload {
		switch {
		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			parts := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args := strings.TrimSpace(string(tc.Args))
				if args == "" {
					args = "{}"
				}
				parts = append(parts, fmt.Sprintf("%s(%s)", tc.Name, args))
			}
			standIn := "[Called: " + strings.Join(parts, "; ") + "]"
			if msg.Content != "" {
				msg.Content += "\n" + standIn
			} else {
				msg.Content = standIn
			}
			msg.ToolCalls = nil
		case msg.Role == models.RoleTool:
			msg = models.Message{
				Role:    models.RoleUser,
				Content: "[Tool result]: " + msg.Content,
			}
		}
		msg.ProviderRaw = nil
		msg.ToolCallID = ""
		msg.ToolName = ""
		cleaned = append(cleaned, msg)
	}
	return cleaned
}
