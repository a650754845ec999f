package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/relayops/relay/internal/llm/toolconv"
	"github.com/relayops/relay/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// Consecutive events with no usable payload before the stream is
// declared malformed.
const maxEmptyStreamEvents = 50

// AnthropicProvider speaks the Anthropic messages API. Text streams as
// deltas; tool input arrives as JSON fragments that are assembled until
// the content block closes.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates the Anthropic-backed provider.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  cfg.Model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	messages, system, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, Wrap(KindInvalidRequest, err, "anthropic message conversion failed")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// In-history system content (the compaction summary) joins the
	// request's own system prompt; Anthropic has no system role inline.
	systemText := req.System
	if system != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += system
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: systemText}}
	}

	if len(req.Tools) > 0 {
		converted, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, Wrap(KindInvalidRequest, err, "anthropic tool conversion failed")
		}
		params.Tools = converted
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *Chunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	defer close(chunks)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				eventProcessed = true
			case "thinking", "redacted_thinking":
				// Reasoning blocks are consumed but not surfaced.
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			case "thinking_delta", "signature_delta":
				eventProcessed = true
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Args = json.RawMessage(currentToolInput.String())
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &Chunk{
				Done: true,
				Usage: &models.Usage{
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
					TotalTokens:  inputTokens + outputTokens,
				},
			}
			return

		case "error":
			chunks <- &Chunk{Err: NewError(KindProviderRetryable, "anthropic stream error"), Done: true}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &Chunk{
					Err:  Errorf(KindProviderFatal, "stream appears malformed: %d consecutive empty events", emptyEventCount),
					Done: true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: Wrap(classifyProviderError(err), err, "anthropic stream failed"), Done: true}
	}
}

// convertMessages maps history to Anthropic content blocks. Tool results
// ride in user messages, and system content is returned separately for
// the caller to fold into the request's system prompt.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var systemParts []string

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Args) > 0 {
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					return nil, "", err
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, strings.Join(systemParts, "\n\n"), nil
}
