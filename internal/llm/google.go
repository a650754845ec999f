package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/relayops/relay/internal/llm/toolconv"
	"github.com/relayops/relay/pkg/models"
)

// GoogleProvider speaks the Gemini API through the Google Gen AI SDK.
// Gemini does not assign tool call IDs, so the provider generates them,
// and thought signatures returned on function calls are kept in the
// assistant's raw payload so replays can carry them back.
type GoogleProvider struct {
	client *genai.Client
	model  string
}

// NewGoogleProvider creates the Gemini-backed provider.
func NewGoogleProvider(cfg ProviderConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{client: client, model: cfg.Model}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

// googleRaw is the payload stored verbatim on assistant messages. Gemini
// rejects replayed function calls whose thought signatures are missing,
// so they are keyed here by the generated call ID.
type googleRaw struct {
	ThoughtSignatures map[string][]byte `json:"thought_signatures,omitempty"`
}

func (p *GoogleProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	contents, system, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, Wrap(KindInvalidRequest, err, "google message conversion failed")
	}

	config := &genai.GenerateContentConfig{}

	systemText := req.System
	if system != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += system
	}
	if systemText != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemText}},
		}
	}

	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, p.client.Models.GenerateContentStream(ctx, model, contents, config), chunks)
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *Chunk) {
	var usage *models.Usage
	signatures := map[string][]byte{}

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		if err != nil {
			chunks <- &Chunk{Err: Wrap(classifyProviderError(err), err, "google stream failed"), Done: true}
			return
		}
		if resp == nil {
			continue
		}

		// Usage arrives cumulatively; the last report wins.
		if meta := resp.UsageMetadata; meta != nil {
			usage = &models.Usage{
				InputTokens:  int(meta.PromptTokenCount),
				OutputTokens: int(meta.CandidatesTokenCount),
				TotalTokens:  int(meta.TotalTokenCount),
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &Chunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					call := &models.ToolCall{
						ID:   generateToolCallID(part.FunctionCall.Name),
						Name: part.FunctionCall.Name,
						Args: argsJSON,
					}
					if len(part.ThoughtSignature) > 0 {
						signatures[call.ID] = part.ThoughtSignature
					}
					chunks <- &Chunk{ToolCall: call}
				}
			}
		}
	}

	done := &Chunk{Done: true, Usage: usage}
	if len(signatures) > 0 {
		if raw, err := json.Marshal(googleRaw{ThoughtSignatures: signatures}); err == nil {
			done.ProviderRaw = raw
		}
	}
	chunks <- done
}

// convertMessages maps history to Gemini contents. System content is
// returned separately for the system instruction, tool results ride on
// the user side, and saved thought signatures are reattached to the
// function calls they were issued for.
func (p *GoogleProvider) convertMessages(messages []models.Message) ([]*genai.Content, string, error) {
	var result []*genai.Content
	var systemParts []string

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"output": msg.Content}
			}
			name := msg.ToolName
			if name == "" {
				name = toolNameFromID(msg.ToolCallID, messages)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: response,
				},
			})
			result = append(result, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		var raw googleRaw
		if len(msg.ProviderRaw) > 0 {
			_ = json.Unmarshal(msg.ProviderRaw, &raw)
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				args = make(map[string]any)
			}
			part := &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			}
			if sig, ok := raw.ThoughtSignatures[tc.ID]; ok {
				part.ThoughtSignature = sig
			}
			content.Parts = append(content.Parts, part)
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, strings.Join(systemParts, "\n\n"), nil
}

// generateToolCallID creates an ID for a Gemini function call, which the
// API does not assign itself.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID recovers a tool name for results whose message lost it,
// first from the calls in history, then from the generated ID format.
func toolNameFromID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
