package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 300 * time.Second

// Request is one completion call against a provider. Messages carry the
// full wire history; System is kept separate because providers disagree
// about where it goes.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []tools.Descriptor
	MaxTokens int
}

// Chunk is one streamed unit of a completion. Providers emit text as it
// arrives, tool calls once they are fully accumulated, and usage with
// the final Done chunk. A non-nil Err terminates the stream.
type Chunk struct {
	Text        string
	ToolCall    *models.ToolCall
	Usage       *models.Usage
	ProviderRaw json.RawMessage
	Done        bool
	Err         error
}

// Provider streams completions from one LLM backend. Complete returns
// immediately; the channel is closed after a Done or Err chunk.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Response is a fully accumulated completion.
type Response struct {
	Content     string
	ToolCalls   []models.ToolCall
	Usage       *models.Usage
	ProviderRaw json.RawMessage
}

// HasToolCalls reports whether the model decided to call tools.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Collect drains a chunk stream into a Response. Text deltas are
// relayed to onDelta as they arrive when it is non-nil.
func Collect(ctx context.Context, chunks <-chan *Chunk, onDelta func(string)) (*Response, error) {
	resp := &Response{}
	var text strings.Builder

	finish := func() *Response {
		resp.Content = text.String()
		if resp.Usage != nil && resp.Usage.TotalTokens == 0 {
			resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		}
		return resp
	}

	for {
		select {
		case <-ctx.Done():
			// Let the producer finish and close the channel.
			go func() {
				for range chunks {
				}
			}()
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return finish(), nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if onDelta != nil {
					onDelta(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Usage != nil {
				if resp.Usage == nil {
					resp.Usage = &models.Usage{}
				}
				resp.Usage.Add(chunk.Usage)
			}
			if len(chunk.ProviderRaw) > 0 {
				resp.ProviderRaw = chunk.ProviderRaw
			}
			if chunk.Done {
				return finish(), nil
			}
		}
	}
}

// ProviderConfig selects and configures one LLM backend.
type ProviderConfig struct {
	// Kind is one of "openai", "anthropic", "google".
	Kind string `yaml:"kind" json:"kind"`

	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model is the default model when a request does not name one.
	Model string `yaml:"model" json:"model"`
}

// NewProvider builds the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "google":
		return NewGoogleProvider(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider kind %q", cfg.Kind)
	}
}
