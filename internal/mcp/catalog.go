package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/relayops/relay/internal/tools"
)

const maxToolNameLen = 64

// Catalog aggregates tools from every configured MCP server and
// exposes them as an external tool source for the registry.
type Catalog struct {
	clients []*Client
	logger  *slog.Logger
}

// NewCatalog builds clients for the given endpoints. Call Connect
// before Discover.
func NewCatalog(configs []ServerConfig, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")
	clients := make([]*Client, 0, len(configs))
	for _, cfg := range configs {
		clients = append(clients, NewClient(cfg, logger))
	}
	return &Catalog{clients: clients, logger: logger}
}

// Connect performs handshakes with all servers. A server that fails
// to connect is logged and skipped; the catalog stays usable with the
// rest.
func (c *Catalog) Connect(ctx context.Context) {
	for _, client := range c.clients {
		if err := client.Connect(ctx); err != nil {
			c.logger.Warn("MCP server unavailable", "server", client.ID(), "error", err)
		}
	}
}

// Close releases every client.
func (c *Catalog) Close() {
	for _, client := range c.clients {
		_ = client.Close()
	}
}

// Discover lists tools across connected servers and bridges them into
// executable tools. Tool names are sanitized for function calling and
// deduplicated across servers.
func (c *Catalog) Discover(ctx context.Context) ([]tools.External, error) {
	var out []tools.External
	taken := make(map[string]bool)
	var lastErr error
	connected := 0
	for _, client := range c.clients {
		if !client.Connected() {
			continue
		}
		connected++
		specs, err := client.ListTools(ctx)
		if err != nil {
			c.logger.Warn("tool listing failed", "server", client.ID(), "error", err)
			lastErr = err
			continue
		}
		for _, spec := range specs {
			if spec == nil || spec.Name == "" {
				continue
			}
			name := safeToolName(spec.Name, taken)
			taken[name] = true
			ext := tools.External{
				Tool: &bridgedTool{client: client, spec: spec, name: name},
			}
			if spec.Meta != nil {
				ext.Meta = tools.Meta{
					RequiresApproval: spec.Meta.RequiresApproval,
					ChainRule:        spec.Meta.Chain,
				}
			}
			out = append(out, ext)
		}
	}
	if len(out) == 0 && connected > 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// bridgedTool adapts an MCP tool to the registry's tool interface.
type bridgedTool struct {
	client *Client
	spec   *ToolSpec
	name   string
}

func (b *bridgedTool) Name() string {
	return b.name
}

func (b *bridgedTool) Description() string {
	desc := strings.TrimSpace(b.spec.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.client.ID(), b.spec.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.client.ID(), b.spec.Name, desc)
}

func (b *bridgedTool) Schema() json.RawMessage {
	if len(b.spec.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b.spec.InputSchema
}

func (b *bridgedTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	result, err := b.client.CallTool(ctx, b.spec.Name, params)
	if err != nil {
		return nil, err
	}
	content, isError := flattenResult(result)
	return &tools.Result{Content: content, IsError: isError}, nil
}

// flattenResult renders a tool call result as a single string. Pure
// text content is joined with newlines; anything richer is passed
// through as the raw JSON payload.
func flattenResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText && combined.Len() > 0 {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}

// safeToolName lowercases the name, replaces anything outside
// [a-z0-9_] with underscores, truncates, and appends a numeric suffix
// on collision.
func safeToolName(name string, taken map[string]bool) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLower(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "tool"
	}
	if len(safe) > maxToolNameLen {
		safe = safe[:maxToolNameLen]
	}
	if !taken[safe] {
		return safe
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", safe, i)
		if len(candidate) > maxToolNameLen {
			candidate = fmt.Sprintf("%s_%d", safe[:maxToolNameLen-4], i)
		}
		if !taken[candidate] {
			return candidate
		}
	}
}
