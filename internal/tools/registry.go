package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayops/relay/internal/chain"
	"github.com/relayops/relay/pkg/models"
)

// Parameter limits applied before any tool runs.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// DefaultDiscoveryTTL is how long externally discovered tools are
// cached before the source is asked again.
const DefaultDiscoveryTTL = 5 * time.Minute

// ExternalSource lists tools discovered outside the process, such as
// an MCP server. Implementations own their transport.
type ExternalSource interface {
	Discover(ctx context.Context) ([]External, error)
}

// Registry is the process-wide tool schema registry. Reads vastly
// outnumber writes; writes happen at startup and on external
// discovery.
type Registry struct {
	mu        sync.RWMutex
	server    map[string]Tool
	client    map[string]Descriptor
	external  map[string]External
	approval  map[string]bool
	chains    *chain.Registry
	chained   map[string]bool
	source    ExternalSource
	ttl       time.Duration
	fetchedAt time.Time
	validator *schemaValidator
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithExternalSource wires the discovery backend.
func WithExternalSource(source ExternalSource) Option {
	return func(r *Registry) { r.source = source }
}

// WithDiscoveryTTL overrides the external discovery cache TTL.
func WithDiscoveryTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithChainRegistry wires the registry that receives chain rules found
// in discovered tool metadata.
func WithChainRegistry(chains *chain.Registry) Option {
	return func(r *Registry) { r.chains = chains }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds a registry pre-populated with the fixed
// client-side descriptors.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		server:    make(map[string]Tool),
		client:    make(map[string]Descriptor),
		external:  make(map[string]External),
		approval:  make(map[string]bool),
		chained:   make(map[string]bool),
		ttl:       DefaultDiscoveryTTL,
		validator: newSchemaValidator(),
		logger:    slog.Default(),
	}
	for _, d := range clientDescriptors() {
		r.client[d.Name] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tools")
	return r
}

// Register adds a server-side tool, replacing any previous tool with
// the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server[tool.Name()] = tool
}

// MarkApprovalRequired flags a tool as needing user approval before
// execution.
func (r *Registry) MarkApprovalRequired(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approval[name] = true
}

// RequiresApproval reports whether a call to name must be approved in
// the given session. A session that already chose "Always Allow" for
// the tool bypasses the gate.
func (r *Registry) RequiresApproval(name string, sess *models.Session) bool {
	r.mu.RLock()
	required := r.approval[name]
	r.mu.RUnlock()
	if !required {
		return false
	}
	if sess != nil && sess.AutoApproved[name] {
		return false
	}
	return true
}

// IsClientSide reports whether the tool executes on the caller. A
// registered server-side tool wins over the client-name convention, so
// deployments may take over a conventionally client-side name.
func (r *Registry) IsClientSide(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.server[name]; ok {
		return false
	}
	if _, ok := r.external[name]; ok {
		return false
	}
	if _, ok := r.client[name]; ok {
		return true
	}
	return IsClientSideName(name)
}

// IsServerSide reports whether the tool is executable in this process,
// either builtin or externally discovered.
func (r *Registry) IsServerSide(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.server[name]; ok {
		return true
	}
	_, ok := r.external[name]
	return ok
}

// Resolve maps tool names to the descriptors advertised to the model,
// preserving order and skipping names nothing knows about. Server-side
// registrations shadow client descriptors of the same name.
func (r *Registry) Resolve(names []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if t, ok := r.server[name]; ok {
			out = append(out, DescriptorOf(t))
			continue
		}
		if ext, ok := r.external[name]; ok {
			out = append(out, DescriptorOf(ext.Tool))
			continue
		}
		if d, ok := r.client[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Names returns every name the registry can advertise: client-side,
// server-side, and cached external tools. A name registered in more
// than one place appears once.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.client)+len(r.server)+len(r.external))
	out := make([]string, 0, len(r.client)+len(r.server)+len(r.external))
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for name := range r.client {
		add(name)
	}
	for name := range r.server {
		add(name)
	}
	for name := range r.external {
		add(name)
	}
	return out
}

// DiscoverExternal returns the externally discovered tools, refreshing
// the cache when the TTL has lapsed. On refresh, approval flags and
// chain rules from tool metadata are registered as a side effect.
// Discovery failures fall back to the previous cache.
func (r *Registry) DiscoverExternal(ctx context.Context) []External {
	r.mu.RLock()
	fresh := !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < r.ttl
	cached := r.cachedExternalLocked()
	source := r.source
	r.mu.RUnlock()
	if source == nil {
		return nil
	}
	if fresh {
		return cached
	}

	discovered, err := source.Discover(ctx)
	if err != nil {
		r.logger.Warn("external tool discovery failed", "error", err)
		return cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.external = make(map[string]External, len(discovered))
	for _, ext := range discovered {
		name := ext.Tool.Name()
		r.external[name] = ext
		if ext.Meta.RequiresApproval {
			r.approval[name] = true
		}
		if ext.Meta.ChainRule != nil && r.chains != nil && !r.chained[name] {
			if err := r.chains.Register(*ext.Meta.ChainRule); err != nil {
				r.logger.Warn("discovered chain rule rejected", "tool", name, "error", err)
			} else {
				r.chained[name] = true
			}
		}
	}
	r.fetchedAt = time.Now()
	return r.cachedExternalLocked()
}

func (r *Registry) cachedExternalLocked() []External {
	out := make([]External, 0, len(r.external))
	for _, ext := range r.external {
		out = append(out, ext)
	}
	return out
}

// Execute validates arguments and runs a server-side tool. Lookup and
// argument problems come back as error results rather than Go errors
// so the model can see them.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.server[name]
	if !ok {
		if ext, extOK := r.external[name]; extOK {
			tool, ok = ext.Tool, true
		}
	}
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.validator.validate(name, tool.Schema(), params); err != nil {
		return &Result{
			Content: fmt.Sprintf("invalid arguments for %s: %v", name, err),
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}
