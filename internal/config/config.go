// Package config assembles the relayd configuration: one root struct
// with a section per subsystem, file values overlaid onto defaults,
// environment overrides, and validation that names the offending field.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayops/relay/internal/chain"
	"github.com/relayops/relay/internal/compaction"
	"github.com/relayops/relay/internal/llm"
	"github.com/relayops/relay/internal/mcp"
	"github.com/relayops/relay/internal/observability"
	"github.com/relayops/relay/internal/periodic"
	"github.com/relayops/relay/internal/runner"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/sessionfiles"
	"github.com/relayops/relay/internal/tools"
)

// Config is the root configuration for relayd.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	Runner        runner.Config       `yaml:"runner" json:"runner"`
	Session       session.Config      `yaml:"session" json:"session"`
	Compaction    compaction.Settings `yaml:"compaction" json:"compaction"`
	Tools         ToolsConfig         `yaml:"tools" json:"tools"`
	Chains        ChainsConfig        `yaml:"chains" json:"chains"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Pricing       PricingConfig       `yaml:"pricing" json:"pricing"`
	Periodic      periodic.Config     `yaml:"periodic" json:"periodic"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// ReadHeaderTimeout bounds request header parsing. There is no
	// write timeout because SSE responses stay open for a whole turn.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`

	// ShutdownTimeout is how long graceful shutdown waits for inflight
	// requests before the listener is torn down.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type AuthConfig struct {
	// JWTSecret enables HMAC signature verification of bearer tokens.
	// Empty means tokens are parsed without verification, trusting
	// whatever gateway issued them.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// UserRefClaim is the JWT claim carrying the caller identity.
	UserRefClaim string `yaml:"user_ref_claim" json:"user_ref_claim"`

	// AllowAnonymous admits requests without a bearer token under the
	// "anonymous" user.
	AllowAnonymous bool `yaml:"allow_anonymous" json:"allow_anonymous"`
}

type LLMConfig struct {
	Provider llm.ProviderConfig `yaml:"provider" json:"provider"`
	Invoker  llm.InvokerConfig  `yaml:"invoker" json:"invoker"`
}

type ToolsConfig struct {
	// ApprovalRequired lists tools gated behind user consent.
	ApprovalRequired []string `yaml:"approval_required" json:"approval_required"`

	// DiscoveryTTL is how long externally discovered tools are cached
	// before their source is asked again.
	DiscoveryTTL time.Duration `yaml:"discovery_ttl" json:"discovery_ttl"`

	// MCPServers are external tool servers bridged into the registry.
	MCPServers []mcp.ServerConfig `yaml:"mcp_servers" json:"mcp_servers"`

	// SessionFiles points the file tools at the storage service. An
	// empty base URL leaves them unregistered.
	SessionFiles sessionfiles.Config `yaml:"session_files" json:"session_files"`
}

type ChainsConfig struct {
	Rules []chain.Rule `yaml:"rules" json:"rules"`
}

type StorageConfig struct {
	// Driver selects the backend: memory, sqlite, or postgres.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	// Path is the SQLite database file, ":memory:" for ephemeral.
	Path string `yaml:"path" json:"path"`
}

type PricingConfig struct {
	// Path is a yaml rate table that replaces the built-in rates.
	Path string `yaml:"path" json:"path"`

	// Watch hot-reloads the table when the file changes.
	Watch bool `yaml:"watch" json:"watch"`
}

type ObservabilityConfig struct {
	Logging observability.LogConfig   `yaml:"logging" json:"logging"`
	Tracing observability.TraceConfig `yaml:"tracing" json:"tracing"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Auth: AuthConfig{
			UserRefClaim:   "sub",
			AllowAnonymous: true,
		},
		LLM: LLMConfig{
			Provider: llm.ProviderConfig{Kind: "anthropic"},
			Invoker:  llm.DefaultInvokerConfig(),
		},
		Runner:     runner.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Compaction: compaction.DefaultSettings(),
		Tools: ToolsConfig{
			DiscoveryTTL: tools.DefaultDiscoveryTTL,
		},
		Storage: StorageConfig{Driver: "memory"},
		Pricing: PricingConfig{Watch: true},
		Periodic: periodic.DefaultConfig(),
		Observability: ObservabilityConfig{
			Logging: observability.LogConfig{Level: "info", Format: "json"},
			Tracing: observability.TraceConfig{ServiceName: "relay"},
		},
	}
}

// Load builds the configuration. An empty path yields the defaults;
// otherwise the file is overlaid onto them. Environment variables are
// expanded inside the file, unknown fields are rejected, and the
// result is sanitized and validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		} else if err == nil {
			if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("parse config: expected a single document")
			}
		}
	}

	applyEnv(&cfg)
	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides individual options from the environment. These
// take precedence over the file so a deployment can tune one knob
// without editing it.
func applyEnv(cfg *Config) {
	if v, ok := envInt("MAX_AGENT_ITERATIONS"); ok {
		cfg.Runner.MaxIterations = v
	}
	if v, ok := envInt("MAX_OVERFLOW_RETRIES"); ok {
		cfg.LLM.Invoker.MaxOverflowRetries = v
	}
	if v, ok := envInt("MAX_LLM_RETRIES"); ok {
		cfg.LLM.Invoker.MaxLLMRetries = v
	}
	if v, ok := envSeconds("LLM_RETRY_BASE_DELAY"); ok {
		cfg.LLM.Invoker.RetryBaseDelay = v
	}
	if v, ok := envSeconds("SESSION_TTL_SECONDS"); ok {
		cfg.Session.TTL = v
	}
	if v, ok := envInt("MAX_SESSIONS"); ok {
		cfg.Session.MaxSessions = v
	}
	if v, ok := envInt("CONTEXT_WINDOW_HARD_MIN_TOKENS"); ok {
		cfg.LLM.Invoker.HardMinWindowTokens = v
	}
	if v, ok := envSeconds("TOOL_CACHE_TTL"); ok {
		cfg.Tools.DiscoveryTTL = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envSeconds(name string) (time.Duration, bool) {
	v, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

// Sanitize replaces zero or nonsense values with defaults, section by
// section.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Auth.UserRefClaim == "" {
		c.Auth.UserRefClaim = def.Auth.UserRefClaim
	}
	if c.LLM.Provider.Kind == "" {
		c.LLM.Provider.Kind = def.LLM.Provider.Kind
	}
	c.LLM.Invoker = c.LLM.Invoker.Sanitize()
	c.Runner = c.Runner.Sanitize()
	c.Session = c.Session.Sanitize()
	c.Compaction = c.Compaction.Sanitize()
	if c.Tools.DiscoveryTTL <= 0 {
		c.Tools.DiscoveryTTL = def.Tools.DiscoveryTTL
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	c.Periodic = c.Periodic.Sanitize()
	return c
}

// Validate rejects configurations that sanitizing cannot repair.
func (c Config) Validate() error {
	switch c.LLM.Provider.Kind {
	case "openai", "anthropic", "google":
	default:
		return fmt.Errorf("llm.provider.kind %q is not one of openai, anthropic, google", c.LLM.Provider.Kind)
	}

	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}

	for _, rule := range c.Chains.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("chains: %w", err)
		}
	}
	for i := range c.Tools.MCPServers {
		if err := c.Tools.MCPServers[i].Validate(); err != nil {
			return fmt.Errorf("tools.mcp_servers[%d]: %w", i, err)
		}
	}
	return nil
}
