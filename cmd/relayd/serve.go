package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayops/relay/internal/approval"
	"github.com/relayops/relay/internal/chain"
	"github.com/relayops/relay/internal/config"
	"github.com/relayops/relay/internal/llm"
	"github.com/relayops/relay/internal/mcp"
	"github.com/relayops/relay/internal/notify"
	"github.com/relayops/relay/internal/observability"
	"github.com/relayops/relay/internal/periodic"
	"github.com/relayops/relay/internal/pricing"
	"github.com/relayops/relay/internal/runner"
	"github.com/relayops/relay/internal/server"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/sessionfiles"
	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/internal/todo"
	"github.com/relayops/relay/internal/tools"
)

// evictInterval is how often idle sessions are swept.
const evictInterval = time.Minute

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relayd server",
		Long: `Start the relayd server with the configured provider and storage.

The server will:
1. Load configuration from the specified file (defaults apply without one)
2. Open the configured storage backend and pricing table
3. Register built-in tools and connect configured MCP servers
4. Start the HTTP API on the configured address
5. Start the periodic task scheduler

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with built-in defaults
  relayd serve

  # Start with a config file
  relayd serve --config /etc/relay/relay.yaml

  # Start with debug logging
  relayd serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command: configuration loading, wiring,
// and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Observability.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Observability.Logging)
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider.Kind,
		"storage", cfg.Storage.Driver,
	)

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	// Cancel on shutdown signals.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	go evictLoop(ctx, app.sessions, logger)

	errCh := make(chan error, 1)
	go func() {
		err := app.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("relayd listening", "addr", app.http.Addr)

	// Wait for a shutdown signal or a listener error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", "error", err)
	}
	if err := app.scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown incomplete", "error", err)
	}

	logger.Info("relayd stopped")
	return nil
}

// app holds the wired runtime and everything that needs closing.
type app struct {
	http      *http.Server
	scheduler *periodic.Scheduler
	sessions  *session.Memory
	store     store.Store
	pricing   *pricing.Table
	catalog   *mcp.Catalog
	tracer    *observability.Tracer
}

// buildApp assembles the runtime from the configuration: storage,
// pricing, tools, the provider stack, the runner, the HTTP surface,
// and the scheduler around it.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics()
	tracer, err := observability.NewTracer(ctx, cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	prices := pricing.New(logger)
	if cfg.Pricing.Path != "" {
		if err := prices.Load(cfg.Pricing.Path); err != nil {
			return nil, fmt.Errorf("failed to load pricing table: %w", err)
		}
		if cfg.Pricing.Watch {
			if err := prices.StartWatching(ctx); err != nil {
				logger.Warn("pricing watch failed", "error", err)
			}
		}
	}

	chains := chain.NewRegistry(logger)
	for _, rule := range cfg.Chains.Rules {
		if err := chains.Register(rule); err != nil {
			return nil, fmt.Errorf("failed to register chain rule %q: %w", rule.Source, err)
		}
	}

	catalog := mcp.NewCatalog(cfg.Tools.MCPServers, logger)
	catalog.Connect(ctx)

	registry := tools.NewRegistry(
		tools.WithLogger(logger),
		tools.WithDiscoveryTTL(cfg.Tools.DiscoveryTTL),
		tools.WithChainRegistry(chains),
		tools.WithExternalSource(catalog),
	)

	todos := todo.NewManager()
	notifier := notify.NewLogNotifier(logger)
	registry.Register(todo.NewTool(todos))
	registry.Register(notify.NewTool(notifier))
	registry.Register(periodic.NewTool(st))
	if cfg.Tools.SessionFiles.BaseURL != "" {
		client, err := sessionfiles.NewClient(cfg.Tools.SessionFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to build session files client: %w", err)
		}
		for _, t := range sessionfiles.Tools(client) {
			registry.Register(t)
		}
	}
	for _, name := range cfg.Tools.ApprovalRequired {
		registry.MarkApprovalRequired(name)
	}
	if len(cfg.Tools.MCPServers) > 0 {
		external := registry.DiscoverExternal(ctx)
		logger.Info("external tools discovered",
			"servers", len(cfg.Tools.MCPServers),
			"tools", len(external))
	}

	locker := session.NewLocker()
	sessions := session.NewMemory(cfg.Session, locker, logger)

	provider, err := llm.NewProvider(cfg.LLM.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}
	summarizer := llm.NewChatSummarizer(provider, cfg.LLM.Invoker.Model, 0)
	invoker := llm.NewInvoker(provider, sessions, registry, summarizer, cfg.Compaction, cfg.LLM.Invoker, logger)

	run := runner.New(runner.Options{
		Invoker:  invoker,
		Store:    sessions,
		Locker:   locker,
		Registry: registry,
		Gate:     approval.NewGate(registry, logger),
		Chains:   chains,
		Todos:    todos,
		Config:   cfg.Runner,
		Logger:   logger,
	})

	defaultModel := cfg.LLM.Invoker.Model
	if defaultModel == "" {
		defaultModel = cfg.LLM.Provider.Model
	}

	srv := server.New(server.Options{
		Runner:       run,
		Store:        st,
		Pricing:      prices,
		Todos:        todos,
		Identity:     server.NewIdentity(cfg.Auth.JWTSecret, cfg.Auth.UserRefClaim, cfg.Auth.AllowAnonymous),
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger,
		DefaultModel: defaultModel,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	scheduler := periodic.NewScheduler(periodic.Options{
		Store:    st,
		Executor: srv.Executor(),
		Notifier: notifier,
		Metrics:  metrics,
		Config:   cfg.Periodic,
		Logger:   logger,
	})

	return &app{
		http:      httpServer,
		scheduler: scheduler,
		sessions:  sessions,
		store:     st,
		pricing:   prices,
		catalog:   catalog,
		tracer:    tracer,
	}, nil
}

// openStore builds the configured storage backend.
func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(store.SQLiteConfig{Path: cfg.Path})
	case "postgres":
		return store.NewPostgresFromDSN(cfg.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// close releases everything the app holds, in dependency order.
func (a *app) close(logger *slog.Logger) {
	a.catalog.Close()
	if err := a.pricing.Close(); err != nil {
		logger.Error("pricing close", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Error("storage close", "error", err)
	}
}

// evictLoop sweeps idle sessions until ctx is canceled.
func evictLoop(ctx context.Context, sessions *session.Memory, logger *slog.Logger) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Evict(ctx); n > 0 {
				logger.Debug("sessions evicted", "count", n)
			}
		}
	}
}
