package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pilottgo/pilott/internal/agent"
	"github.com/pilottgo/pilott/internal/config"
	"github.com/pilottgo/pilott/internal/events"
	"github.com/pilottgo/pilott/internal/llm"
	"github.com/pilottgo/pilott/internal/mcp"
	"github.com/pilottgo/pilott/internal/memory"
	"github.com/pilottgo/pilott/internal/persistence"
	"github.com/pilottgo/pilott/internal/serve"
	"github.com/pilottgo/pilott/internal/tool"
)

func main() {
	mcpMode := flag.Bool("mcp", true, "serve coordinator operations as MCP tools over stdio")
	flag.Parse()

	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "pilott ", log.LstdFlags)

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, stop, cfg, logger, *mcpMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Println("shutdown complete")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.PilottConfig, logger *log.Logger, mcpMode bool) error {
	bus := events.NewEventBus()
	defer bus.Close()

	var store persistence.Store
	if cfg.ArchivePath != "" {
		s, err := persistence.NewSQLiteStore(ctx, cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("opening task archive: %w", err)
		}
		defer s.Close()
		store = s
	}

	pool, err := buildServe(cfg, bus, store, logger)
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	// Mirror lifecycle events to the log so headless runs stay observable.
	eventCh := bus.SubscribeAll(256)
	go func() {
		for ev := range eventCh {
			logger.Printf("event: %T %+v", ev, ev)
		}
	}()

	errChan := make(chan error, 1)
	if mcpMode {
		go func() { errChan <- mcp.NewServer(pool, logger).Serve() }()
	}

	select {
	case err := <-errChan:
		// Client disconnected or the stdio transport failed.
		if err != nil {
			logger.Printf("mcp server exited: %v", err)
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits.
		stop()
		logger.Println("shutdown signal received, stopping coordinator...")
	}

	done := make(chan error, 1)
	go func() { done <- pool.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// newProviderClient resolves a raw model client for one provider entry.
// No client ships with this binary; hosts embedding the coordinator replace
// the hook with a real implementation keyed off the env var named by
// APIKeyEnv. Returning nil leaves agents on the sequential planner.
var newProviderClient = func(name string, pc config.ProviderConfig) llm.Handler {
	return nil
}

// buildProviders wraps each resolvable provider client in the resilience
// decorator so every configured rate limit and retry bound is enforced.
func buildProviders(cfg *config.PilottConfig, logger *log.Logger) map[string]llm.Handler {
	handlers := make(map[string]llm.Handler, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		inner := newProviderClient(name, pc)
		if inner == nil {
			logger.Printf("provider %q: no client available, dependent agents use sequential planning", name)
			continue
		}
		retry := llm.DefaultRetryConfig()
		if pc.RetryElapsedSeconds > 0 {
			retry.MaxElapsedTime = secondsOrZero(pc.RetryElapsedSeconds)
		}
		handlers[name] = llm.NewResilient(inner, llm.ResilientConfig{
			Name:   name + "/" + pc.Model,
			MaxRPM: pc.MaxRPM,
			Retry:  retry,
			Logger: logger,
		})
	}
	return handlers
}

// buildServe assembles the coordinator and its agent pool from configuration.
func buildServe(cfg *config.PilottConfig, bus *events.EventBus, store persistence.Store, logger *log.Logger) (*serve.Serve, error) {
	pool := serve.New(serve.Config{
		Name:                cfg.Serve.Name,
		MaxConcurrentTasks:  cfg.Serve.MaxConcurrentTasks,
		TaskTimeout:         secondsOrZero(cfg.Serve.TaskTimeoutSeconds),
		MaxQueueSize:        cfg.Serve.MaxQueueSize,
		CleanupInterval:     secondsOrZero(cfg.Serve.CleanupIntervalSeconds),
		TaskRetentionPeriod: secondsOrZero(cfg.Serve.TaskRetentionSeconds),
		MaxRetryAttempts:    cfg.Serve.MaxRetryAttempts,
		Logger:              logger,
	}, serve.Deps{
		Memory: memory.New(0),
		Bus:    bus,
		Store:  store,
	})

	tools := builtinTools()
	locks := agent.NewToolLockManager()
	registry := agent.NewRegistry()
	providers := buildProviders(cfg, logger)

	for name, ac := range cfg.Agents {
		typeName := ac.Type
		if typeName == "" {
			typeName = agent.WorkerType
		}
		exec, err := registry.New(typeName, agent.Config{
			ID:              name,
			Role:            ac.Role,
			Goal:            ac.Goal,
			Description:     ac.Description,
			Specializations: ac.Specializations,
			Capabilities:    ac.Capabilities,
			MaxIterations:   ac.MaxIterations,
			StepTimeout:     secondsOrZero(ac.StepTimeoutSeconds),
			QueueCapacity:   ac.QueueCapacity,
		}, agent.Deps{
			// A nil handler leaves the agent on the sequential planner.
			LLM:    providers[ac.Provider],
			Tools:  tools,
			Locks:  locks,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("building agent %q: %w", name, err)
		}
		if err := pool.AddAgent(context.Background(), exec); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// builtinTools registers the capabilities available to every configured
// agent.
func builtinTools() *tool.Registry {
	return tool.NewRegistry(
		tool.Func{
			ToolName: "echo",
			Fn: func(_ context.Context, input map[string]any) (any, error) {
				return input["message"], nil
			},
		},
		tool.Func{
			ToolName: "current_time",
			Fn: func(context.Context, map[string]any) (any, error) {
				return time.Now().Format(time.RFC3339), nil
			},
		},
		tool.Func{
			ToolName: "word_count",
			Fn: func(_ context.Context, input map[string]any) (any, error) {
				text, _ := input["text"].(string)
				return len(strings.Fields(text)), nil
			},
		},
	)
}

func secondsOrZero(s int) time.Duration {
	return time.Duration(s) * time.Second
}
