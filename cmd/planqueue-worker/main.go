// Command planqueue-worker wires every Plan Queue Runtime collaborator
// together (QueueAdapter, PlanStateStore, EventBus, PolicyEnforcer,
// ToolAgentClient, audit sink, telemetry) and runs the runtime until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/agentrt/planqueue/audit"
	auditmemory "github.com/agentrt/planqueue/audit/memory"
	"github.com/agentrt/planqueue/config"
	"github.com/agentrt/planqueue/eventbus"
	"github.com/agentrt/planqueue/planstate"
	planstatefile "github.com/agentrt/planqueue/planstate/file"
	planstatepostgres "github.com/agentrt/planqueue/planstate/postgres"
	"github.com/agentrt/planqueue/policy"
	"github.com/agentrt/planqueue/policy/basic"
	"github.com/agentrt/planqueue/queue"
	queuememory "github.com/agentrt/planqueue/queue/memory"
	"github.com/agentrt/planqueue/queue/pulse"
	"github.com/agentrt/planqueue/runtime"
	"github.com/agentrt/planqueue/telemetry"
	"github.com/agentrt/planqueue/telemetry/clue"
	"github.com/agentrt/planqueue/toolagent"
	toolagentgrpc "github.com/agentrt/planqueue/toolagent/grpc"
)

func main() {
	var (
		configF = flag.String("config", "", "path to a YAML config file (optional; env vars always take precedence)")
		dbgF    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	rt, cleanup, err := build(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer cleanup(ctx)

	if err := rt.Initialize(ctx); err != nil {
		log.Fatal(ctx, fmt.Errorf("initialize: %w", err))
	}
	log.Print(ctx, log.KV{K: "msg", V: "planqueue-worker ready"})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "shutdown error"})
	}
}

// build constructs every collaborator named in cfg and returns a ready (but
// not yet Initialized) Runtime, plus a cleanup function that releases the
// backends' own resources after Shutdown.
func build(ctx context.Context, cfg config.Config) (*runtime.Runtime, func(context.Context), error) {
	var closers []func(context.Context) error

	queueAdapter, closeQueue, err := buildQueue(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: %w", err)
	}
	closers = append(closers, closeQueue)

	store, closeStore, err := buildPlanState(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("planstate: %w", err)
	}
	closers = append(closers, closeStore)

	toolAgent, closeToolAgent, err := buildToolAgent(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("toolagent: %w", err)
	}
	closers = append(closers, closeToolAgent)

	bus := eventbus.New(eventbus.Options{})
	auditStore := auditmemory.New()
	policyEngine := basic.New(basic.Options{})

	rt := runtime.New(runtime.Options{
		Queue:     queueAdapter,
		Store:     store,
		Bus:       bus,
		Policy:    policy.Enforcer(policyEngine),
		ToolAgent: runtime.NewBreakerToolAgent(toolAgent),
		Audit:     audit.Store(auditStore),
		Logger:    clue.NewLogger(),
		Metrics:   clue.NewMetrics(),
		Tracer:    clue.NewTracer(),
		Config: runtime.Config{
			RetryMax:              cfg.Queue.RetryMax,
			RetryBackoff:          cfg.Queue.RetryBackoffDuration(),
			InitMaxAttempts:       cfg.Queue.InitMaxAttempts,
			InitBackoff:           cfg.Queue.InitBackoffDuration(),
			HistoryRetention:      5 * time.Minute,
			ContentCaptureEnabled: cfg.Content.Enabled,
			StateRetention:        time.Duration(cfg.PlanState.RetentionDays) * 24 * time.Hour,
		},
	})

	cleanup := func(ctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "cleanup error"})
			}
		}
	}
	return rt, cleanup, nil
}

func buildQueue(cfg config.Config) (queue.Adapter, func(context.Context) error, error) {
	switch cfg.Queue.Backend {
	case "pulse":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		adapter, err := pulse.New(pulse.Options{Redis: redisClient})
		if err != nil {
			return nil, nil, err
		}
		return adapter, adapter.Close, nil
	default:
		adapter := queuememory.New(queuememory.Options{})
		return adapter, adapter.Close, nil
	}
}

func buildPlanState(ctx context.Context, cfg config.Config) (planstate.Store, func(context.Context) error, error) {
	switch cfg.PlanState.Backend {
	case "relational":
		store, err := planstatepostgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := planstatefile.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func buildToolAgent(ctx context.Context, cfg config.Config) (toolagent.Client, func(context.Context) error, error) {
	client, err := toolagentgrpc.New(ctx, toolagentgrpc.Options{
		Addr:           cfg.ToolAgent.Addr,
		MaxDispatchRPS: cfg.ToolAgent.MaxDispatchRPS,
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func(context.Context) error { return client.Close() }

	var agent toolagent.Client = client
	if cfg.ToolAgent.SchemaPath != "" {
		schemas, err := loadToolSchemas(cfg.ToolAgent.SchemaPath)
		if err != nil {
			return nil, nil, err
		}
		agent = toolagent.NewSchemaValidatingClient(client, schemas)
	}
	return agent, closer, nil
}

func loadToolSchemas(path string) (toolagent.SchemaSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tool agent schemas: %w", err)
	}
	var schemas toolagent.SchemaSet
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("tool agent schemas: %w", err)
	}
	return schemas, nil
}

var _ telemetry.Logger // keep the telemetry import honest if clue wiring above changes
