// Package runtime implements the Plan Queue Runtime: the durable workflow
// engine that accepts multi-step plans, enqueues their steps onto a durable
// queue, dispatches each step to a remote tool agent, enforces policy and
// human-in-the-loop approvals between steps, persists step state for crash
// recovery, and publishes a live event stream.
//
// The Runtime owns two consumers (StepConsumer on "plan.steps",
// CompletionConsumer on "plan.completions"), in-memory caches (a step
// registry, an approval cache, a subject cache) backed by a durable
// PlanStateStore, and the public API: Initialize, SubmitPlan,
// ResolveApproval, GetPlanSubject, CancelPlan, Shutdown.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentrt/planqueue/audit"
	"github.com/agentrt/planqueue/eventbus"
	"github.com/agentrt/planqueue/planstate"
	"github.com/agentrt/planqueue/policy"
	"github.com/agentrt/planqueue/queue"
	"github.com/agentrt/planqueue/telemetry"
	"github.com/agentrt/planqueue/toolagent"
)

// Runtime is the Plan Queue Runtime. All public methods are safe for
// concurrent use.
type Runtime struct {
	// Queue is the durable broker backing "plan.steps" and
	// "plan.completions".
	Queue queue.Adapter
	// Store persists per-step entries and per-plan metadata for crash
	// recovery.
	Store planstate.Store
	// Bus publishes PlanStepEvent records to live subscribers.
	Bus eventbus.Bus
	// Policy authorizes each step before it is enqueued or executed.
	Policy policy.Enforcer
	// ToolAgent dispatches authorized steps to the remote tool agent.
	ToolAgent toolagent.Client
	// Audit records a durable, append-only trail of deny/approval/step
	// lifecycle events. Optional; nil disables auditing.
	Audit audit.Store

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	cfg Config

	mu        sync.RWMutex
	registry  map[string]*registryEntry // key "planID:stepID"
	approvals map[string]map[string]bool
	subjects  map[string]*PlanSubject // live subjects, by planID

	retainedMu sync.Mutex
	retained   map[string]retainedSubject // evicted-but-in-window subjects, by planID

	locks *planLocks

	initGroup singleflight.Group
	initMu    sync.Mutex
	ready     bool
	shutdown  bool

	runCancel context.CancelFunc
	runGroup  *errgroup.Group
}

// registryEntry is the in-memory secondary index over a live
// PlanStepEntry. The persisted store remains authoritative; on any
// disagreement the registry is refreshed from the store.
type registryEntry struct {
	mu       sync.Mutex
	entry    PlanStepEntry
	inFlight bool
}

type retainedSubject struct {
	subject   *PlanSubject
	expiresAt time.Time
}

// Config tunes retry, backoff, and retention behavior (spec.md §6).
type Config struct {
	// RetryMax bounds the number of retryable-failure redeliveries
	// before a step is dead-lettered. Default 5.
	RetryMax int
	// RetryBackoff is the base delay for exponential retry backoff
	// (delay = RetryBackoff * 2^attempt, capped at RetryBackoffCap).
	RetryBackoff time.Duration
	// RetryBackoffCap caps the computed retry delay. Zero (or negative)
	// uses the default cap of 5 minutes.
	RetryBackoffCap time.Duration
	// InitMaxAttempts bounds Initialize's retry loop. Default 5.
	InitMaxAttempts int
	// InitBackoff is the base delay for Initialize's exponential
	// backoff.
	InitBackoff time.Duration
	// HistoryRetention bounds how long a plan's subject remains
	// queryable via GetPlanSubject after its last step terminates.
	HistoryRetention time.Duration
	// ContentCaptureEnabled controls whether step output is persisted
	// and published. When false, output is always dropped.
	ContentCaptureEnabled bool
	// StateRetention bounds how long terminal PlanStateStore entries
	// survive before the maintenance loop sweeps them. Default 30 days.
	StateRetention time.Duration
	// MaintenanceInterval is how often the maintenance loop runs Sweep
	// and evicts expired retained subjects. Default 1 hour.
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 5 * time.Minute
	}
	if c.InitMaxAttempts <= 0 {
		c.InitMaxAttempts = 5
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = time.Second
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 5 * time.Minute
	}
	if c.StateRetention <= 0 {
		c.StateRetention = 30 * 24 * time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	return c
}

// Options configures a new Runtime.
type Options struct {
	Queue     queue.Adapter
	Store     planstate.Store
	Bus       eventbus.Bus
	Policy    policy.Enforcer
	ToolAgent toolagent.Client
	Audit     audit.Store

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	Config Config
}

// New constructs a Runtime. Initialize must be called before any other
// public method is used.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Runtime{
		Queue:     opts.Queue,
		Store:     opts.Store,
		Bus:       opts.Bus,
		Policy:    opts.Policy,
		ToolAgent: opts.ToolAgent,
		Audit:     opts.Audit,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		cfg:       opts.Config.withDefaults(),
		registry:  make(map[string]*registryEntry),
		approvals: make(map[string]map[string]bool),
		subjects:  make(map[string]*PlanSubject),
		retained:  make(map[string]retainedSubject),
		locks:     newPlanLocks(),
	}
}

func entryKey(planID, stepID string) string { return planID + ":" + stepID }

// Initialize registers the StepConsumer and CompletionConsumer, rehydrates
// pending state from the PlanStateStore, and marks the runtime ready to
// accept submissions. It is idempotent: concurrent callers collapse onto a
// single attempt via singleflight, and a second call after success is a
// no-op. On failure it retries up to Config.InitMaxAttempts times with
// exponential backoff, reversing any partial registration between attempts
// so consumers are never duplicated.
func (r *Runtime) Initialize(ctx context.Context) error {
	_, err, _ := r.initGroup.Do("initialize", func() (any, error) {
		r.initMu.Lock()
		if r.ready {
			r.initMu.Unlock()
			return nil, nil
		}
		r.initMu.Unlock()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.InitBackoff
		attempts := 0
		operation := func() (any, error) {
			attempts++
			if attempts > r.cfg.InitMaxAttempts {
				return nil, backoff.Permanent(fmt.Errorf("planqueue: initialize exhausted %d attempts", r.cfg.InitMaxAttempts))
			}
			if err := r.doInitialize(ctx); err != nil {
				r.teardownConsumers()
				return nil, err
			}
			return nil, nil
		}
		_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.cfg.InitMaxAttempts)))
		if err != nil {
			return nil, err
		}
		r.initMu.Lock()
		r.ready = true
		r.initMu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Runtime) doInitialize(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	stepSub, err := r.Queue.Consume(groupCtx, queue.QueuePlanSteps, r.handleStepMessage)
	if err != nil {
		cancel()
		return fmt.Errorf("planqueue: subscribe %s: %w", queue.QueuePlanSteps, err)
	}
	completionSub, err := r.Queue.Consume(groupCtx, queue.QueuePlanCompletions, r.handleCompletionMessage)
	if err != nil {
		_ = stepSub.Close(ctx)
		cancel()
		return fmt.Errorf("planqueue: subscribe %s: %w", queue.QueuePlanCompletions, err)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = stepSub.Close(closeCtx)
		_ = completionSub.Close(closeCtx)
		return nil
	})

	group.Go(func() error {
		r.runMaintenance(groupCtx)
		return nil
	})

	r.runCancel = cancel
	r.runGroup = group

	if err := r.rehydrate(ctx); err != nil {
		return fmt.Errorf("planqueue: rehydrate: %w", err)
	}
	return nil
}

func (r *Runtime) teardownConsumers() {
	if r.runCancel != nil {
		r.runCancel()
		r.runCancel = nil
	}
	r.runGroup = nil
}

// requireReady returns ErrNotInitialized or ErrShuttingDown as appropriate,
// nil if the runtime is ready to accept work.
func (r *Runtime) requireReady() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.shutdown {
		return ErrShuttingDown
	}
	if !r.ready {
		return ErrNotInitialized
	}
	return nil
}

// Shutdown cancels the context shared by both consumer subscriptions and
// the maintenance loop, waits until the subscriptions are closed and the
// loop has returned, and clears in-memory caches. It does not wait for
// handler invocations that are already running, and it leaves per-plan
// locks as they are. Safe to call multiple times.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.initMu.Lock()
	if r.shutdown {
		r.initMu.Unlock()
		return nil
	}
	r.shutdown = true
	group := r.runGroup
	cancel := r.runCancel
	r.initMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			r.logger.Warn(ctx, "runtime shutdown: consumer group returned error", "err", err)
		}
	}

	r.mu.Lock()
	r.registry = make(map[string]*registryEntry)
	r.approvals = make(map[string]map[string]bool)
	r.subjects = make(map[string]*PlanSubject)
	r.mu.Unlock()

	r.retainedMu.Lock()
	r.retained = make(map[string]retainedSubject)
	r.retainedMu.Unlock()

	return nil
}
