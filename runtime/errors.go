package runtime

import "errors"

// Sentinel errors returned by PlanQueueRuntime's public contract (spec.md
// §7). Wrap with fmt.Errorf("...: %w", ...) at call sites that need to add
// context; callers should compare with errors.Is.
var (
	// ErrNotInitialized is returned by any operation invoked before
	// Initialize has completed successfully.
	ErrNotInitialized = errors.New("planqueue: runtime not initialized")
	// ErrAlreadyInitialized is not returned by Initialize: a call after a
	// successful Initialize is a no-op that returns nil.
	ErrAlreadyInitialized = errors.New("planqueue: runtime already initialized")
	// ErrInvalidPlan is returned by SubmitPlan when the plan fails basic
	// structural validation (empty ID, no steps, duplicate step IDs).
	ErrInvalidPlan = errors.New("planqueue: invalid plan")
	// ErrDuplicatePlan is returned by SubmitPlan when a plan with the same
	// ID is already active.
	ErrDuplicatePlan = errors.New("planqueue: duplicate plan")
	// ErrPlanNotFound is returned by operations addressing a plan with no
	// live metadata (never submitted, already completed, or canceled).
	ErrPlanNotFound = errors.New("planqueue: plan not found")
	// ErrStepNotFound names a step with no live entry (never scheduled, or
	// already terminal). No operation in this package returns it;
	// ResolveApproval reports that case as ErrStepUnavailable.
	ErrStepNotFound = errors.New("planqueue: step not found")
	// ErrStepUnavailable is returned by ResolveApproval when the target
	// step is neither in the registry nor the persisted store (terminal
	// or unknown).
	ErrStepUnavailable = errors.New("planqueue: step unavailable")
	// ErrStepNotWaitingApproval names a step that is not gated behind an
	// approval. No operation in this package returns it: ResolveApproval
	// does not check the target step's state.
	ErrStepNotWaitingApproval = errors.New("planqueue: step is not waiting for approval")
	// ErrPolicyDenied is a terminal policy rejection recorded against a
	// step (any PolicyEnforcer deny reason other than approval_required).
	ErrPolicyDenied = errors.New("planqueue: step denied by policy")
	// ErrPersistence wraps a PlanStateStore failure. Callers may retry.
	ErrPersistence = errors.New("planqueue: persistence failure")
	// ErrEnqueue wraps a QueueAdapter failure encountered while releasing
	// a step. A failed event has already been published by the time this
	// is returned.
	ErrEnqueue = errors.New("planqueue: enqueue failure")
	// ErrShuttingDown is returned by operations invoked after Shutdown has
	// begun.
	ErrShuttingDown = errors.New("planqueue: runtime is shutting down")
)
