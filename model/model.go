// Package model defines the data types shared across the Plan Queue
// Runtime's collaborator boundaries: the runtime core, the QueueAdapter,
// PlanStateStore, EventBus, and PolicyEnforcer contracts all exchange these
// values without depending on one another's packages.
package model

import (
	"encoding/json"
	"time"
)

type (
	// Plan is an immutable, totally-ordered sequence of steps describing an
	// automation goal. Plans are immutable once submitted via SubmitPlan.
	Plan struct {
		// ID uniquely identifies the plan. Caller-supplied.
		ID string
		// Goal is a human-readable description of what the plan accomplishes.
		Goal string
		// Steps is the ordered sequence of steps that make up the plan.
		Steps []PlanStep
	}

	// PlanStep describes a single tool invocation within a plan.
	PlanStep struct {
		// ID is a stable identifier for the step, unique within its plan.
		ID string
		// Action is a human-readable action name (e.g. "search the web").
		Action string
		// Tool is the tool identifier the step dispatches to.
		Tool string
		// Capability is the permission token the policy engine evaluates.
		Capability string
		// CapabilityLabel is a human-readable label for Capability, surfaced
		// to approval UIs.
		CapabilityLabel string
		// Labels carries caller-provided metadata (tenant, priority, etc.).
		Labels map[string]string
		// TimeoutSeconds bounds the tool invocation's wall-clock duration.
		TimeoutSeconds int
		// ApprovalRequired gates the step behind a human approval before it
		// can be released onto the queue.
		ApprovalRequired bool
		// Input is the free-form tool input, canonicalized to JSON at
		// persistence/enqueue boundaries.
		Input map[string]any
		// Metadata is free-form, implementation-specific step metadata.
		Metadata map[string]any
	}

	// PlanSubject is the identity on whose behalf a plan executes. Subjects
	// are deep-cloned on every boundary crossing (persistence, enqueue,
	// publication) to prevent shared mutation; use Clone rather than
	// copying the struct by value, since Roles and Scopes are backed by
	// slices.
	PlanSubject struct {
		SessionID string
		TenantID  string
		UserID    string
		Email     string
		Name      string
		Roles     []string
		Scopes    []string
	}

	// StepState is the lifecycle state of a PlanStepEntry. Terminal states
	// are Completed, Failed, Rejected, and DeadLettered; no further events
	// for a step are published once it reaches one.
	StepState string

	// PlanStepEntry is the persisted record for one live (non-terminal)
	// step. An entry exists in the PlanStateStore if and only if the step
	// is non-terminal; it is deleted the moment the step reaches a
	// terminal state.
	PlanStepEntry struct {
		PlanID    string
		StepID    string
		Step      PlanStep
		TraceID   string
		State     StepState
		Attempt   int
		CreatedAt time.Time
		UpdatedAt time.Time
		Summary   string
		Output    json.RawMessage
		Approvals map[string]bool
		Subject   *PlanSubject
	}

	// PlanStepMetadataEntry is the per-step snapshot kept inside
	// PlanMetadata.Steps.
	PlanStepMetadataEntry struct {
		Step      PlanStep
		Attempt   int
		CreatedAt time.Time
		Subject   *PlanSubject
	}

	// PlanMetadata is the persisted, per-plan scheduling record. It exists
	// for the lifetime of the plan and is deleted once every step has
	// completed.
	PlanMetadata struct {
		PlanID             string
		TraceID            string
		Steps              []PlanStepMetadataEntry
		NextStepIndex      int
		LastCompletedIndex int
	}

	// PlanJob is the payload enqueued onto the plan.steps queue.
	PlanJob struct {
		PlanID    string
		Step      PlanStep
		Attempt   int
		CreatedAt time.Time
		TraceID   string
		Subject   *PlanSubject
	}

	// PlanCompletion is the payload published onto plan.completions by
	// external workers reporting a step outcome.
	PlanCompletion struct {
		PlanID  string
		StepID  string
		State   StepState
		Summary string
		Output  json.RawMessage
		Attempt int
		TraceID string
	}

	// PlanStepEvent is published to the EventBus for every step state
	// transition.
	PlanStepEvent struct {
		PlanID           string
		StepID           string
		State            StepState
		Capability       string
		CapabilityLabel  string
		Labels           map[string]string
		Tool             string
		TimeoutSeconds   int
		ApprovalRequired bool
		Attempt          int
		Summary          string
		Output           json.RawMessage
		Approvals        map[string]bool
		TraceID          string
		OccurredAt       time.Time
	}

	// ApprovalDecision is a sum type over the two possible human decisions
	// for an approval-gated step, modeled as a type rather than a bare
	// string compared at runtime.
	ApprovalDecision struct {
		kind      approvalKind
		Rationale string
	}

	approvalKind int
)

const (
	// StateQueued indicates the step's job has been enqueued and is
	// awaiting delivery.
	StateQueued StepState = "queued"
	// StateWaitingApproval indicates the step is gated behind a human
	// approval of its capability.
	StateWaitingApproval StepState = "waiting_approval"
	// StateRunning indicates the step's tool invocation is in flight.
	StateRunning StepState = "running"
	// StateRetrying indicates a retryable tool failure is being requeued.
	StateRetrying StepState = "retrying"
	// StateApproved indicates a human has approved the step's capability;
	// this is a transient signaling state published on the way to Queued.
	StateApproved StepState = "approved"
	// StateCompleted is a terminal state: the step's tool invocation
	// succeeded.
	StateCompleted StepState = "completed"
	// StateFailed is a terminal state: the step's tool invocation failed
	// without possibility of further retry.
	StateFailed StepState = "failed"
	// StateRejected is a terminal state: the step was denied by policy or
	// by an explicit human rejection.
	StateRejected StepState = "rejected"
	// StateDeadLettered is a terminal state: the step exhausted its retry
	// budget and was moved to the dead-letter queue.
	StateDeadLettered StepState = "dead_lettered"

	approvalApproved approvalKind = iota
	approvalRejected
)

// Approved constructs an ApprovalDecision representing a human grant,
// optionally carrying a rationale for audit purposes.
func Approved(rationale string) ApprovalDecision {
	return ApprovalDecision{kind: approvalApproved, Rationale: rationale}
}

// Rejected constructs an ApprovalDecision representing a human denial,
// optionally carrying a rationale for audit purposes.
func Rejected(rationale string) ApprovalDecision {
	return ApprovalDecision{kind: approvalRejected, Rationale: rationale}
}

// IsApproved reports whether the decision is a grant.
func (d ApprovalDecision) IsApproved() bool { return d.kind == approvalApproved }

// IsTerminal reports whether state is one of the four terminal states after
// which no further events for the step are published.
func (s StepState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateDeadLettered:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of the subject, or nil if s is nil. Every
// boundary crossing (persistence, enqueue, publication, GetPlanSubject)
// must return a clone so that no caller can mutate runtime-owned state
// through a shared reference.
func (s *PlanSubject) Clone() *PlanSubject {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Roles = append([]string(nil), s.Roles...)
	clone.Scopes = append([]string(nil), s.Scopes...)
	return &clone
}

// Clone returns a deep copy of the step, defensively copying Labels, Input,
// and Metadata maps.
func (s PlanStep) Clone() PlanStep {
	clone := s
	clone.Labels = CloneStringMap(s.Labels)
	clone.Input = CloneAnyMap(s.Input)
	clone.Metadata = CloneAnyMap(s.Metadata)
	return clone
}

// CloneStringMap returns a shallow copy of src, or nil if src is nil.
func CloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CloneAnyMap returns a shallow copy of src, or nil if src is nil.
func CloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CloneBoolMap returns a shallow copy of src, or nil if src is nil.
func CloneBoolMap(src map[string]bool) map[string]bool {
	if src == nil {
		return nil
	}
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
