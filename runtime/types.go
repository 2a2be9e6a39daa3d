// Package runtime implements the Plan Queue Runtime: a durable workflow
// engine that accepts multi-step plans, enqueues individual steps onto a
// persistent queue, dispatches each step to a remote tool agent, enforces a
// capability policy and human-in-the-loop approvals between steps, persists
// step state for crash recovery, and publishes a live event stream.
package runtime

import "github.com/agentrt/planqueue/model"

// The data model lives in package model so that the collaborator contracts
// (policy.Enforcer, planstate.Store, eventbus.Bus) can depend on it without
// importing this package, which in turn depends on theirs. These aliases
// let the rest of this package refer to the types by their unqualified
// names, as if they were declared here directly.
type (
	Plan                  = model.Plan
	PlanStep              = model.PlanStep
	PlanSubject           = model.PlanSubject
	StepState             = model.StepState
	PlanStepEntry         = model.PlanStepEntry
	PlanStepMetadataEntry = model.PlanStepMetadataEntry
	PlanMetadata          = model.PlanMetadata
	PlanJob               = model.PlanJob
	PlanCompletion        = model.PlanCompletion
	PlanStepEvent         = model.PlanStepEvent
	ApprovalDecision      = model.ApprovalDecision
)

const (
	StateQueued          = model.StateQueued
	StateWaitingApproval = model.StateWaitingApproval
	StateRunning         = model.StateRunning
	StateRetrying        = model.StateRetrying
	StateApproved        = model.StateApproved
	StateCompleted       = model.StateCompleted
	StateFailed          = model.StateFailed
	StateRejected        = model.StateRejected
	StateDeadLettered    = model.StateDeadLettered
)

var (
	Approved = model.Approved
	Rejected = model.Rejected

	cloneStringMap = model.CloneStringMap
	cloneAnyMap    = model.CloneAnyMap
	cloneBoolMap   = model.CloneBoolMap
)
