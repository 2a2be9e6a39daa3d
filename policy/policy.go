// Package policy defines the PolicyEnforcer contract: the capability
// authorization check the runtime consults before releasing a step onto the
// queue (spec.md §4.2, §6). EnforcePlanStep is an opaque collaborator
// contract — the runtime treats a DenyReasonApprovalRequired decision as a
// pending, resumable state rather than a fatal rejection.
package policy

import (
	"context"

	"github.com/agentrt/planqueue/model"
)

// DenyReasonApprovalRequired is the sentinel deny reason the runtime
// special-cases: a step denied for this reason transitions to
// StateWaitingApproval instead of StateRejected.
const DenyReasonApprovalRequired = "approval_required"

type (
	// Enforcer is the PolicyEnforcer contract.
	Enforcer interface {
		// EnforcePlanStep evaluates whether step may be released for
		// subject. A non-nil error indicates the policy engine itself
		// failed (e.g. unreachable backend); it is distinct from a denied
		// Decision, which is a successful evaluation that says no.
		EnforcePlanStep(ctx context.Context, step model.PlanStep, subject *model.PlanSubject) (Decision, error)
	}

	// Decision is the outcome of a single EnforcePlanStep evaluation.
	Decision struct {
		// Allowed reports whether the step may proceed.
		Allowed bool
		// DenyReason explains a false Allowed. DenyReasonApprovalRequired
		// is handled specially by the runtime; any other value is a
		// terminal rejection.
		DenyReason string
		// Labels carries engine-specific annotations surfaced on published
		// events (e.g. which rule matched).
		Labels map[string]string
	}
)
