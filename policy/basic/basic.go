// Package basic provides a simple policy.Enforcer implementation that
// enforces optional capability allow/block lists and escalates matching
// capabilities or labels to human approval. It covers the common case where
// teams want lightweight, declarative authorization without standing up a
// bespoke policy service.
package basic

import (
	"context"
	"strings"

	"github.com/agentrt/planqueue/policy"
	"github.com/agentrt/planqueue/model"
)

// Options configures the basic policy engine.
type Options struct {
	// AllowCapabilities restricts execution to these capability tokens.
	// Empty means no allowlist filter.
	AllowCapabilities []string
	// BlockCapabilities denies these capability tokens outright.
	BlockCapabilities []string
	// ApprovalCapabilities names capability tokens that must always be
	// escalated to human approval, independent of PlanStep.ApprovalRequired.
	ApprovalCapabilities []string
	// ApprovalLabels escalates a step to human approval when any of its
	// Labels has one of these keys with value "true".
	ApprovalLabels []string
	// Label annotates emitted decision labels; defaults to "basic".
	Label string
}

// Engine implements policy.Enforcer with allow/block filtering and
// capability/label-driven approval escalation.
type Engine struct {
	allow         map[string]struct{}
	block         map[string]struct{}
	approvalCaps  map[string]struct{}
	approvalFlags map[string]struct{}
	label         string
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Engine{
		allow:         toSet(opts.AllowCapabilities),
		block:         toSet(opts.BlockCapabilities),
		approvalCaps:  toSet(opts.ApprovalCapabilities),
		approvalFlags: toSet(opts.ApprovalLabels),
		label:         label,
	}
}

// EnforcePlanStep implements policy.Enforcer.
func (e *Engine) EnforcePlanStep(_ context.Context, step model.PlanStep, _ *model.PlanSubject) (policy.Decision, error) {
	labels := map[string]string{"policy_engine": e.label}

	if len(e.block) > 0 {
		if _, blocked := e.block[step.Capability]; blocked {
			return policy.Decision{Allowed: false, DenyReason: "capability_blocked", Labels: labels}, nil
		}
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[step.Capability]; !ok {
			return policy.Decision{Allowed: false, DenyReason: "capability_not_allowed", Labels: labels}, nil
		}
	}

	if step.ApprovalRequired {
		return policy.Decision{Allowed: false, DenyReason: policy.DenyReasonApprovalRequired, Labels: labels}, nil
	}
	if _, needsApproval := e.approvalCaps[step.Capability]; needsApproval {
		return policy.Decision{Allowed: false, DenyReason: policy.DenyReasonApprovalRequired, Labels: labels}, nil
	}
	for key, value := range step.Labels {
		if value != "true" {
			continue
		}
		if _, flagged := e.approvalFlags[key]; flagged {
			return policy.Decision{Allowed: false, DenyReason: policy.DenyReasonApprovalRequired, Labels: labels}, nil
		}
	}

	return policy.Decision{Allowed: true, Labels: labels}, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

var _ policy.Enforcer = (*Engine)(nil)
