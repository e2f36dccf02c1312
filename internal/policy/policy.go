// Package policy evaluates plan-wide and per-step policies, returning
// ALLOW / DENY / APPROVAL_REQUIRED with stable reason codes. Checks
// run in a fixed order and the first terminal condition
// short-circuits the rest.
package policy

import (
	"time"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/metrics"
	"github.com/sintraprime/ger/internal/model"
)

// Meta carries the per-invocation evaluation context.
type Meta struct {
	ExecutionID         string
	Command             string
	DomainID            string
	PhaseID             string
	ApprovedExecutionID string
	TotalStepsPlanned   int
}

// Environment supplies policy inputs that don't belong to the plan
// itself: budgets consumed so far, role/hour gates, requalification
// state, and the operator's role (if any).
type Environment struct {
	EngineFrozen       bool
	RunsToday          int
	MaxRunsPerDay      int
	MaxPlanBudget      int
	OperatorRole       string
	HoursAllowed       []int // 0-23, empty means unrestricted
	RequalState        model.RequalState
	UnknownCapability  bool // true when a step's action has no registered adapter
}

// Delegation describes a non-denying, non-approval annotation the
// policy engine may attach to an allowed decision (reserved for
// future cross-domain delegation; always nil in this implementation).
type Delegation struct {
	To string `json:"to,omitempty"`
}

// Result is the policy engine's decision for one evaluation.
type Result struct {
	Allowed         bool
	Delegation      *Delegation
	Denied          *model.PolicyDenial
	RequireApproval bool
	Approval        *model.ApprovalRequirement
}

// Engine evaluates the policy checks in their fixed order.
type Engine struct {
	clock func() time.Time
}

// New constructs an Engine. clockFn defaults to time.Now when nil.
func New(clockFn func() time.Time) *Engine {
	if clockFn == nil {
		clockFn = time.Now
	}
	return &Engine{clock: clockFn}
}

// Evaluate runs the ordered policy checks for a single step within a
// plan. The orchestrator evaluates once per step; the plan-wide checks
// (freeze flag, daily and plan budgets) run again on every call.
func (e *Engine) Evaluate(plan *model.Plan, step *model.Step, env Environment, autonomy model.AutonomyMode, meta Meta) Result {
	// 1. Engine freeze flag.
	if env.EngineFrozen {
		return deny(gerr.PolicyEngineFrozen, "engine is frozen")
	}

	// 2. Max-runs-per-day budget, under any autonomy != OFF.
	if autonomy != model.AutonomyOff && env.MaxRunsPerDay > 0 && env.RunsToday >= env.MaxRunsPerDay {
		return deny(gerr.PolicyDailyBudget, "daily run budget exceeded")
	}

	// 3. Per-step plan budgets (sum of costs).
	if env.MaxPlanBudget > 0 {
		total := 0
		for _, s := range plan.AllSteps() {
			total += s.Cost
		}
		if total > env.MaxPlanBudget {
			return deny(gerr.PolicyPlanBudget, "plan budget exceeded")
		}
	}

	if env.UnknownCapability {
		return deny(gerr.PolicyUnknownCapability, "step action has no registered adapter")
	}

	// 4. Autonomy-mode matrix.
	if step != nil {
		if needsApproval(autonomy, *step, meta) {
			return Result{
				RequireApproval: true,
				Approval: &model.ApprovalRequirement{
					Kind:        "write_scoped_step",
					Reason:      "write-scoped step requires operator approval under current autonomy mode",
					Scope:       step.StepID,
					ExecutionID: meta.ExecutionID,
				},
			}
		}

		// 5. Domain role check.
		if step.RequiredRole != "" && env.OperatorRole != step.RequiredRole {
			return deny(gerr.WorkflowPolicyRoleDeny,
				"step requires role "+step.RequiredRole)
		}
	}

	// 6. Time-of-day gate.
	if len(env.HoursAllowed) > 0 {
		hour := e.clock().UTC().Hour()
		if !containsInt(env.HoursAllowed, hour) {
			return deny(gerr.WorkflowPolicyHourDeny, "outside allowed hours")
		}
	}

	// 7. Requalification state.
	if env.RequalState == model.StateSuspended {
		return deny(gerr.RequalificationBlocked, "fingerprint is suspended")
	}

	metrics.PolicyDecision("ALLOW")
	return Result{Allowed: true}
}

// needsApproval applies the autonomy-mode matrix to a non-read-only
// step absent the approved-execution-id: every mode except FULL
// triggers approval, and FULL triggers it for approval-scoped steps.
func needsApproval(autonomy model.AutonomyMode, step model.Step, meta Meta) bool {
	if step.ReadOnly {
		return false
	}
	if meta.ApprovedExecutionID != "" && meta.ApprovedExecutionID == meta.ExecutionID {
		return false
	}
	switch autonomy {
	case model.AutonomyReadOnly, model.AutonomyProposeOnly:
		// Write-scoped steps are never directly executed under these
		// modes; they always require approval to escalate.
		return true
	case model.AutonomyApprovalGated:
		return step.ApprovalScoped || !step.ReadOnly
	case model.AutonomyFull:
		return step.ApprovalScoped
	default:
		return true
	}
}

func deny(code gerr.Code, reason string) Result {
	metrics.PolicyDecision(string(code))
	return Result{Denied: &model.PolicyDenial{Code: string(code), Reason: reason}}
}

func containsInt(haystack []int, v int) bool {
	for _, h := range haystack {
		if h == v {
			return true
		}
	}
	return false
}
