// Package orchestrator wires the runtime's components into the single
// sequential governance pipeline, producing the deterministic exit
// codes the CLI surfaces. Stages run in a fixed order (cooldown
// watch, governor, decay check, plan, capability resolution, prestate
// capture, policy, execution) and the first terminal condition
// short-circuits the rest.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sintraprime/ger/internal/approval"
	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/command"
	"github.com/sintraprime/ger/internal/config"
	"github.com/sintraprime/ger/internal/executor"
	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/governor"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/metrics"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/planner"
	"github.com/sintraprime/ger/internal/policy"
	"github.com/sintraprime/ger/internal/prestate"
	"github.com/sintraprime/ger/internal/redact"
	"github.com/sintraprime/ger/internal/registry"
	"github.com/sintraprime/ger/internal/requalify"
	"github.com/sintraprime/ger/internal/state"
)

// Exit codes are part of the operator contract: 0 success, 1 executor
// failure, 2 need-input, 3 policy-denied or throttled, 4 approval
// pending or prestate drift.
const (
	ExitSuccess        = 0
	ExitExecutorFailed = 1
	ExitNeedInput      = 2
	ExitDeniedOrThrottled = 3
	ExitApprovalPending = 4
)

// Deps bundles every component the orchestrator wires together.
type Deps struct {
	Ledger    *ledger.Store
	Registry  *registry.Registry
	State     *state.Store
	Governor  *governor.Governor
	Policy    *policy.Engine
	Approval  *approval.Manager
	Executor  *executor.Executor
	Requalify *requalify.Engine
	Clock     clock.Clock
	Config    config.Config
	// RedactRootKey seeds per-run redaction salts (internal/redact).
	RedactRootKey []byte
}

// Orchestrator runs the governance pipeline for one command invocation.
type Orchestrator struct {
	d Deps
}

// New constructs an Orchestrator from its wired dependencies.
func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Orchestrator{d: d}
}

// Result is the orchestrator's outcome for one invocation.
type Result struct {
	ExitCode int
	Receipt  model.Receipt
	Err      error
}

// PlanFunc maps a normalized command to a PlannerOutput (either the
// shipped TemplatePlanner or an external AgentPlanner collaborator).
type PlanFunc func(cmd model.Command) (planner.Output, error)

// Run executes the full governance state machine for one raw operator
// command.
func (o *Orchestrator) Run(ctx context.Context, raw string, planFn PlanFunc, reader prestate.Reader, operatorRole string) Result {
	now := o.d.Clock.Now()
	startedISO := clock.NowISO(o.d.Clock)
	executionID := uuid.NewString()

	// Normalize + fingerprint.
	cmd := command.Parse(raw)
	fingerprint, err := command.FingerprintCommand(cmd)
	if err != nil {
		return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: fingerprint command: %w", err))
	}

	// CooldownWatcher.
	if o.d.Config.RequalificationEnabled {
		if _, err := o.d.Requalify.CooldownWatcher(fingerprint, now); err != nil {
			return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: cooldown watcher: %w", err))
		}
	}

	// Governor.
	decision, _, err := o.d.Governor.Check(fingerprint, now)
	if err != nil {
		return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: governor check: %w", err))
	}
	if !decision.Allowed {
		if decision.Reason == gerr.CircuitOpen && o.d.Config.RequalificationEnabled {
			_ = o.d.Requalify.Suspend(fingerprint, string(gerr.GovernorCircuitOpen), now.Add(time.Duration(decision.RetryAfter*float64(time.Second))), now)
		}
		_, _ = o.d.State.ApplySignal(fingerprint, state.SignalThrottle, o.deltas())
		reason := "token bucket exhausted"
		if decision.Reason == gerr.CircuitOpen {
			reason = "circuit breaker open"
		}
		denial := &model.PolicyDenial{Code: string(decision.Reason), Reason: reason}
		r := o.receipt(executionID, cmd, startedISO, model.StatusThrottled, fingerprint, denial, nil)
		r.RetryAfter = decision.RetryAfter
		return o.persist(r, ExitDeniedOrThrottled)
	}

	// ConfidenceDecayCheck.
	if o.d.Config.RequalificationEnabled {
		successes, _ := o.countRecentSuccesses(fingerprint, now)
		if _, decayed, err := o.d.Requalify.CheckDecay(fingerprint, successes, now); err == nil && decayed {
			denial := &model.PolicyDenial{Code: "CONFIDENCE_DECAY", Reason: "too few recent successes; fingerprint demoted to probation"}
			r := o.receipt(executionID, cmd, startedISO, model.StatusDenied, fingerprint, denial, nil)
			return o.persist(r, ExitApprovalPending)
		}
	}

	// RequalificationBlock?
	if o.d.Config.RequalificationEnabled {
		reqState, err := o.d.Ledger.ReadRequalState(fingerprint, now)
		if err == nil && reqState.State == model.StateSuspended {
			denial := &model.PolicyDenial{Code: string(gerr.RequalificationBlocked), Reason: "fingerprint is suspended"}
			_, _ = o.d.State.ApplySignal(fingerprint, state.SignalPolicy, o.deltas())
			r := o.receipt(executionID, cmd, startedISO, model.StatusDenied, fingerprint, denial, nil)
			return o.persist(r, ExitDeniedOrThrottled)
		}
	}

	// Plan(cmd).
	out, err := planFn(cmd)
	if err != nil {
		return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: plan: %w", err))
	}
	switch out.Kind {
	case planner.KindNeedInput:
		r := o.receipt(executionID, cmd, startedISO, model.StatusFailed, fingerprint, nil, nil)
		return o.persist(r, ExitNeedInput)
	case planner.KindValidatedCommand:
		out, err = planFn(command.Parse(out.NormalizedCommand))
		if err != nil {
			return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: replan validated command: %w", err))
		}
		if out.Kind != planner.KindExecutionPlan {
			r := o.receipt(executionID, cmd, startedISO, model.StatusFailed, fingerprint, nil, nil)
			return o.persist(r, ExitNeedInput)
		}
	}
	plan := out.Plan
	if plan == nil {
		return o.fail(executionID, cmd, startedISO, gerr.New(gerr.NeedInput, "planner produced no execution plan"))
	}
	plan.ExecutionID = executionID

	planHash, err := approval.PlanHash(plan)
	if err != nil {
		return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: hash plan: %w", err))
	}

	// CapabilityResolve + VersionPin.
	if len(plan.RequiredCapabilities) > 0 {
		if _, err := o.d.Registry.Resolve(plan.RequiredCapabilities, plan.AgentVersions, o.d.Config.AllowAgentVersionMismatch); err != nil {
			denial := denialFromErr(err)
			_, _ = o.d.State.ApplySignal(fingerprint, state.SignalPolicy, o.deltas())
			r := o.receipt(executionID, cmd, startedISO, model.StatusDenied, fingerprint, denial, nil)
			r.PlanHash = planHash
			return o.persist(r, ExitDeniedOrThrottled)
		}
	}

	// PrestateCapture for write-scoped steps.
	salt, err := redact.Salt(o.d.RedactRootKey, executionID)
	if err != nil {
		return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: derive redaction salt: %w", err))
	}
	prestates := map[string]string{}
	snapshots := map[string]map[string]interface{}{}
	if reader != nil {
		for _, step := range plan.AllSteps() {
			if step.ReadOnly {
				continue
			}
			snap, fp, err := prestate.Capture(reader, step, salt)
			if err != nil {
				return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: capture prestate for %s: %w", step.StepID, err))
			}
			prestates[step.StepID] = fp
			snapshots[step.StepID] = snap
			resourcePath := step.NotionPathPrestate
			if resourcePath == "" {
				resourcePath = step.NotionPath
			}
			rec := ledger.PrestateRecord{
				ExecutionID:         executionID,
				StepID:              step.StepID,
				ResourcePath:        resourcePath,
				CapturedAt:          clock.NowISO(o.d.Clock),
				PrestateFingerprint: fp,
				Snapshot:            snap,
			}
			if _, err := o.d.Ledger.WritePrestate(rec); err != nil {
				return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: persist prestate for %s: %w", step.StepID, err))
			}
		}
	}

	// Policy.
	reqState, _ := o.d.Ledger.ReadRequalState(fingerprint, now)
	env := policy.Environment{
		EngineFrozen:  o.d.Config.EngineFrozen,
		MaxRunsPerDay: o.d.Config.MaxRunsPerDay,
		MaxPlanBudget: o.d.Config.MaxPlanBudget,
		OperatorRole:  operatorRole,
		RequalState:   reqState.State,
	}
	meta := policy.Meta{ExecutionID: executionID, Command: cmd.Normalized, DomainID: cmd.DomainID, TotalStepsPlanned: len(plan.AllSteps())}
	effectiveMode := o.effectiveAutonomy(fingerprint)

	var pendingStepIDs []string
	for _, step := range plan.AllSteps() {
		if step.Action != "" {
			if _, ok := o.d.Executor.Adapters().Lookup(step.Action); !ok {
				env.UnknownCapability = true
			}
		}
		res := o.d.Policy.Evaluate(plan, &step, env, effectiveMode, meta)
		if res.Denied != nil {
			_, _ = o.d.State.ApplySignal(fingerprint, state.SignalPolicy, o.deltas())
			if o.d.Config.RequalificationEnabled {
				_, _ = o.d.Requalify.OnRegression(fingerprint, now)
			}
			r := o.receipt(executionID, cmd, startedISO, model.StatusDenied, fingerprint, res.Denied, nil)
			r.PlanHash = planHash
			return o.persist(r, ExitDeniedOrThrottled)
		}
		if res.RequireApproval {
			pendingStepIDs = append(pendingStepIDs, step.StepID)
		}
	}

	if len(pendingStepIDs) > 0 {
		var guardDenial *model.PolicyDenial
		for _, step := range plan.AllSteps() {
			snap, captured := snapshots[step.StepID]
			if !captured || len(step.Guards) == 0 {
				continue
			}
			if failed := prestate.EvaluateGuards(step.Guards, snap); len(failed) > 0 {
				guardDenial = &model.PolicyDenial{Code: string(gerr.GuardFailedAtApproval), Reason: failed[0].Reason}
				break
			}
		}

		if _, err := o.d.Approval.Pause(plan, pendingStepIDs, prestates, cmd.Normalized, cmd.DomainID); err != nil {
			return o.fail(executionID, cmd, startedISO, fmt.Errorf("orchestrator: persist approval envelope: %w", err))
		}
		if guardDenial != nil {
			r := o.receipt(executionID, cmd, startedISO, model.StatusDenied, fingerprint, guardDenial, nil)
			r.PlanHash = planHash
			return o.persist(r, ExitApprovalPending)
		}
		approvalReq := &model.ApprovalRequirement{
			Kind:        "plan",
			Reason:      "one or more write-scoped steps require operator approval",
			ExecutionID: executionID,
			PlanHash:    planHash,
		}
		r := model.Receipt{
			Kind: "receipt", ExecutionID: executionID, ThreadID: plan.ThreadID, Goal: plan.Goal,
			DryRun: plan.DryRun, StartedAt: startedISO, FinishedAt: clock.NowISO(o.d.Clock),
			Status: model.StatusAwaitingApproval, PlanHash: planHash, Fingerprint: fingerprint,
			AutonomyMode: o.d.Config.AutonomyMode, AutonomyModeEffective: effectiveMode, ApprovalRequired: approvalReq,
		}
		return o.persist(r, ExitApprovalPending)
	}

	// Execute.
	execCfg := executor.Config{
		ExecutionID:    executionID,
		ThreadID:       plan.ThreadID,
		PlanHash:       planHash,
		DefaultTimeout: time.Duration(o.d.Config.DefaultStepTimeoutSeconds) * time.Second,
		IdempotencyTTL: time.Duration(o.d.Config.IdempotencyTTLHours) * time.Hour,
	}
	runResult := o.d.Executor.RunSteps(ctx, plan.AllSteps(), execCfg)

	status := model.StatusSuccess
	exitCode := ExitSuccess
	if runResult.Failed {
		status = model.StatusFailed
		exitCode = ExitExecutorFailed
	}

	_, opened, gerrErr := o.d.Governor.RecordOutcome(fingerprint, !runResult.Failed, now)
	if gerrErr == nil && opened && o.d.Config.RequalificationEnabled {
		_ = o.d.Requalify.Suspend(fingerprint, string(gerr.GovernorCircuitOpen), now.Add(o.d.CooldownDuration()), now)
	}

	if runResult.Failed {
		_, _ = o.d.State.ApplySignal(fingerprint, state.SignalRollback, o.deltas())
		if o.d.Config.RequalificationEnabled {
			_, _ = o.d.Requalify.OnRegression(fingerprint, now)
		}
	} else {
		_, _ = o.d.State.ApplySignal(fingerprint, state.SignalSuccess, o.deltas())
		if o.d.Config.RequalificationEnabled {
			_, _ = o.d.Requalify.OnSuccess(fingerprint, now)
		}
		_ = o.d.Approval.MarkExecuted(executionID)
	}

	r := model.Receipt{
		Kind: "receipt", ExecutionID: executionID, ThreadID: plan.ThreadID, Goal: plan.Goal,
		DryRun: plan.DryRun, StartedAt: startedISO, FinishedAt: clock.NowISO(o.d.Clock),
		Status: status, PlanHash: planHash, Fingerprint: fingerprint,
		AutonomyMode: o.d.Config.AutonomyMode, AutonomyModeEffective: o.effectiveAutonomy(fingerprint),
		Steps: runResult.Outcomes, Artifacts: runResult.Artifacts,
	}
	if plan.Phased() {
		r.PhasesPlanned = len(plan.Phases)
		if runResult.Failed {
			r.DeniedPhase = runResult.FailedStepID
		} else {
			r.PhasesExecuted = len(plan.Phases)
		}
	}
	return o.persist(r, exitCode)
}

// Resume implements the second half of the approve flow:
// internal/approval.Resume already re-derives the plan hash, enforces
// the approver role, short-circuits an already-committed approval, and
// re-validates prestates/guards for every pending step. Resume picks
// up from there: re-running policy with ApprovedExecutionID set (it
// must now allow; a lingering approval requirement is a programmer
// error), executing the full plan, and persisting the final receipt
// the same way Run's success/failure path does.
func (o *Orchestrator) Resume(ctx context.Context, executionID, operatorRole string, reader prestate.Reader) Result {
	now := o.d.Clock.Now()
	startedISO := clock.NowISO(o.d.Clock)

	salt, err := redact.Salt(o.d.RedactRootKey, executionID)
	if err != nil {
		return o.fail(executionID, model.Command{}, startedISO, fmt.Errorf("orchestrator: derive redaction salt: %w", err))
	}

	st, rerr := o.d.Approval.Resume(executionID, operatorRole, reader, salt)
	if rerr != nil {
		gerrErr, _ := rerr.(*gerr.Error)
		exitCode := ExitApprovalPending
		status := model.StatusDenied
		var denial *model.PolicyDenial
		if gerrErr != nil {
			switch gerrErr.Code {
			case gerr.IdempotencyHit, gerr.AlreadyExecuted:
				exitCode = ExitSuccess
				status = model.StatusSuccess
			case gerr.WorkflowPolicyRoleDeny:
				exitCode = ExitDeniedOrThrottled
			default: // NeedApprovalAgain, PrestateMismatch, GuardFailedPreExec
				exitCode = ExitApprovalPending
			}
			denial = &model.PolicyDenial{Code: string(gerrErr.Code), Reason: gerrErr.Message}
		}
		fingerprint := ""
		var planHash string
		if st != nil {
			planHash = st.PlanHash
			if fp, ferr := command.Fingerprint(st.DomainID, st.Command); ferr == nil {
				fingerprint = fp
			}
		}
		if exitCode == ExitSuccess {
			// The effect was previously committed; surfacing the prior
			// receipt keeps the ledger at one success per execution_id.
			if prior, perr := o.d.Ledger.ReadLastReceiptByExecutionID(executionID); perr == nil && prior != nil {
				return Result{ExitCode: ExitSuccess, Receipt: *prior}
			}
			r := o.receipt(executionID, model.Command{}, startedISO, status, fingerprint, nil, nil)
			r.PlanHash = planHash
			return Result{ExitCode: ExitSuccess, Receipt: r}
		}
		r := o.receipt(executionID, model.Command{}, startedISO, status, fingerprint, denial, nil)
		r.PlanHash = planHash
		res := o.persist(r, exitCode)
		res.Err = rerr
		return res
	}

	fingerprint, err := command.Fingerprint(st.DomainID, st.Command)
	if err != nil {
		return o.fail(executionID, model.Command{}, startedISO, fmt.Errorf("orchestrator: fingerprint resumed command: %w", err))
	}

	reqState, _ := o.d.Ledger.ReadRequalState(fingerprint, now)
	env := policy.Environment{
		EngineFrozen:  o.d.Config.EngineFrozen,
		MaxRunsPerDay: o.d.Config.MaxRunsPerDay,
		MaxPlanBudget: o.d.Config.MaxPlanBudget,
		OperatorRole:  operatorRole,
		RequalState:   reqState.State,
	}
	meta := policy.Meta{ExecutionID: executionID, Command: st.Command, DomainID: st.DomainID,
		ApprovedExecutionID: executionID, TotalStepsPlanned: len(st.Plan.AllSteps())}
	effectiveMode := o.effectiveAutonomy(fingerprint)
	for _, step := range st.Plan.AllSteps() {
		res := o.d.Policy.Evaluate(st.Plan, &step, env, effectiveMode, meta)
		if res.Denied != nil {
			// The fingerprint can be suspended between pause and resume
			// (e.g. the circuit breaker opened on a concurrent command
			// sharing it); re-deny rather than execute a now-ungoverned
			// plan.
			r := o.receipt(executionID, model.Command{}, startedISO, model.StatusDenied, fingerprint, res.Denied, nil)
			r.PlanHash = st.PlanHash
			return o.persist(r, ExitDeniedOrThrottled)
		}
	}

	execCfg := executor.Config{
		ExecutionID:    executionID,
		ThreadID:       st.Plan.ThreadID,
		PlanHash:       st.PlanHash,
		DefaultTimeout: time.Duration(o.d.Config.DefaultStepTimeoutSeconds) * time.Second,
		IdempotencyTTL: time.Duration(o.d.Config.IdempotencyTTLHours) * time.Hour,
	}
	runResult := o.d.Executor.RunSteps(ctx, st.Plan.AllSteps(), execCfg)

	status := model.StatusSuccess
	exitCode := ExitSuccess
	if runResult.Failed {
		status = model.StatusFailed
		exitCode = ExitExecutorFailed
	}

	_, opened, gerrOutcomeErr := o.d.Governor.RecordOutcome(fingerprint, !runResult.Failed, now)
	if gerrOutcomeErr == nil && opened && o.d.Config.RequalificationEnabled {
		_ = o.d.Requalify.Suspend(fingerprint, string(gerr.GovernorCircuitOpen), now.Add(o.d.CooldownDuration()), now)
	}

	if runResult.Failed {
		_, _ = o.d.State.ApplySignal(fingerprint, state.SignalRollback, o.deltas())
		if o.d.Config.RequalificationEnabled {
			_, _ = o.d.Requalify.OnRegression(fingerprint, now)
		}
	} else {
		_, _ = o.d.State.ApplySignal(fingerprint, state.SignalSuccess, o.deltas())
		if o.d.Config.RequalificationEnabled {
			_, _ = o.d.Requalify.OnSuccess(fingerprint, now)
		}
		_ = o.d.Approval.MarkExecuted(executionID)
	}

	r := model.Receipt{
		Kind: "receipt", ExecutionID: executionID, ThreadID: st.Plan.ThreadID, Goal: st.Plan.Goal,
		DryRun: st.Plan.DryRun, StartedAt: startedISO, FinishedAt: clock.NowISO(o.d.Clock),
		Status: status, PlanHash: st.PlanHash, Fingerprint: fingerprint,
		AutonomyMode: o.d.Config.AutonomyMode, AutonomyModeEffective: o.effectiveAutonomy(fingerprint),
		Steps: runResult.Outcomes, Artifacts: runResult.Artifacts,
	}
	if st.Plan.Phased() {
		r.PhasesPlanned = len(st.Plan.Phases)
		if runResult.Failed {
			r.DeniedPhase = runResult.FailedStepID
		} else {
			r.PhasesExecuted = len(st.Plan.Phases)
		}
	}
	return o.persist(r, exitCode)
}

// Rollback builds a compensation plan for a previously executed run
// from its stored prestate snapshots: one write step per captured
// prestate, restoring the snapshot to the resource it was read from.
// The plan is persisted as a rollback.plan artifact and returned for
// the operator to review and run through the normal pipeline. It is
// never executed implicitly, and writes already committed in earlier
// phases keep their idempotency records. Issuing a rollback applies
// the ROLLBACK confidence signal to the run's fingerprint.
func (o *Orchestrator) Rollback(executionID string) (*model.Plan, error) {
	now := o.d.Clock.Now()

	receipt, err := o.d.Ledger.ReadLastReceiptByExecutionID(executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read receipt for rollback: %w", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("orchestrator: no receipt for execution_id %s", executionID)
	}

	prestates, err := o.d.Ledger.ListPrestates(executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list prestates for rollback: %w", err)
	}
	if len(prestates) == 0 {
		return nil, fmt.Errorf("orchestrator: no prestate snapshots for execution_id %s; nothing to compensate", executionID)
	}

	comp := &model.Plan{
		ExecutionID: executionID + ".rollback",
		ThreadID:    receipt.ThreadID,
		Goal:        "restore prestates captured before execution " + executionID,
	}
	for _, rec := range prestates {
		comp.Steps = append(comp.Steps, model.Step{
			StepID:         "restore." + rec.StepID,
			Action:         model.ActionNotionLiveWrite,
			ReadOnly:       false,
			ApprovalScoped: true,
			NotionPath:     rec.ResourcePath,
			Payload:        rec.Snapshot,
		})
	}

	if _, err := o.d.Ledger.WriteArtifact("rollback.plan", executionID, "compensation", comp); err != nil {
		return nil, fmt.Errorf("orchestrator: persist compensation plan: %w", err)
	}

	if _, err := o.d.State.ApplySignal(receipt.Fingerprint, state.SignalRollback, o.deltas()); err != nil {
		return nil, fmt.Errorf("orchestrator: apply rollback signal: %w", err)
	}
	if o.d.Config.RequalificationEnabled {
		_, _ = o.d.Requalify.OnRegression(receipt.Fingerprint, now)
	}
	return comp, nil
}

// CooldownDuration returns the governor's configured circuit cooldown
// as a time.Duration.
func (d Deps) CooldownDuration() time.Duration {
	return time.Duration(d.Config.CircuitCooldownSeconds * float64(time.Second))
}

func (o *Orchestrator) deltas() state.Deltas {
	return state.Deltas{
		Success:  o.d.Config.DeltaSuccess,
		Throttle: o.d.Config.DeltaThrottle,
		Policy:   o.d.Config.DeltaPolicy,
		Rollback: o.d.Config.DeltaRollback,
	}
}

func (o *Orchestrator) countRecentSuccesses(fingerprint string, now time.Time) (int, error) {
	receipts, err := o.d.Ledger.ReadReceipts()
	if err != nil {
		return 0, err
	}
	horizon := time.Duration(o.d.Config.ConfidenceDecayHorizonHours) * time.Hour
	count := 0
	for _, r := range receipts {
		if r.Fingerprint != fingerprint || r.Status != model.StatusSuccess {
			continue
		}
		finished, err := time.Parse("2006-01-02T15:04:05.000Z", r.FinishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finished) <= horizon {
			count++
		}
	}
	return count, nil
}

func (o *Orchestrator) receipt(executionID string, cmd model.Command, startedISO string, status model.Status, fingerprint string, denial *model.PolicyDenial, approval *model.ApprovalRequirement) model.Receipt {
	return model.Receipt{
		Kind: "receipt", ExecutionID: executionID, StartedAt: startedISO,
		FinishedAt: clock.NowISO(o.d.Clock), Status: status, Fingerprint: fingerprint,
		AutonomyMode: o.d.Config.AutonomyMode, AutonomyModeEffective: o.effectiveAutonomy(fingerprint),
		PolicyDenied: denial, ApprovalRequired: approval,
	}
}

// effectiveAutonomy downgrades the configured autonomy mode by the
// fingerprint's current confidence. Falls back to the
// configured mode, unmodified, when there's no fingerprint yet to look
// confidence up by or the confidence read fails.
func (o *Orchestrator) effectiveAutonomy(fingerprint string) model.AutonomyMode {
	if fingerprint == "" {
		return o.d.Config.AutonomyMode
	}
	c, err := o.d.State.Confidence(fingerprint)
	if err != nil {
		return o.d.Config.AutonomyMode
	}
	return state.EffectiveAutonomy(o.d.Config.AutonomyMode, c.Value)
}

func (o *Orchestrator) persist(r model.Receipt, exitCode int) Result {
	hashed, err := o.d.Ledger.AppendReceipt(r)
	if err != nil {
		return Result{ExitCode: ExitExecutorFailed, Receipt: r, Err: fmt.Errorf("orchestrator: append receipt: %w", err)}
	}
	metrics.ReceiptEmitted(string(hashed.Status))
	return Result{ExitCode: exitCode, Receipt: hashed}
}

func (o *Orchestrator) fail(executionID string, cmd model.Command, startedISO string, err error) Result {
	r := o.receipt(executionID, cmd, startedISO, model.StatusFailed, "", nil, nil)
	res := o.persist(r, ExitExecutorFailed)
	res.Err = err
	return res
}

func denialFromErr(err error) *model.PolicyDenial {
	if gerrErr, ok := err.(*gerr.Error); ok {
		return &model.PolicyDenial{Code: string(gerrErr.Code), Reason: gerrErr.Message}
	}
	return &model.PolicyDenial{Code: "POLICY_CAPABILITY_UNRESOLVED", Reason: err.Error()}
}
