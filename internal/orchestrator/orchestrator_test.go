package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/approval"
	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/config"
	"github.com/sintraprime/ger/internal/executor"
	"github.com/sintraprime/ger/internal/executor/adapter"
	"github.com/sintraprime/ger/internal/governor"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/planner"
	"github.com/sintraprime/ger/internal/policy"
	"github.com/sintraprime/ger/internal/requalify"
	"github.com/sintraprime/ger/internal/state"
)

func defaultConfig() config.Config {
	return config.Config{
		AutonomyMode:                model.AutonomyFull,
		BucketCapacity:              10,
		RefillRatePerSec:            1,
		CircuitFailThreshold:        5,
		CircuitCooldownSeconds:      60,
		DeltaSuccess:                0.02,
		DeltaThrottle:               0.05,
		DeltaPolicy:                 0.10,
		DeltaRollback:               0.20,
		ConfidenceDecayHorizonHours: 72,
		RequiredSuccessesInHorizon:  3,
		RequiredProbationSuccesses: 3,
		IdempotencyTTLHours:        168,
		MaxRunsPerDay:              500,
		MaxPlanBudget:              100,
		DefaultStepTimeoutSeconds:  5,
	}
}

// testRig bundles a freshly wired orchestrator plus the stores tests
// inspect directly, the same shape cmd/ger/main.go's newRuntime wires.
type testRig struct {
	orch  *Orchestrator
	ledger *ledger.Store
	gov   *governor.Governor
	req   *requalify.Engine
}

func newRig(t *testing.T, cfg config.Config) *testRig {
	t.Helper()
	l := ledger.New(t.TempDir())
	st := state.New(l)
	gov := governor.New(l, governor.Config{
		Capacity: cfg.BucketCapacity, RefillPerSec: cfg.RefillRatePerSec,
		FailThreshold: cfg.CircuitFailThreshold,
		Cooldown:      time.Duration(cfg.CircuitCooldownSeconds * float64(time.Second)),
	})
	pol := policy.New(func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) })
	app := approval.New(l, st, clock.System{})
	req := requalify.New(l, requalify.Config{
		ConfidenceDecayHorizon:     time.Duration(cfg.ConfidenceDecayHorizonHours) * time.Hour,
		RequiredSuccessesInHorizon: cfg.RequiredSuccessesInHorizon,
		RequiredProbationSuccesses: cfg.RequiredProbationSuccesses,
	})
	adapters := adapter.NewRegistry()
	adapters.Register(model.ActionShellRun, adapter.Shell{})
	exec := executor.New(adapters, st, l, clock.System{})

	orch := New(Deps{
		Ledger: l, Registry: nil, State: st, Governor: gov, Policy: pol,
		Approval: app, Executor: exec, Requalify: req, Clock: clock.System{},
		Config: cfg, RedactRootKey: make([]byte, 32),
	})
	return &testRig{orch: orch, ledger: l, gov: gov, req: req}
}

func planOutput(plan *model.Plan) PlanFunc {
	return func(cmd model.Command) (planner.Output, error) {
		return planner.Output{Kind: planner.KindExecutionPlan, Plan: plan}, nil
	}
}

func TestRunSuccessPathEmitsReceiptAndAppliesSuccessSignal(t *testing.T) {
	rig := newRig(t, defaultConfig())
	plan := &model.Plan{
		ThreadID: "th1", Goal: "say hi",
		Steps: []model.Step{
			{StepID: "s1", Action: model.ActionShellRun, ReadOnly: true, Attributes: map[string]interface{}{"cmd": "true"}},
		},
	}

	result := rig.orch.Run(context.Background(), "do the thing", planOutput(plan), nil, "operator")
	require.Equal(t, ExitSuccess, result.ExitCode)
	require.Equal(t, model.StatusSuccess, result.Receipt.Status)
	require.NotEmpty(t, result.Receipt.ReceiptHash)
	require.NotEmpty(t, result.Receipt.Fingerprint)

	// The persisted receipt's hash covers every non-hash field.
	receipts, err := rig.ledger.ReadReceipts()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.True(t, cmp.Equal(result.Receipt, receipts[0]), cmp.Diff(result.Receipt, receipts[0]))
}

// A fingerprint with an exhausted token bucket yields a throttled
// receipt and exit 3, with no adapter dispatch (no artifact written).
func TestRunThrottlesWhenBucketExhausted(t *testing.T) {
	cfg := defaultConfig()
	cfg.BucketCapacity = 1
	cfg.RefillRatePerSec = 0
	rig := newRig(t, cfg)

	plan := &model.Plan{
		ThreadID: "th1", Goal: "say hi",
		Steps: []model.Step{
			{StepID: "s1", Action: model.ActionShellRun, ReadOnly: true, Attributes: map[string]interface{}{"cmd": "true"}},
		},
	}

	// First invocation of the same raw command consumes the single
	// token; the second must be throttled.
	first := rig.orch.Run(context.Background(), "same command", planOutput(plan), nil, "operator")
	require.Equal(t, ExitSuccess, first.ExitCode)

	second := rig.orch.Run(context.Background(), "same command", planOutput(plan), nil, "operator")
	require.Equal(t, ExitDeniedOrThrottled, second.ExitCode)
	require.Equal(t, model.StatusThrottled, second.Receipt.Status)
	require.Equal(t, "RATE_LIMITED", second.Receipt.PolicyDenied.Code)
}

// The circuit breaker opens after consecutive failures and
// suspends the fingerprint (events/cooldown-elapsed transitions are
// covered at the requalify package level).
func TestRunOpensCircuitAndSuspendsFingerprint(t *testing.T) {
	cfg := defaultConfig()
	cfg.CircuitFailThreshold = 1
	cfg.CircuitCooldownSeconds = 60
	cfg.RequalificationEnabled = true
	rig := newRig(t, cfg)

	failPlan := &model.Plan{
		ThreadID: "th1", Goal: "fail",
		Steps: []model.Step{
			{StepID: "s1", Action: model.ActionShellRun, ReadOnly: true, Attributes: map[string]interface{}{"cmd": "exit 1"}},
		},
	}

	first := rig.orch.Run(context.Background(), "@domF: flaky command", planOutput(failPlan), nil, "operator")
	require.Equal(t, ExitExecutorFailed, first.ExitCode)
	require.Equal(t, model.StatusFailed, first.Receipt.Status)

	reqState, err := rig.ledger.ReadRequalState(first.Receipt.Fingerprint, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, model.StateSuspended, reqState.State)
	require.NotNil(t, reqState.CooldownUntil)

	// Immediately retrying: breaker is open, still within cooldown.
	second := rig.orch.Run(context.Background(), "@domF: flaky command", planOutput(failPlan), nil, "operator")
	require.Equal(t, ExitDeniedOrThrottled, second.ExitCode)
	require.Equal(t, "CIRCUIT_OPEN", second.Receipt.PolicyDenied.Code)
}

func TestRunDeniesWhenEngineFrozen(t *testing.T) {
	cfg := defaultConfig()
	cfg.EngineFrozen = true
	rig := newRig(t, cfg)

	plan := &model.Plan{ThreadID: "th1", Goal: "x", Steps: []model.Step{
		{StepID: "s1", Action: model.ActionShellRun, ReadOnly: true, Attributes: map[string]interface{}{"cmd": "true"}},
	}}

	result := rig.orch.Run(context.Background(), "frozen command", planOutput(plan), nil, "operator")
	require.Equal(t, ExitDeniedOrThrottled, result.ExitCode)
	require.Equal(t, model.StatusDenied, result.Receipt.Status)
	require.Equal(t, "POLICY_ENGINE_FROZEN", result.Receipt.PolicyDenied.Code)
}

func TestRunRequiresApprovalForWriteScopedStepUnderApprovalGated(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutonomyMode = model.AutonomyApprovalGated
	rig := newRig(t, cfg)
	rig.orch.d.Executor.Adapters().Register(model.ActionNotionLiveWrite, adapter.NewFakeNotion(nil))

	plan := &model.Plan{ThreadID: "th1", Goal: "write something", Steps: []model.Step{
		{StepID: "s1", Action: model.ActionNotionLiveWrite, ReadOnly: false, ApprovalScoped: true,
			NotionPath: "/pages/1"},
	}}

	result := rig.orch.Run(context.Background(), "write it", planOutput(plan), nil, "operator")
	require.Equal(t, ExitApprovalPending, result.ExitCode)
	require.Equal(t, model.StatusAwaitingApproval, result.Receipt.Status)
	require.NotNil(t, result.Receipt.ApprovalRequired)
	require.Equal(t, result.Receipt.ExecutionID, result.Receipt.ApprovalRequired.ExecutionID)

	st, err := rig.ledger.ReadApprovalState(result.Receipt.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, "awaiting_approval", st.Status)
	require.Contains(t, st.PendingStepIDs, "s1")
}

func TestRunNeedInputWhenPlannerAsksForMore(t *testing.T) {
	rig := newRig(t, defaultConfig())
	planFn := func(cmd model.Command) (planner.Output, error) {
		return planner.Output{Kind: planner.KindNeedInput, Prompt: "which page?"}, nil
	}
	result := rig.orch.Run(context.Background(), "do something vague", planFn, nil, "operator")
	require.Equal(t, ExitNeedInput, result.ExitCode)
}

// End to end: a write-scoped step pauses for approval, resuming
// it executes the plan and persists a success receipt, and a second
// resume of the same execution_id short-circuits as already executed
// rather than dispatching the adapter again.
func TestResumeExecutesApprovedPlanThenShortCircuitsOnSecondApprove(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutonomyMode = model.AutonomyApprovalGated
	rig := newRig(t, cfg)

	fake := adapter.NewFakeNotion(map[string]map[string]interface{}{
		"/pages/1": {"status": "draft"},
	})
	rig.orch.d.Executor.Adapters().Register(model.ActionNotionLiveWrite, fake)
	rig.orch.d.Executor.Adapters().Register(model.ActionNotionLiveRead, fake)

	plan := &model.Plan{ThreadID: "th1", Goal: "update a page", Steps: []model.Step{
		{StepID: "s1", Action: model.ActionNotionLiveWrite, ReadOnly: false, ApprovalScoped: true,
			NotionPath: "/pages/1", Payload: map[string]interface{}{"status": "published"}},
	}}

	paused := rig.orch.Run(context.Background(), "publish the page", planOutput(plan), fake, "operator")
	require.Equal(t, ExitApprovalPending, paused.ExitCode)
	require.Equal(t, model.StatusAwaitingApproval, paused.Receipt.Status)
	executionID := paused.Receipt.ExecutionID

	resumed := rig.orch.Resume(context.Background(), executionID, "approver", fake)
	require.Equal(t, ExitSuccess, resumed.ExitCode)
	require.Equal(t, model.StatusSuccess, resumed.Receipt.Status)
	require.Len(t, resumed.Receipt.Steps, 1)
	require.Equal(t, "success", resumed.Receipt.Steps[0].Status)

	again := rig.orch.Resume(context.Background(), executionID, "approver", fake)
	require.Equal(t, ExitSuccess, again.ExitCode)
	require.Equal(t, model.StatusSuccess, again.Receipt.Status)
}

func TestRollbackBuildsCompensationPlanFromPrestatesAndDecaysConfidence(t *testing.T) {
	rig := newRig(t, defaultConfig())

	fake := adapter.NewFakeNotion(map[string]map[string]interface{}{
		"/pages/1": {"status": "draft"},
	})
	rig.orch.d.Executor.Adapters().Register(model.ActionNotionLiveWrite, fake)
	rig.orch.d.Executor.Adapters().Register(model.ActionNotionLiveRead, fake)

	plan := &model.Plan{ThreadID: "th1", Goal: "update a page", Steps: []model.Step{
		{StepID: "s1", Action: model.ActionNotionLiveWrite, ReadOnly: false,
			NotionPath: "/pages/1", Payload: map[string]interface{}{"status": "published"}},
	}}

	done := rig.orch.Run(context.Background(), "publish the page", planOutput(plan), fake, "operator")
	require.Equal(t, ExitSuccess, done.ExitCode)

	comp, err := rig.orch.Rollback(done.Receipt.ExecutionID)
	require.NoError(t, err)
	require.Len(t, comp.Steps, 1)
	require.Equal(t, "restore.s1", comp.Steps[0].StepID)
	require.Equal(t, model.ActionNotionLiveWrite, comp.Steps[0].Action)
	require.Equal(t, "/pages/1", comp.Steps[0].NotionPath)
	require.Equal(t, "draft", comp.Steps[0].Payload["status"])
	require.True(t, comp.Steps[0].ApprovalScoped)

	// Success bumped confidence to the 1.0 ceiling; rollback then
	// decays it by the rollback delta.
	c, err := rig.ledger.ReadConfidence(done.Receipt.Fingerprint)
	require.NoError(t, err)
	require.InDelta(t, 0.80, c.Value, 1e-9)
}

func TestRollbackWithoutPrestatesFails(t *testing.T) {
	rig := newRig(t, defaultConfig())
	plan := &model.Plan{ThreadID: "th1", Goal: "read only", Steps: []model.Step{
		{StepID: "s1", Action: model.ActionShellRun, ReadOnly: true, Attributes: map[string]interface{}{"cmd": "true"}},
	}}
	done := rig.orch.Run(context.Background(), "look at it", planOutput(plan), nil, "operator")
	require.Equal(t, ExitSuccess, done.ExitCode)

	_, err := rig.orch.Rollback(done.Receipt.ExecutionID)
	require.Error(t, err)
}
