package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/model"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEvaluateDeniesWhenEngineFrozen(t *testing.T) {
	e := New(nil)
	res := e.Evaluate(&model.Plan{}, &model.Step{}, Environment{EngineFrozen: true}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.PolicyEngineFrozen), res.Denied.Code)
}

func TestEvaluateDeniesOnDailyBudget(t *testing.T) {
	e := New(nil)
	res := e.Evaluate(&model.Plan{}, &model.Step{}, Environment{MaxRunsPerDay: 5, RunsToday: 5}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.PolicyDailyBudget), res.Denied.Code)
}

func TestEvaluateDeniesOnPlanBudget(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", Cost: 60}, {StepID: "s2", Cost: 60}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{MaxPlanBudget: 100}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.PolicyPlanBudget), res.Denied.Code)
}

func TestEvaluateDeniesUnknownCapability(t *testing.T) {
	e := New(nil)
	res := e.Evaluate(&model.Plan{}, &model.Step{}, Environment{UnknownCapability: true}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.PolicyUnknownCapability), res.Denied.Code)
}

func TestEvaluateRequiresApprovalForWriteUnderApprovalGated(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: false}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{}, model.AutonomyApprovalGated, Meta{})
	require.True(t, res.RequireApproval)
	require.NotNil(t, res.Approval)
}

func TestEvaluateAllowsWriteUnderApprovalGatedWhenAlreadyApproved(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: false}}}
	meta := Meta{ExecutionID: "exec1", ApprovedExecutionID: "exec1"}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{}, model.AutonomyApprovalGated, meta)
	require.False(t, res.RequireApproval)
	require.Nil(t, res.Denied)
	require.True(t, res.Allowed)
}

func TestEvaluateReadOnlyStepNeverRequiresApproval(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: true}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{}, model.AutonomyApprovalGated, Meta{})
	require.False(t, res.RequireApproval)
	require.True(t, res.Allowed)
}

func TestEvaluateAlwaysRequiresApprovalUnderReadOnlyAutonomyForWrites(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: false}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{}, model.AutonomyReadOnly, Meta{})
	require.True(t, res.RequireApproval)
}

func TestEvaluateDeniesRoleMismatch(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: true, RequiredRole: "approver"}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{OperatorRole: "operator"}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.WorkflowPolicyRoleDeny), res.Denied.Code)
}

func TestEvaluateDeniesOutsideAllowedHours(t *testing.T) {
	e := New(fixedClock(time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)))
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: true}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{HoursAllowed: []int{9, 10, 11}}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.WorkflowPolicyHourDeny), res.Denied.Code)
}

func TestEvaluateDeniesWhenRequalificationSuspended(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: true}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{RequalState: model.StateSuspended}, model.AutonomyFull, Meta{})
	require.NotNil(t, res.Denied)
	require.Equal(t, string(gerr.RequalificationBlocked), res.Denied.Code)
}

func TestEvaluateAllowsWhenEverythingClears(t *testing.T) {
	e := New(nil)
	plan := &model.Plan{Steps: []model.Step{{StepID: "s1", ReadOnly: true}}}
	res := e.Evaluate(plan, &plan.Steps[0], Environment{}, model.AutonomyFull, Meta{})
	require.True(t, res.Allowed)
	require.Nil(t, res.Denied)
	require.False(t, res.RequireApproval)
}
