// Package approval persists paused plans awaiting operator sign-off
// and validates their resume: the plan hash is re-derived from the
// persisted envelope and any execution whose plan changed underneath
// it is refused rather than re-run.
package approval

import (
	"fmt"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/prestate"
	"github.com/sintraprime/ger/internal/state"
)

// Manager persists and resumes approval envelopes.
type Manager struct {
	ledger *ledger.Store
	state  *state.Store
	clock  clock.Clock
}

// New constructs a Manager.
func New(l *ledger.Store, st *state.Store, c clock.Clock) *Manager {
	if c == nil {
		c = clock.System{}
	}
	return &Manager{ledger: l, state: st, clock: c}
}

// PlanHash computes the stable hash of a plan: the hash
// an approval envelope is pinned to and that resume must reproduce.
func PlanHash(p *model.Plan) (string, error) {
	return clock.Fingerprint(p)
}

// Pause persists a paused plan's approval envelope, keyed by
// execution_id, recording which step ids are still pending and each
// pending step's prestate fingerprint.
func (m *Manager) Pause(p *model.Plan, pendingStepIDs []string, prestates map[string]string, command string, domainID string) (model.ApprovalState, error) {
	hash, err := PlanHash(p)
	if err != nil {
		return model.ApprovalState{}, fmt.Errorf("approval: hash plan: %w", err)
	}

	mode := "legacy"
	phasesPlanned := 0
	if p.Phased() {
		mode = "phased"
		phasesPlanned = len(p.Phases)
	}

	st := model.ApprovalState{
		ExecutionID:    p.ExecutionID,
		Command:        command,
		DomainID:       domainID,
		CreatedAt:      clock.NowISO(m.clock),
		StartedAt:      clock.NowISO(m.clock),
		Status:         "awaiting_approval",
		PlanHash:       hash,
		Mode:           mode,
		Plan:           p,
		PhasesPlanned:  phasesPlanned,
		PendingStepIDs: pendingStepIDs,
		Prestates:      prestates,
	}
	if _, err := m.ledger.WriteApprovalState(st); err != nil {
		return st, fmt.Errorf("approval: persist: %w", err)
	}
	return st, nil
}

// Resume validates a paused plan before it may run: reload the
// envelope, re-derive the plan hash and compare, enforce the
// domain-scoped approver role, short-circuit an already-executed
// approval, and re-capture + re-evaluate guards for each pending step
// before handing control back to the caller (which re-runs policy with
// ApprovedExecutionID set and then dispatches to internal/executor).
func (m *Manager) Resume(executionID, approverRole string, reader prestate.Reader, salt []byte) (*model.ApprovalState, error) {
	st, err := m.ledger.ReadApprovalState(executionID)
	if err != nil {
		return nil, fmt.Errorf("approval: load: %w", err)
	}
	if st == nil {
		return nil, gerr.New(gerr.NeedApprovalAgain, "no approval envelope for execution_id "+executionID)
	}

	if st.Status == "executed" {
		return st, gerr.New(gerr.AlreadyExecuted, "execution_id already completed")
	}

	if st.DomainID != "" && approverRole != "approver" {
		return st, gerr.New(gerr.WorkflowPolicyRoleDeny, "resume requires the approver role")
	}

	rehash, err := PlanHash(st.Plan)
	if err != nil {
		return st, fmt.Errorf("approval: rehash plan: %w", err)
	}
	if rehash != st.PlanHash {
		return st, gerr.New(gerr.NeedApprovalAgain, "plan hash changed since approval was requested").
			WithDetails(fmt.Sprintf("stored=%s recomputed=%s", st.PlanHash, rehash))
	}

	if allPendingStepsCommitted(m, st) {
		return st, gerr.New(gerr.IdempotencyHit, "every write-scoped pending step already has an idempotency record").
			WithDetails("ALREADY_EXECUTED")
	}

	if reader != nil {
		for _, step := range st.Plan.AllSteps() {
			prior, hadPrior := st.Prestates[step.StepID]
			if !hadPrior {
				continue
			}
			snapshot, fp, err := prestate.Capture(reader, step, salt)
			if err != nil {
				return st, fmt.Errorf("approval: recapture prestate for %s: %w", step.StepID, err)
			}
			if fp != prior {
				return st, gerr.New(gerr.PrestateMismatch, "prestate changed since approval for step "+step.StepID).
					WithDetails(fmt.Sprintf("approved=%s current=%s", prior, fp))
			}
			if failed := prestate.EvaluateGuards(step.Guards, snapshot); len(failed) > 0 {
				return st, gerr.New(gerr.GuardFailedPreExec, "guard failed on resume for step "+step.StepID).
					WithDetails(failed[0].Reason)
			}
		}
	}

	now := clock.NowISO(m.clock)
	st.Status = "approved"
	for i := range st.Plan.Steps {
		st.Plan.Steps[i].ApprovedAt = now
	}
	for pi := range st.Plan.Phases {
		for si := range st.Plan.Phases[pi].Steps {
			st.Plan.Phases[pi].Steps[si].ApprovedAt = now
		}
	}

	if _, err := m.ledger.WriteApprovalState(*st); err != nil {
		return st, fmt.Errorf("approval: persist resume: %w", err)
	}
	resumeKey, err := state.IdempotencyKey("approval_resume", st.PlanHash, "resume", st.Plan.ThreadID)
	if err != nil {
		return st, fmt.Errorf("approval: derive resume idempotency key: %w", err)
	}
	if err := m.state.Record(model.IdempotencyRecord{
		Key:         resumeKey,
		ExecutionID: executionID,
		PlanHash:    st.PlanHash,
		StepID:      "resume",
		CompletedAt: now,
	}); err != nil {
		return st, fmt.Errorf("approval: record resume idempotency: %w", err)
	}

	return st, nil
}

// allPendingStepsCommitted reports whether every write-scoped pending
// step of an approval envelope already has an idempotency record,
// i.e. a prior executor run already committed its adapter effect, so
// a repeated approve short-circuits as ALREADY_EXECUTED rather than
// re-dispatching.
func allPendingStepsCommitted(m *Manager, st *model.ApprovalState) bool {
	pending := map[string]bool{}
	for _, id := range st.PendingStepIDs {
		pending[id] = true
	}
	found := 0
	for _, step := range st.Plan.AllSteps() {
		if step.ReadOnly || !pending[step.StepID] {
			continue
		}
		// Keys are thread-scoped, matching what the executor derives when
		// it records a committed write.
		key, _ := state.IdempotencyKey(string(step.Action), st.PlanHash, step.StepID, st.Plan.ThreadID)
		rec, _ := m.state.Lookup(key, 0, m.clock.Now())
		if rec == nil {
			return false
		}
		found++
	}
	return found > 0
}

// MarkExecuted finalizes an approval envelope once its plan has run to
// completion, so a second resume attempt short-circuits with
// ALREADY_EXECUTED instead of producing a second success.
func (m *Manager) MarkExecuted(executionID string) error {
	st, err := m.ledger.ReadApprovalState(executionID)
	if err != nil {
		return fmt.Errorf("approval: load: %w", err)
	}
	if st == nil {
		return nil
	}
	st.Status = "executed"
	_, err = m.ledger.WriteApprovalState(*st)
	return err
}
