// Package requalify derives requalification transitions, applies
// confidence decay, and recommends reactivation. A fingerprint moves
// ACTIVE -> PROBATION -> SUSPENDED -> ELIGIBLE; reactivation to
// ACTIVE happens only through an explicit operator command.
package requalify

import (
	"strconv"
	"time"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
)

// Config holds the decay horizon and success thresholds, all
// overridable through the environment.
type Config struct {
	ConfidenceDecayHorizon time.Duration
	RequiredSuccessesInHorizon int
	RequiredProbationSuccesses int
}

// Engine applies the requalification state machine.
type Engine struct {
	ledger *ledger.Store
	cfg    Config
}

// New constructs an Engine.
func New(l *ledger.Store, cfg Config) *Engine {
	return &Engine{ledger: l, cfg: cfg}
}

// CooldownWatcher runs once at invocation start: for a
// SUSPENDED fingerprint whose cooldown has elapsed, transition to
// PROBATION and emit an AutonomyStateTransition event. Returns the
// (possibly updated) state.
func (e *Engine) CooldownWatcher(fingerprint string, now time.Time) (model.Requalification, error) {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return st, err
	}
	if st.State != model.StateSuspended || st.CooldownUntil == nil {
		return st, nil
	}
	if now.Before(*st.CooldownUntil) {
		return st, nil
	}

	st.State = model.StateProbation
	st.Cause = "COOLDOWN_ELAPSED"
	st.Since = isoTime(now)
	st.SuccessCount = 0
	st.RequiredSuccesses = e.cfg.RequiredProbationSuccesses
	st.CooldownUntil = nil

	if err := e.ledger.WriteRequalState(st); err != nil {
		return st, err
	}
	if _, err := e.ledger.WriteRequalEvent(fingerprint, "AutonomyStateTransition", map[string]interface{}{
		"fingerprint": fingerprint,
		"cause":       "COOLDOWN_ELAPSED",
		"new_state":   model.StateProbation,
		"at":          isoTime(now),
	}, now); err != nil {
		return st, err
	}
	return st, nil
}

// Suspend transitions a fingerprint to SUSPENDED with the given cause
// and cooldown, used when the circuit breaker opens.
func (e *Engine) Suspend(fingerprint, cause string, cooldownUntil time.Time, now time.Time) error {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return err
	}
	st.State = model.StateSuspended
	st.Cause = cause
	st.Since = isoTime(now)
	st.CooldownUntil = &cooldownUntil

	if err := e.ledger.WriteRequalState(st); err != nil {
		return err
	}
	_, err = e.ledger.WriteRequalEvent(fingerprint, string(gerr.GovernorCircuitOpen), map[string]interface{}{
		"fingerprint":    fingerprint,
		"cause":          cause,
		"cooldown_until": isoTime(cooldownUntil),
		"at":             isoTime(now),
	}, now)
	return err
}

// OnSuccess applies the SUCCESS signal to the requalification state
// machine: while PROBATION, increments successes;
// at RequiredProbationSuccesses promotes to ELIGIBLE and emits
// RequalificationRecommended.
func (e *Engine) OnSuccess(fingerprint string, now time.Time) (model.Requalification, error) {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return st, err
	}
	st.LastSuccessAt = &now

	if st.State != model.StateProbation {
		if err := e.ledger.WriteRequalState(st); err != nil {
			return st, err
		}
		return st, nil
	}

	required := st.RequiredSuccesses
	if required == 0 {
		required = e.cfg.RequiredProbationSuccesses
	}
	st.SuccessCount++

	if st.SuccessCount >= required {
		st.State = model.StateEligible
		st.Cause = cause3of3(st.SuccessCount, required)
		st.Since = isoTime(now)

		if err := e.ledger.WriteRequalState(st); err != nil {
			return st, err
		}
		if _, err := e.ledger.WriteRequalEvent(fingerprint, "RequalificationRecommended", map[string]interface{}{
			"fingerprint": fingerprint,
			"cause":       st.Cause,
			"at":          isoTime(now),
		}, now); err != nil {
			return st, err
		}
		return st, nil
	}

	if err := e.ledger.WriteRequalState(st); err != nil {
		return st, err
	}
	return st, nil
}

// OnRegression resets the probation success counter to zero on a
// failure, policy-denial, or throttle while PROBATION.
func (e *Engine) OnRegression(fingerprint string, now time.Time) (model.Requalification, error) {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return st, err
	}
	if st.State == model.StateProbation {
		st.SuccessCount = 0
		if err := e.ledger.WriteRequalState(st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Activate performs the operator-only
// `/autonomy requalify activate <fingerprint>` transition from
// ELIGIBLE to ACTIVE. It is the ONLY path to ACTIVE, never
// automatic.
func (e *Engine) Activate(fingerprint string, operatorRole string, now time.Time) (model.Requalification, error) {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return st, err
	}
	if operatorRole != "approver" {
		return st, gerr.New(gerr.WorkflowPolicyRoleDeny, "activation requires the approver role")
	}
	if st.State != model.StateEligible {
		return st, gerr.New(gerr.RequalificationBlocked, "fingerprint is not ELIGIBLE")
	}

	st.State = model.StateActive
	st.Cause = "OPERATOR_ACTIVATED"
	st.Since = isoTime(now)
	st.ActivatedAt = &now
	st.SuccessCount = 0

	if err := e.ledger.WriteRequalState(st); err != nil {
		return st, err
	}
	_, err = e.ledger.WriteRequalEvent(fingerprint, "AutonomyStateTransition", map[string]interface{}{
		"fingerprint": fingerprint,
		"cause":       "OPERATOR_ACTIVATED",
		"new_state":   model.StateActive,
		"at":          isoTime(now),
	}, now)
	return st, err
}

// CheckDecay applies confidence decay: while ACTIVE,
// if fewer than RequiredSuccessesInHorizon successes occurred within
// ConfidenceDecayHorizon, transition to PROBATION with cause
// CONFIDENCE_DECAY and emit ConfidenceDecayed. Never auto-recovers.
//
// A fingerprint only just gone ACTIVE hasn't had a fair chance to
// accrue RequiredSuccessesInHorizon yet, including a brand-new
// fingerprint on its very first invocation, which defaults to ACTIVE
// with zero history, so decay is skipped until ConfidenceDecayHorizon
// has actually elapsed since the state's most recent Since/ActivatedAt.
func (e *Engine) CheckDecay(fingerprint string, successesInHorizon int, now time.Time) (model.Requalification, bool, error) {
	st, err := e.ledger.ReadRequalState(fingerprint, now)
	if err != nil {
		return st, false, err
	}
	if st.State != model.StateActive {
		return st, false, nil
	}

	activeSince := st.Since
	if st.ActivatedAt != nil {
		activeSince = isoTime(*st.ActivatedAt)
	}
	sinceTime, perr := time.Parse("2006-01-02T15:04:05.000Z", activeSince)
	if perr != nil || now.Sub(sinceTime) < e.cfg.ConfidenceDecayHorizon {
		return st, false, nil
	}

	if successesInHorizon >= e.cfg.RequiredSuccessesInHorizon {
		return st, false, nil
	}

	st.State = model.StateProbation
	st.Cause = "CONFIDENCE_DECAY"
	st.Since = isoTime(now)
	st.DecayedAt = &now
	st.SuccessCount = 0
	st.RequiredSuccesses = e.cfg.RequiredProbationSuccesses

	if err := e.ledger.WriteRequalState(st); err != nil {
		return st, true, err
	}
	if _, err := e.ledger.WriteRequalEvent(fingerprint, "ConfidenceDecayed", map[string]interface{}{
		"fingerprint": fingerprint,
		"at":          isoTime(now),
	}, now); err != nil {
		return st, true, err
	}
	return st, true, nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func cause3of3(got, required int) string {
	if required <= 0 {
		required = 3
	}
	return "PROBATION_SUCCESS_" + strconv.Itoa(got) + "_OF_" + strconv.Itoa(required)
}
