// Package governor implements the token-bucket rate limiter and
// circuit breaker keyed by fingerprint.
//
// The refill/breaker algorithm is written out explicitly rather than
// built on golang.org/x/time/rate: that package has no notion of a
// circuit breaker, no half-open trial state, and no retry_after
// vocabulary tied to a fingerprint-scoped cooldown, so wrapping it
// would mean reimplementing the governor's actual state machine
// beside it for no savings.
package governor

import (
	"time"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/metrics"
	"github.com/sintraprime/ger/internal/model"
)

// Config configures bucket capacity/refill rate and breaker thresholds.
type Config struct {
	Capacity      float64
	RefillPerSec  float64
	FailThreshold int
	Cooldown      time.Duration
}

// Decision is the outcome of a governor check.
type Decision struct {
	Allowed    bool
	Reason     gerr.Code
	RetryAfter float64 // seconds
}

// Governor evaluates and updates per-fingerprint governor state.
type Governor struct {
	ledger *ledger.Store
	cfg    Config
}

// New constructs a Governor.
func New(l *ledger.Store, cfg Config) *Governor {
	return &Governor{ledger: l, cfg: cfg}
}

// Check performs one evaluation for fingerprint at time now,
// persisting the updated state.
//
// When the breaker is open, the caller (the orchestrator) is
// responsible for writing the GOVERNOR_CIRCUIT_OPEN requalification
// event and suspending the fingerprint; Check reports that via
// Decision.Reason == gerr.CircuitOpen plus the returned state's
// OpenedAt to let the caller do so.
func (g *Governor) Check(fingerprint string, now time.Time) (Decision, model.GovernorState, error) {
	st, err := g.ledger.ReadGovernorState(fingerprint, g.cfg.Capacity, now)
	if err != nil {
		return Decision{}, st, err
	}

	// Step 1: refill.
	elapsed := now.Sub(st.Bucket.LastRefillAt).Seconds()
	if elapsed > 0 {
		st.Bucket.Tokens = minF(g.cfg.Capacity, st.Bucket.Tokens+elapsed*g.cfg.RefillPerSec)
		st.Bucket.LastRefillAt = now
	}

	// Step 2: breaker open and cooldown not elapsed -> deny.
	if st.Breaker == model.BreakerOpen && st.OpenedAt != nil {
		openUntil := st.OpenedAt.Add(g.cfg.Cooldown)
		if now.Before(openUntil) {
			if err := g.ledger.WriteGovernorState(st); err != nil {
				return Decision{}, st, err
			}
			metrics.GovernorDecision("deny_circuit_open")
			return Decision{Allowed: false, Reason: gerr.CircuitOpen, RetryAfter: openUntil.Sub(now).Seconds()}, st, nil
		}
		// Step 3: cooldown elapsed -> half-open trial.
		st.Breaker = model.BreakerHalfOpen
	}

	// Step 4: insufficient tokens -> deny. A non-positive refill rate
	// never replenishes the bucket; report a large finite retry_after
	// instead of +Inf/NaN, which encoding/json (the receipt's wire
	// format) cannot marshal.
	if st.Bucket.Tokens < 1 {
		retryAfter := float64(24 * time.Hour / time.Second)
		if g.cfg.RefillPerSec > 0 {
			retryAfter = (1 - st.Bucket.Tokens) / g.cfg.RefillPerSec
		}
		if err := g.ledger.WriteGovernorState(st); err != nil {
			return Decision{}, st, err
		}
		metrics.GovernorDecision("deny_rate_limited")
		return Decision{Allowed: false, Reason: gerr.RateLimited, RetryAfter: retryAfter}, st, nil
	}

	// Step 5: consume a token, allow.
	st.Bucket.Tokens -= 1
	if err := g.ledger.WriteGovernorState(st); err != nil {
		return Decision{}, st, err
	}
	metrics.GovernorDecision("allow")
	return Decision{Allowed: true}, st, nil
}

// RecordOutcome updates the breaker's failure count after a terminal
// step/run outcome and persists the result, opening the breaker at
// FailThreshold consecutive non-success outcomes.
//
// It returns (opened=true) exactly when this call is the one that
// transitions the breaker into BreakerOpen, so the caller can emit the
// GOVERNOR_CIRCUIT_OPEN event and suspend the fingerprint.
func (g *Governor) RecordOutcome(fingerprint string, success bool, now time.Time) (model.GovernorState, bool, error) {
	st, err := g.ledger.ReadGovernorState(fingerprint, g.cfg.Capacity, now)
	if err != nil {
		return st, false, err
	}

	opened := false
	if success {
		st.FailureCount = 0
		st.Breaker = model.BreakerClosed
		st.OpenedAt = nil
	} else {
		st.FailureCount++
		if st.Breaker == model.BreakerHalfOpen {
			// Any failure in half-open re-opens immediately.
			st.Breaker = model.BreakerOpen
			t := now
			st.OpenedAt = &t
			opened = true
		} else if st.FailureCount >= g.cfg.FailThreshold && st.Breaker != model.BreakerOpen {
			st.Breaker = model.BreakerOpen
			t := now
			st.OpenedAt = &t
			opened = true
		}
	}

	if err := g.ledger.WriteGovernorState(st); err != nil {
		return st, opened, err
	}
	if opened {
		metrics.GovernorBreakerOpened()
	}
	return st, opened, nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
