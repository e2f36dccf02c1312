// Package state implements the fingerprint confidence store and the
// idempotency-record store. Requalification lifecycle transitions
// (cooldown watcher, probation counting, decay) live in
// internal/requalify; this package owns only the persisted signals
// those transitions are derived from.
package state

import (
	"time"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/command"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
)

// Signal is one of the four named confidence-update signals. No
// other code path may mutate confidence.
type Signal string

const (
	SignalSuccess  Signal = "SUCCESS"
	SignalPolicy   Signal = "POLICY_DENIAL"
	SignalThrottle Signal = "THROTTLE"
	SignalRollback Signal = "ROLLBACK"
)

// Deltas holds the four confidence-update magnitudes.
type Deltas struct {
	Success  float64
	Throttle float64
	Policy   float64
	Rollback float64
}

// Thresholds holds the confidence thresholds that drive autonomy
// downgrades and suspension.
const (
	ThresholdSuspend  = 0.20
	ThresholdProbation = 0.40
	ThresholdReadOnly  = 0.40
	ThresholdProposeOnly = 0.60
)

// Store wraps the ledger with confidence/idempotency semantics.
type Store struct {
	ledger *ledger.Store
}

// New wraps a ledger store.
func New(l *ledger.Store) *Store { return &Store{ledger: l} }

// Confidence returns the current confidence for a fingerprint.
func (s *Store) Confidence(fingerprint string) (model.Confidence, error) {
	return s.ledger.ReadConfidence(fingerprint)
}

// ApplySignal updates confidence for exactly one of the four named
// signals and persists the result.
func (s *Store) ApplySignal(fingerprint string, sig Signal, d Deltas) (model.Confidence, error) {
	c, err := s.ledger.ReadConfidence(fingerprint)
	if err != nil {
		return c, err
	}
	switch sig {
	case SignalSuccess:
		c.Value = clamp(c.Value+d.Success, 0, 1)
	case SignalPolicy:
		c.Value = clamp(c.Value-d.Policy, 0, 1)
	case SignalThrottle:
		c.Value = clamp(c.Value-d.Throttle, 0, 1)
	case SignalRollback:
		c.Value = clamp(c.Value-d.Rollback, 0, 1)
	}
	if err := s.ledger.WriteConfidence(c); err != nil {
		return c, err
	}
	return c, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EffectiveAutonomy downgrades a requested autonomy mode based on
// confidence thresholds:
//
//	c <= 0.60 -> APPROVAL_GATED requests downgrade to PROPOSE_ONLY
//	c <= 0.40 -> downgrade further to READ_ONLY
func EffectiveAutonomy(requested model.AutonomyMode, confidence float64) model.AutonomyMode {
	mode := requested
	if confidence <= ThresholdProposeOnly && mode == model.AutonomyApprovalGated {
		mode = model.AutonomyProposeOnly
	}
	if confidence <= ThresholdReadOnly {
		mode = model.AutonomyReadOnly
	}
	return mode
}

// DerivedLifecycleBand classifies confidence into suspend/probation
// bands, for callers that want the raw band rather than an autonomy
// downgrade.
func DerivedLifecycleBand(confidence float64) string {
	switch {
	case confidence <= ThresholdSuspend:
		return "SUSPEND"
	case confidence <= ThresholdProbation:
		return "PROBATION"
	default:
		return "NONE"
	}
}

// IdempotencyKey derives the deterministic idempotency key for a
// step: SHA-256(action|plan_hash|step_id|thread_id).
func IdempotencyKey(action, planHash, stepID, threadID string) (string, error) {
	return clock.SHA256Hex([]byte(action + "|" + planHash + "|" + stepID + "|" + threadID)), nil
}

// Lookup returns the idempotency record for key, honoring TTL: an
// expired record is treated as absent (returns nil, nil) without being
// deleted; idempotency records are append-only like everything else
// in the ledger.
func (s *Store) Lookup(key string, ttl time.Duration, now time.Time) (*model.IdempotencyRecord, error) {
	rec, err := s.ledger.ReadIdempotencyRecord(key)
	if err != nil || rec == nil {
		return rec, err
	}
	completed, err := time.Parse("2006-01-02T15:04:05.000Z", rec.CompletedAt)
	if err != nil {
		return rec, nil // malformed timestamp: fail open to "present", never silently drop a real record
	}
	if ttl > 0 && now.Sub(completed) > ttl {
		return nil, nil
	}
	return rec, nil
}

// Record persists an idempotency record after a successful write-scoped
// step execution.
func (s *Store) Record(rec model.IdempotencyRecord) error {
	return s.ledger.WriteIdempotencyRecord(rec)
}

// FingerprintCommand re-exports command.FingerprintCommand for
// callers that only import internal/state; the real logic lives in
// internal/command.
func FingerprintCommand(c model.Command) (string, error) {
	return command.FingerprintCommand(c)
}
