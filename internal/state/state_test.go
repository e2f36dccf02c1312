package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(ledger.New(t.TempDir()))
}

func TestApplySignalSuccessIncreasesConfidence(t *testing.T) {
	s := newTestStore(t)
	c, err := s.ApplySignal("fp1", SignalRollback, Deltas{Rollback: 0.5})
	require.NoError(t, err)
	require.InDelta(t, 0.5, c.Value, 1e-9)

	c, err = s.ApplySignal("fp1", SignalSuccess, Deltas{Success: 0.1})
	require.NoError(t, err)
	require.InDelta(t, 0.6, c.Value, 1e-9)
}

func TestApplySignalClampsToZeroAndOne(t *testing.T) {
	s := newTestStore(t)
	c, err := s.ApplySignal("fp1", SignalRollback, Deltas{Rollback: 5})
	require.NoError(t, err)
	require.Equal(t, 0.0, c.Value)

	c, err = s.ApplySignal("fp1", SignalSuccess, Deltas{Success: 5})
	require.NoError(t, err)
	require.Equal(t, 1.0, c.Value)
}

func TestConfidenceDefaultsToFullyTrusted(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Confidence("never-seen")
	require.NoError(t, err)
	require.Equal(t, 1.0, c.Value)
}

func TestEffectiveAutonomyDowngradesAtThresholds(t *testing.T) {
	require.Equal(t, model.AutonomyApprovalGated, EffectiveAutonomy(model.AutonomyApprovalGated, 0.9))
	require.Equal(t, model.AutonomyProposeOnly, EffectiveAutonomy(model.AutonomyApprovalGated, 0.6))
	require.Equal(t, model.AutonomyReadOnly, EffectiveAutonomy(model.AutonomyApprovalGated, 0.4))
}

func TestDerivedLifecycleBand(t *testing.T) {
	require.Equal(t, "SUSPEND", DerivedLifecycleBand(0.1))
	require.Equal(t, "PROBATION", DerivedLifecycleBand(0.3))
	require.Equal(t, "NONE", DerivedLifecycleBand(0.9))
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	k1, err := IdempotencyKey("shell.run", "hash1", "step1", "thread1")
	require.NoError(t, err)
	k2, err := IdempotencyKey("shell.run", "hash1", "step1", "thread1")
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := IdempotencyKey("shell.run", "hash2", "step1", "thread1")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestLookupHonorsTTL(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	key, err := IdempotencyKey("shell.run", "hash1", "step1", "thread1")
	require.NoError(t, err)

	require.NoError(t, s.Record(model.IdempotencyRecord{
		Key:         key,
		ExecutionID: "thread1",
		PlanHash:    "hash1",
		StepID:      "step1",
		CompletedAt: now.Format("2006-01-02T15:04:05.000Z"),
	}))

	rec, err := s.Lookup(key, time.Hour, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, rec)

	rec, err = s.Lookup(key, time.Hour, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestLookupMissingKeyReturnsNil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Lookup("no-such-key", time.Hour, time.Now())
	require.NoError(t, err)
	require.Nil(t, rec)
}
