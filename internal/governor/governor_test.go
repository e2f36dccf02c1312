package governor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/gerr"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/model"
)

func newTestGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	l := ledger.New(t.TempDir())
	return New(l, cfg)
}

func TestCheckAllowsWithinCapacity(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 2, RefillPerSec: 1, FailThreshold: 3, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	d1, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.True(t, d2.Allowed)
}

func TestCheckDeniesWhenBucketExhausted(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 1, RefillPerSec: 1, FailThreshold: 3, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	d1, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.False(t, d2.Allowed)
	require.Equal(t, gerr.RateLimited, d2.Reason)
	require.Greater(t, d2.RetryAfter, 0.0)
}

func TestCheckRefillsTokensOverTime(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 1, RefillPerSec: 1, FailThreshold: 3, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, _, err := g.Check("fp1", now)
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	d, _, err := g.Check("fp1", later)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRecordOutcomeOpensBreakerAtThreshold(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 10, RefillPerSec: 1, FailThreshold: 2, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	st, opened, err := g.RecordOutcome("fp1", false, now)
	require.NoError(t, err)
	require.False(t, opened)
	require.Equal(t, model.BreakerClosed, st.Breaker)

	st, opened, err = g.RecordOutcome("fp1", false, now)
	require.NoError(t, err)
	require.True(t, opened)
	require.Equal(t, model.BreakerOpen, st.Breaker)
}

func TestCheckDeniesCircuitOpenDuringCooldown(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 10, RefillPerSec: 1, FailThreshold: 1, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, opened, err := g.RecordOutcome("fp1", false, now)
	require.NoError(t, err)
	require.True(t, opened)

	d, _, err := g.Check("fp1", now.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, gerr.CircuitOpen, d.Reason)
}

func TestCheckHalfOpensAfterCooldownElapses(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 10, RefillPerSec: 1, FailThreshold: 1, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, opened, err := g.RecordOutcome("fp1", false, now)
	require.NoError(t, err)
	require.True(t, opened)

	d, _, err := g.Check("fp1", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestCheckReportsFiniteRetryAfterWithZeroRefillRate(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 1, RefillPerSec: 0, FailThreshold: 3, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	d1, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, _, err := g.Check("fp1", now)
	require.NoError(t, err)
	require.False(t, d2.Allowed)
	require.Equal(t, gerr.RateLimited, d2.Reason)
	require.False(t, math.IsInf(d2.RetryAfter, 0), "retry_after must be JSON-marshalable, not +Inf")
	require.Greater(t, d2.RetryAfter, 0.0)
}

func TestRecordOutcomeResetsOnSuccess(t *testing.T) {
	g := newTestGovernor(t, Config{Capacity: 10, RefillPerSec: 1, FailThreshold: 3, Cooldown: time.Minute})
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, _, err := g.RecordOutcome("fp1", false, now)
	require.NoError(t, err)
	st, _, err := g.RecordOutcome("fp1", true, now)
	require.NoError(t, err)
	require.Equal(t, 0, st.FailureCount)
	require.Equal(t, model.BreakerClosed, st.Breaker)
}
