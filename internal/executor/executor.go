// Package executor runs a sequence of steps via pluggable adapters,
// recording a per-step outcome. The loop is sequential and fail-fast;
// step-level retry supports constant, linear, and exponential
// backoff.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/executor/adapter"
	"github.com/sintraprime/ger/internal/invariant"
	"github.com/sintraprime/ger/internal/ledger"
	"github.com/sintraprime/ger/internal/metrics"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/state"
)

// Config configures one executor run. ExecutionID identifies this
// invocation; ThreadID is the plan's conversational thread and is the
// scope idempotency keys dedupe within, so a retried plan in the same
// thread short-circuits even under a fresh execution_id.
type Config struct {
	ExecutionID       string
	ThreadID          string
	PlanHash          string
	DefaultTimeout    time.Duration
	IdempotencyTTL    time.Duration
}

// Executor runs steps via the adapter registry, with idempotency
// short-circuiting through the state store.
type Executor struct {
	adapters *adapter.Registry
	state    *state.Store
	ledger   *ledger.Store
	clock    clock.Clock
}

// New constructs an Executor.
func New(adapters *adapter.Registry, st *state.Store, l *ledger.Store, c clock.Clock) *Executor {
	invariant.NotNil(adapters, "adapters")
	invariant.NotNil(st, "state")
	invariant.NotNil(l, "ledger")
	if c == nil {
		c = clock.System{}
	}
	return &Executor{adapters: adapters, state: st, ledger: l, clock: c}
}

// Adapters returns the underlying adapter registry, letting callers
// (the orchestrator) check whether a step's action has a registered
// adapter before dispatching.
func (e *Executor) Adapters() *adapter.Registry { return e.adapters }

// RunResult is the outcome of executing one phase's (or the whole
// plan's, if unphased) steps.
type RunResult struct {
	Outcomes []model.StepOutcome
	Artifacts []model.Artifact
	Failed   bool
	FailedStepID string
}

// RunSteps executes steps sequentially, stopping at the first failure
//. For each write-scoped step it short-circuits on an
// existing idempotency record, then dispatches, then on success
// records a new idempotency record with the response digest.
func (e *Executor) RunSteps(ctx context.Context, steps []model.Step, cfg Config) RunResult {
	var result RunResult

	for _, step := range steps {
		outcome, artifact, err := e.runStep(ctx, step, cfg)
		result.Outcomes = append(result.Outcomes, outcome)
		if artifact != nil {
			result.Artifacts = append(result.Artifacts, *artifact)
		}
		if err != nil || (outcome.Status != "success" && outcome.Status != "idempotent_hit" && outcome.Status != "skipped") {
			result.Failed = true
			result.FailedStepID = step.StepID
			break
		}
	}
	return result
}

func (e *Executor) writeArtifact(executionID string, step model.Step, res adapter.Result) *model.Artifact {
	kind := string(step.Action)
	path, err := e.ledger.WriteArtifact(kind, executionID, step.StepID, map[string]interface{}{
		"http_status": res.HTTPStatus,
		"exit_code":   res.ExitCode,
		"response":    res.Response,
		"captured_at": clock.NowISO(e.clock),
	})
	if err != nil {
		return nil
	}
	return &model.Artifact{Kind: kind, Path: path}
}

func (e *Executor) runStep(ctx context.Context, step model.Step, cfg Config) (model.StepOutcome, *model.Artifact, error) {
	// Step 1: idempotency short-circuit for write-scoped actions.
	if step.Action == model.ActionNotionLiveWrite || (!step.ReadOnly && step.Action != "") {
		key, _ := state.IdempotencyKey(string(step.Action), cfg.PlanHash, step.StepID, cfg.ThreadID)
		if rec, _ := e.state.Lookup(key, cfg.IdempotencyTTL, e.clock.Now()); rec != nil {
			return model.StepOutcome{
				StepID: step.StepID,
				Status: "idempotent_hit",
			}, nil, nil
		}
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, ok := e.adapters.Lookup(step.Action)
	if !ok {
		return model.StepOutcome{StepID: step.StepID, Status: "failed", Error: fmt.Sprintf("no adapter registered for action %q", step.Action)}, nil, fmt.Errorf("no adapter for %q", step.Action)
	}

	res, outcome, err := e.dispatchWithRetry(stepCtx, a, step)
	metrics.StepDuration(string(step.Action), outcome.Status, res.Duration.Seconds())

	var art *model.Artifact
	writeScoped := step.Action == model.ActionNotionLiveWrite || (!step.ReadOnly && step.Action != "")
	if outcome.Status == "success" && writeScoped {
		key, _ := state.IdempotencyKey(string(step.Action), cfg.PlanHash, step.StepID, cfg.ThreadID)
		digest := clock.SHA256Hex([]byte(fmt.Sprintf("%v", res.Response)))
		_ = e.state.Record(model.IdempotencyRecord{
			Key:            key,
			ExecutionID:    cfg.ExecutionID,
			PlanHash:       cfg.PlanHash,
			StepID:         step.StepID,
			CompletedAt:    clock.NowISO(e.clock),
			ResponseDigest: digest,
		})
		outcome.ResponseDigest = digest
		art = e.writeArtifact(cfg.ExecutionID, step, res)
	}

	return outcome, art, err
}

// dispatchWithRetry dispatches the step, retrying per step.Retry on
// failure. The plan hash and step id stay
// constant across retries, so retries share the same idempotency key.
func (e *Executor) dispatchWithRetry(ctx context.Context, a adapter.Adapter, step model.Step) (adapter.Result, model.StepOutcome, error) {
	maxAttempts := 1
	backoffMS := 0
	strategy := "constant"
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			maxAttempts = step.Retry.MaxAttempts
		}
		backoffMS = step.Retry.BackoffMS
		if step.Retry.Backoff != "" {
			strategy = step.Retry.Backoff
		}
	}

	var lastRes adapter.Result
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastRes, model.StepOutcome{StepID: step.StepID, Status: "failed", Error: "INTERRUPTED"}, err
		}

		start := time.Now()
		res, err := a.Run(ctx, step)
		res.Duration = time.Since(start)
		lastRes, lastErr = res, err

		if err == nil && res.Success() {
			return res, model.StepOutcome{
				StepID:     step.StepID,
				Status:     "success",
				ExitCode:   res.ExitCode,
				HTTPStatus: res.HTTPStatus,
				Duration:   res.Duration.String(),
			}, nil
		}

		if attempt == maxAttempts || backoffMS <= 0 {
			continue
		}

		wait := backoffDelay(backoffMS, strategy, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return lastRes, model.StepOutcome{StepID: step.StepID, Status: "failed", Error: "INTERRUPTED"}, ctx.Err()
		}
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return lastRes, model.StepOutcome{
		StepID:     step.StepID,
		Status:     "failed",
		ExitCode:   lastRes.ExitCode,
		HTTPStatus: lastRes.HTTPStatus,
		Duration:   lastRes.Duration.String(),
		Error:      errMsg,
	}, lastErr
}

// backoffDelay computes the delay before the next attempt.
func backoffDelay(baseMS int, strategy string, attempt int) time.Duration {
	base := time.Duration(baseMS) * time.Millisecond
	switch strategy {
	case "linear":
		return base * time.Duration(attempt)
	case "exponential":
		return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	default: // "constant"
		return base
	}
}
