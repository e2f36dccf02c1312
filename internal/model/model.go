// Package model holds the shared data types of the governed execution
// runtime: commands, plans, steps, receipts, fingerprints, and the
// persisted lifecycle/state records. These are plain value types
// shared across every component rather than owned by any one of them.
// A step declares its adapter kind via Action and carries
// adapter-specific extras in an open Attributes bag.
package model

import "time"

// Action identifies which adapter a step dispatches to.
type Action string

const (
	ActionShellRun        Action = "shell.run"
	ActionWebhookEmit     Action = "webhook.emit"
	ActionNotionLiveRead  Action = "notion.live.read"
	ActionNotionLiveWrite Action = "notion.live.write"
)

// RetryPolicy configures step-level retry.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffMS   int `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
	// Backoff selects constant/linear/exponential growth of BackoffMS
	// between attempts. Defaults to "constant".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Guard is a declarative predicate evaluated against a prestate
// snapshot.
type Guard struct {
	Path  string      `json:"path"`
	Op    string      `json:"op"` // eq, ne, lt, le, gt, ge, exists, absent, in
	Value interface{} `json:"value,omitempty"`
}

// Step is one unit of an execution plan.
type Step struct {
	StepID             string                 `json:"step_id"`
	Action             Action                 `json:"action"`
	Adapter            string                 `json:"adapter,omitempty"`
	Method             string                 `json:"method,omitempty"`
	URL                string                 `json:"url,omitempty"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
	ReadOnly           bool                   `json:"read_only"`
	ApprovalScoped     bool                   `json:"approval_scoped,omitempty"`
	Guards             []Guard                `json:"guards,omitempty"`
	Resource           string                 `json:"resource,omitempty"`
	NotionPath         string                 `json:"notion_path,omitempty"`
	NotionPathPrestate string                 `json:"notion_path_prestate,omitempty"`
	IdempotencyKey     string                 `json:"idempotency_key,omitempty"`
	PrestateSnapshot   map[string]interface{} `json:"prestate_snapshot,omitempty"`
	PrestateFingerprint string                `json:"prestate_fingerprint,omitempty"`
	Expects            map[string]interface{} `json:"expects,omitempty"`
	RequiredRole       string                 `json:"required_role,omitempty"`
	Cost               int                    `json:"cost,omitempty"`
	Retry              *RetryPolicy           `json:"retry,omitempty"`
	ApprovedAt         string                 `json:"approved_at,omitempty"`

	// Attributes is the open bag for adapter-specific fields not
	// promoted to a named field above.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Phase groups an ordered sequence of steps.
type Phase struct {
	PhaseID string `json:"phase_id"`
	Steps   []Step `json:"steps"`
}

// Plan is a structured execution plan.
type Plan struct {
	ExecutionID          string            `json:"execution_id"`
	ThreadID             string            `json:"thread_id"`
	Goal                 string            `json:"goal"`
	DryRun               bool              `json:"dry_run"`
	AgentVersions        map[string]string `json:"agent_versions,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Steps                []Step            `json:"steps,omitempty"`
	Phases               []Phase           `json:"phases,omitempty"`
}

// AllSteps flattens Steps and Phases into a single ordered slice.
func (p *Plan) AllSteps() []Step {
	if len(p.Phases) > 0 {
		var out []Step
		for _, ph := range p.Phases {
			out = append(out, ph.Steps...)
		}
		return out
	}
	return p.Steps
}

// Phased reports whether the plan uses phases instead of a flat step list.
func (p *Plan) Phased() bool { return len(p.Phases) > 0 }

// Status is a receipt's terminal outcome.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusDenied          Status = "denied"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusThrottled       Status = "throttled"
)

// AutonomyMode is the operator-chosen permissiveness envelope,
// monotonically downgraded by confidence.
type AutonomyMode string

const (
	AutonomyOff            AutonomyMode = "OFF"
	AutonomyReadOnly       AutonomyMode = "READ_ONLY"
	AutonomyProposeOnly    AutonomyMode = "PROPOSE_ONLY"
	AutonomyApprovalGated  AutonomyMode = "APPROVAL_GATED"
	AutonomyFull           AutonomyMode = "FULL"
)

// PolicyDenial describes why policy denied a plan.
type PolicyDenial struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// ApprovalRequirement describes a pending approval.
type ApprovalRequirement struct {
	Kind        string `json:"kind"`
	Reason      string `json:"reason"`
	Scope       string `json:"scope"`
	ExecutionID string `json:"execution_id"`
	PlanHash    string `json:"plan_hash"`
}

// StepOutcome records one step's executed result.
type StepOutcome struct {
	StepID      string `json:"step_id"`
	Status      string `json:"status"` // success, failed, idempotent_hit, skipped
	ExitCode    int    `json:"exit_code,omitempty"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Error       string `json:"error,omitempty"`
	ResponseDigest string `json:"response_digest,omitempty"`
}

// Artifact references a persisted per-step artifact file.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Receipt is the immutable outcome record of one governance pipeline
// run. ReceiptHash covers every other field via
// canonical JSON + SHA-256.
type Receipt struct {
	Kind                  string              `json:"kind"`
	ExecutionID           string              `json:"execution_id"`
	ThreadID              string              `json:"thread_id,omitempty"`
	Goal                  string              `json:"goal,omitempty"`
	DryRun                bool                `json:"dry_run,omitempty"`
	StartedAt             string              `json:"started_at"`
	FinishedAt            string              `json:"finished_at"`
	Status                Status              `json:"status"`
	PlanHash              string              `json:"plan_hash,omitempty"`
	Fingerprint           string              `json:"fingerprint"`
	AutonomyMode          AutonomyMode        `json:"autonomy_mode,omitempty"`
	AutonomyModeEffective AutonomyMode        `json:"autonomy_mode_effective,omitempty"`
	Steps                 []StepOutcome       `json:"steps,omitempty"`
	PolicyDenied          *PolicyDenial       `json:"policy_denied,omitempty"`
	ApprovalRequired      *ApprovalRequirement `json:"approval_required,omitempty"`
	Artifacts             []Artifact          `json:"artifacts,omitempty"`
	PhasesPlanned         int                 `json:"phases_planned,omitempty"`
	PhasesExecuted        int                 `json:"phases_executed,omitempty"`
	DeniedPhase           string              `json:"denied_phase,omitempty"`
	RetryAfter            float64             `json:"retry_after,omitempty"`

	// ReceiptHash is excluded from its own canonicalization; see
	// ledger.HashReceipt which computes it over every other field.
	ReceiptHash string `json:"receipt_hash,omitempty"`
}

// RequalState is a fingerprint's lifecycle state.
type RequalState string

const (
	StateActive    RequalState = "ACTIVE"
	StateProbation RequalState = "PROBATION"
	StateSuspended RequalState = "SUSPENDED"
	StateEligible  RequalState = "ELIGIBLE"
)

// Requalification is the per-fingerprint lifecycle record.
type Requalification struct {
	Fingerprint        string       `json:"fingerprint"`
	State              RequalState  `json:"state"`
	Cause              string       `json:"cause,omitempty"`
	Since              string       `json:"since"`
	CooldownUntil      *time.Time   `json:"cooldown_until,omitempty"`
	ActivatedAt        *time.Time   `json:"activated_at,omitempty"`
	DecayedAt          *time.Time   `json:"decayed_at,omitempty"`
	SuccessCount       int          `json:"success_count,omitempty"`
	RequiredSuccesses  int          `json:"required_successes,omitempty"`
	LastSuccessAt      *time.Time   `json:"last_success_at,omitempty"`
}

// Confidence is the per-fingerprint confidence record.
type Confidence struct {
	Fingerprint string  `json:"fingerprint"`
	Value       float64 `json:"value"`
}

// IdempotencyRecord dedupes adapter side effects.
type IdempotencyRecord struct {
	Key            string `json:"key"`
	ExecutionID    string `json:"execution_id"`
	PlanHash       string `json:"plan_hash"`
	StepID         string `json:"step_id"`
	CompletedAt    string `json:"completed_at"`
	ResponseDigest string `json:"response_digest"`
}

// BucketState is a fingerprint's token-bucket state.
type BucketState struct {
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// BreakerState is the circuit-breaker lifecycle.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// GovernorState is the per-fingerprint governor record.
type GovernorState struct {
	Fingerprint  string       `json:"fingerprint"`
	Bucket       BucketState  `json:"bucket"`
	Breaker      BreakerState `json:"breaker_state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
}

// ApprovalState is the persisted envelope for a paused plan.
type ApprovalState struct {
	ExecutionID          string            `json:"execution_id"`
	Command              string            `json:"command"`
	DomainID              string            `json:"domain_id,omitempty"`
	CreatedAt             string            `json:"created_at"`
	Status                string            `json:"status"`
	PlanHash              string            `json:"plan_hash"`
	Mode                  string            `json:"mode"` // phased | legacy
	Plan                  *Plan             `json:"plan"`
	PhasesPlanned         int               `json:"phases_planned,omitempty"`
	PhasesExecuted        int               `json:"phases_executed,omitempty"`
	PendingStepIDs        []string          `json:"pending_step_ids,omitempty"`
	Prestates             map[string]string `json:"prestates,omitempty"` // step_id -> prestate_fingerprint
	ResolvedCapabilities  map[string]string `json:"resolved_capabilities,omitempty"`
	StartedAt             string            `json:"started_at"`
}

// Command is the normalized, domain-scoped operator command.
type Command struct {
	Raw        string
	Normalized string
	DomainID   string
}
