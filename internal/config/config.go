// Package config centralizes environment-variable configuration
// behind a single explicit struct, following the
// small-value-struct idiom seen in executor.Config and planner.Config
// instead of scattered os.Getenv calls.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/sintraprime/ger/internal/model"
)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	AutonomyMode              model.AutonomyMode
	EngineFrozen              bool
	RequalificationEnabled    bool
	RunsDir                   string
	StrictAgentOutput         bool
	AllowAgentVersionMismatch bool
	AllowUnredactedAuditExport bool
	AllowPlannerOverride      bool

	// Governor defaults
	BucketCapacity   float64
	RefillRatePerSec float64
	CircuitFailThreshold int
	CircuitCooldownSeconds float64

	// Confidence deltas
	DeltaSuccess  float64
	DeltaThrottle float64
	DeltaPolicy   float64
	DeltaRollback float64

	// Requalification
	ConfidenceDecayHorizonHours int
	RequiredSuccessesInHorizon  int
	RequiredProbationSuccesses  int

	// Idempotency TTL
	IdempotencyTTLHours int

	// Policy budgets
	MaxRunsPerDay int
	MaxPlanBudget int

	// Step timeout default
	DefaultStepTimeoutSeconds int

	// RedactRootKey seeds per-run redaction salts (internal/redact,
	// It MUST be stable across process invocations: `ger run`
	// and the later `ger approve` it pauses for are separate processes,
	// and approval.Resume's drift check only matches a step's
	// prestate_fingerprint if redact.Salt derives the same salt both
	// times. Loaded from REDACT_ROOT_KEY (hex-encoded); falls back
	// to a fixed development default that MUST be overridden in any
	// shared or production environment.
	RedactRootKey []byte
}

// defaultRedactRootKeyHex is 32 zero-cost dev-only bytes. Any real
// deployment sets REDACT_ROOT_KEY so redaction placeholders aren't
// derivable by anyone else running the unmodified binary.
const defaultRedactRootKeyHex = "8279bcc78161b84a33e7a23fa435f6f009f43da103bc4a4e32f7db0ddfa14fd2"

// Load reads configuration from the environment, applying the
// documented defaults below.
func Load() Config {
	c := Config{
		AutonomyMode:           parseAutonomyMode(envOr("AUTONOMY_MODE", "APPROVAL_GATED_AUTONOMY")),
		EngineFrozen:           envBool("ENGINE_FROZEN"),
		RequalificationEnabled: envBool("REQUALIFICATION_ENABLED"),
		RunsDir:                firstNonEmpty(os.Getenv("RUNS_DIR"), os.Getenv("SINTRAPRIME_RUNS_DIR"), "runs"),
		StrictAgentOutput:      envBool("STRICT_AGENT_OUTPUT"),
		AllowAgentVersionMismatch:   envBool("ALLOW_AGENT_VERSION_MISMATCH"),
		AllowUnredactedAuditExport:  envBool("ALLOW_UNREDACTED_AUDIT_EXPORT"),
		AllowPlannerOverride:        envBool("ALLOW_PLANNER_OVERRIDE"),

		BucketCapacity:         envFloat("GOVERNOR_BUCKET_CAPACITY", 10),
		RefillRatePerSec:       envFloat("GOVERNOR_REFILL_RATE", 1),
		CircuitFailThreshold:   envInt("GOVERNOR_CIRCUIT_FAIL_THRESHOLD", 5),
		CircuitCooldownSeconds: envFloat("GOVERNOR_CIRCUIT_COOLDOWN_SECONDS", 60),

		DeltaSuccess:  envFloat("CONFIDENCE_DELTA_SUCCESS", 0.02),
		DeltaThrottle: envFloat("CONFIDENCE_DELTA_THROTTLE", 0.05),
		DeltaPolicy:   envFloat("CONFIDENCE_DELTA_POLICY", 0.10),
		DeltaRollback: envFloat("CONFIDENCE_DELTA_ROLLBACK", 0.20),

		ConfidenceDecayHorizonHours: envInt("CONFIDENCE_DECAY_HORIZON_HOURS", 72),
		RequiredSuccessesInHorizon:  envInt("REQUIRED_SUCCESSES_IN_HORIZON", 3),
		RequiredProbationSuccesses:  envInt("REQUIRED_PROBATION_SUCCESSES", 3),

		IdempotencyTTLHours: envInt("IDEMPOTENCY_TTL_HOURS", 168),

		MaxRunsPerDay: envInt("POLICY_MAX_RUNS_PER_DAY", 500),
		MaxPlanBudget: envInt("POLICY_MAX_PLAN_BUDGET", 100),

		DefaultStepTimeoutSeconds: envInt("STEP_TIMEOUT_SECONDS", 30),

		RedactRootKey: envHex("REDACT_ROOT_KEY", defaultRedactRootKeyHex),
	}
	return c
}

// parseAutonomyMode translates the external env vocabulary (the
// "_AUTONOMY"-suffixed names operators set) into the internal
// model.AutonomyMode vocabulary the policy engine's autonomy-mode
// matrix switches on. An unrecognized value fails safe to
// APPROVAL_GATED rather than silently falling through every switch
// case.
func parseAutonomyMode(v string) model.AutonomyMode {
	switch v {
	case "OFF":
		return model.AutonomyOff
	case "READ_ONLY_AUTONOMY":
		return model.AutonomyReadOnly
	case "PROPOSE_ONLY_AUTONOMY":
		return model.AutonomyProposeOnly
	case "APPROVAL_GATED_AUTONOMY":
		return model.AutonomyApprovalGated
	case "FULL_AUTONOMY":
		return model.AutonomyFull
	default:
		return model.AutonomyApprovalGated
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string) bool {
	return os.Getenv(key) == "1"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// envHex decodes a hex-encoded env var, falling back to defHex
// (assumed well-formed) when unset or malformed.
func envHex(key, defHex string) []byte {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = defHex
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		b, _ = hex.DecodeString(defHex)
	}
	return b
}
