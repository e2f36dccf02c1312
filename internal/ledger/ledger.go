// Package ledger implements the append-only JSONL receipt ledger and
// per-kind artifact files under a deterministic directory tree.
// Receipts are never rewritten; corrections are new receipts. State
// files are replaced via write-temp-then-rename so concurrent
// invocations never observe a partial write.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/invariant"
	"github.com/sintraprime/ger/internal/model"
)

// Store is the append-only ledger rooted at a runs directory.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory tree is created
// lazily on first write.
func New(root string) *Store {
	invariant.NotEmpty(root, "root")
	return &Store{root: root}
}

// Root returns the runs root directory.
func (s *Store) Root() string { return s.root }

var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafePathComponent sanitizes a single path component: characters
// outside [A-Za-z0-9._-] collapse to '_', and the result is truncated
// to 120 bytes.
func SafePathComponent(s string) string {
	safe := unsafeChar.ReplaceAllString(s, "_")
	if len(safe) > 120 {
		safe = safe[:120]
	}
	if safe == "" {
		safe = "_"
	}
	return safe
}

// TimestampSuffix returns a millisecond-epoch suffix for deterministic
// sort ordering of event files.
func TimestampSuffix(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

func (s *Store) path(parts ...string) string {
	all := append([]string{s.root}, parts...)
	return filepath.Join(all...)
}

// writeAtomic writes data to path via write-temp-then-rename, the
// only coordination primitive used across invocations. No file locks
// are held across I/O waits.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp-" + fmt.Sprintf("%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ledger: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// HashReceipt computes receipt_hash = SHA-256(canonical(receipt \
// receipt_hash)) and returns a copy of r with the hash populated.
func HashReceipt(r model.Receipt) (model.Receipt, error) {
	r.ReceiptHash = ""
	b, err := clock.StableJSON(r)
	if err != nil {
		return r, fmt.Errorf("ledger: canonicalize receipt: %w", err)
	}
	r.ReceiptHash = clock.SHA256Hex(b)
	return r, nil
}

// AppendReceipt hashes and appends a receipt to runs/receipts.jsonl.
// Disk I/O failures are fatal: a run that cannot
// persist its receipt must fail rather than silently succeed.
func (s *Store) AppendReceipt(r model.Receipt) (model.Receipt, error) {
	hashed, err := HashReceipt(r)
	if err != nil {
		return r, err
	}

	line, err := json.Marshal(hashed)
	if err != nil {
		return r, fmt.Errorf("ledger: marshal receipt: %w", err)
	}

	path := s.path("receipts.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return r, fmt.Errorf("ledger: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return r, fmt.Errorf("ledger: open receipts.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return r, fmt.Errorf("ledger: append receipt: %w", err)
	}
	if err := f.Sync(); err != nil {
		return r, fmt.Errorf("ledger: sync receipts.jsonl: %w", err)
	}
	return hashed, nil
}

// ReadReceipts streams every receipt from receipts.jsonl in file
// order, the order ledger replay relies on.
func (s *Store) ReadReceipts() ([]model.Receipt, error) {
	path := s.path("receipts.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open receipts.jsonl: %w", err)
	}
	defer f.Close()

	var out []model.Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r model.Receipt
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("ledger: decode receipt line: %w", err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan receipts.jsonl: %w", err)
	}
	return out, nil
}

// ReadLastReceiptByExecutionID returns the most recent receipt for an
// execution_id, or nil if none exists.
func (s *Store) ReadLastReceiptByExecutionID(executionID string) (*model.Receipt, error) {
	all, err := s.ReadReceipts()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ExecutionID == executionID {
			r := all[i]
			return &r, nil
		}
	}
	return nil, nil
}

// ReadLastReceiptByFingerprint returns the most recent receipt for a
// fingerprint, or nil if none exists.
func (s *Store) ReadLastReceiptByFingerprint(fingerprint string) (*model.Receipt, error) {
	all, err := s.ReadReceipts()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Fingerprint == fingerprint {
			r := all[i]
			return &r, nil
		}
	}
	return nil, nil
}

// HasSuccess reports whether execution_id already has a success
// receipt. An execution_id gets at most one.
func (s *Store) HasSuccess(executionID string) (bool, error) {
	all, err := s.ReadReceipts()
	if err != nil {
		return false, err
	}
	for _, r := range all {
		if r.ExecutionID == executionID && r.Status == model.StatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

// WriteArtifact persists a per-step artifact under
// runs/artifacts/<kind>/<execution_id>/<step_id>.json and returns its
// path.
func (s *Store) WriteArtifact(kind, executionID, stepID string, payload interface{}) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ledger: marshal artifact: %w", err)
	}
	path := s.path("artifacts", SafePathComponent(kind), SafePathComponent(executionID), SafePathComponent(stepID)+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// PrestateRecord is the persisted form of one step's prestate capture:
// the redacted snapshot plus enough metadata to audit it later and to
// build a compensation plan that restores it.
type PrestateRecord struct {
	ExecutionID         string                 `json:"execution_id"`
	StepID              string                 `json:"step_id"`
	ResourcePath        string                 `json:"resource_path,omitempty"`
	CapturedAt          string                 `json:"captured_at"`
	PrestateFingerprint string                 `json:"prestate_fingerprint"`
	Snapshot            map[string]interface{} `json:"snapshot"`
}

// WritePrestate persists a step's prestate record under
// runs/prestate/<execution_id>.<step_id>.json.
func (s *Store) WritePrestate(rec PrestateRecord) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ledger: marshal prestate: %w", err)
	}
	name := SafePathComponent(rec.ExecutionID) + "." + SafePathComponent(rec.StepID) + ".json"
	path := s.path("prestate", name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ListPrestates returns every prestate record captured for an
// execution_id, in step-id (filename) order.
func (s *Store) ListPrestates(executionID string) ([]PrestateRecord, error) {
	dir := s.path("prestate")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list prestates: %w", err)
	}
	prefix := SafePathComponent(executionID) + "."
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]PrestateRecord, 0, len(names))
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, fmt.Errorf("ledger: read prestate %s: %w", n, err)
		}
		var rec PrestateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("ledger: decode prestate %s: %w", n, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteApprovalState persists (or overwrites, via atomic rename) the
// approval envelope for an execution_id.
func (s *Store) WriteApprovalState(st model.ApprovalState) (string, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ledger: marshal approval state: %w", err)
	}
	path := s.path("approval", SafePathComponent(st.ExecutionID)+".json")
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadApprovalState loads the approval envelope for an execution_id,
// or returns (nil, nil) if none exists.
func (s *Store) ReadApprovalState(executionID string) (*model.ApprovalState, error) {
	path := s.path("approval", SafePathComponent(executionID)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read approval state: %w", err)
	}
	var st model.ApprovalState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ledger: decode approval state: %w", err)
	}
	return &st, nil
}

// WriteIdempotencyRecord persists an idempotency record under
// runs/idempotency/<key>.json.
func (s *Store) WriteIdempotencyRecord(rec model.IdempotencyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal idempotency record: %w", err)
	}
	path := s.path("idempotency", SafePathComponent(rec.Key)+".json")
	return writeAtomic(path, data)
}

// ReadIdempotencyRecord loads an idempotency record by key, or
// returns (nil, nil) if none exists.
func (s *Store) ReadIdempotencyRecord(key string) (*model.IdempotencyRecord, error) {
	path := s.path("idempotency", SafePathComponent(key)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read idempotency record: %w", err)
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode idempotency record: %w", err)
	}
	return &rec, nil
}

// SweepIdempotency removes idempotency records whose CompletedAt is
// older than ttl and appends one GC event recording what was removed.
// This sweep is the only mutator of the idempotency directory; lookup
// treats expired records as absent but never deletes them inline.
func (s *Store) SweepIdempotency(ttl time.Duration, now time.Time) (int, error) {
	dir := s.path("idempotency")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: list idempotency records: %w", err)
	}

	removed := 0
	var removedKeys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return removed, fmt.Errorf("ledger: read idempotency record %s: %w", e.Name(), err)
		}
		var rec model.IdempotencyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // malformed records are left in place for inspection
		}
		completed, err := time.Parse("2006-01-02T15:04:05.000Z", rec.CompletedAt)
		if err != nil || now.Sub(completed) <= ttl {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("ledger: remove expired record %s: %w", e.Name(), err)
		}
		removed++
		removedKeys = append(removedKeys, rec.Key)
	}

	if removed > 0 {
		if _, err := s.WriteRequalEvent("_gc", "IdempotencyGC", map[string]interface{}{
			"removed": removed,
			"keys":    removedKeys,
			"ttl":     ttl.String(),
			"at":      now.UTC().Format("2006-01-02T15:04:05.000Z"),
		}, now); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// WriteRequalState persists a fingerprint's requalification state
// under runs/requalification/state/<safe_fingerprint>.json.
func (s *Store) WriteRequalState(st model.Requalification) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal requalification state: %w", err)
	}
	path := s.path("requalification", "state", SafePathComponent(st.Fingerprint)+".json")
	return writeAtomic(path, data)
}

// ReadRequalState loads a fingerprint's requalification state, or
// returns a fresh ACTIVE state if none exists yet.
func (s *Store) ReadRequalState(fingerprint string, now time.Time) (model.Requalification, error) {
	path := s.path("requalification", "state", SafePathComponent(fingerprint)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Requalification{
			Fingerprint: fingerprint,
			State:       model.StateActive,
			Since:       now.UTC().Format("2006-01-02T15:04:05.000Z"),
		}, nil
	}
	if err != nil {
		return model.Requalification{}, fmt.Errorf("ledger: read requalification state: %w", err)
	}
	var st model.Requalification
	if err := json.Unmarshal(data, &st); err != nil {
		return model.Requalification{}, fmt.Errorf("ledger: decode requalification state: %w", err)
	}
	return st, nil
}

// WriteRequalEvent appends a timestamped, immutable requalification
// event file under runs/requalification/events/.
func (s *Store) WriteRequalEvent(fingerprint, eventKind string, payload interface{}, now time.Time) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ledger: marshal requalification event: %w", err)
	}
	name := SafePathComponent(fingerprint) + "." + TimestampSuffix(now) + "." + SafePathComponent(eventKind) + ".json"
	path := s.path("requalification", "events", name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteConfidence persists a fingerprint's confidence scalar under
// runs/confidence/<safe_fingerprint>.json.
func (s *Store) WriteConfidence(c model.Confidence) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal confidence: %w", err)
	}
	path := s.path("confidence", SafePathComponent(c.Fingerprint)+".json")
	return writeAtomic(path, data)
}

// ReadConfidence loads a fingerprint's confidence, defaulting to 1.0
// (fully trusted) if no record exists yet.
func (s *Store) ReadConfidence(fingerprint string) (model.Confidence, error) {
	path := s.path("confidence", SafePathComponent(fingerprint)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.Confidence{Fingerprint: fingerprint, Value: 1.0}, nil
	}
	if err != nil {
		return model.Confidence{}, fmt.Errorf("ledger: read confidence: %w", err)
	}
	var c model.Confidence
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Confidence{}, fmt.Errorf("ledger: decode confidence: %w", err)
	}
	return c, nil
}

// WriteGovernorState persists a fingerprint's token-bucket/breaker
// state under runs/governor/<safe_fingerprint>.json.
func (s *Store) WriteGovernorState(gs model.GovernorState) error {
	data, err := json.MarshalIndent(gs, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal governor state: %w", err)
	}
	path := s.path("governor", SafePathComponent(gs.Fingerprint)+".json")
	return writeAtomic(path, data)
}

// ReadGovernorState loads a fingerprint's governor state, defaulting
// to a full bucket and closed breaker if none exists yet.
func (s *Store) ReadGovernorState(fingerprint string, capacity float64, now time.Time) (model.GovernorState, error) {
	path := s.path("governor", SafePathComponent(fingerprint)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.GovernorState{
			Fingerprint: fingerprint,
			Bucket:      model.BucketState{Tokens: capacity, LastRefillAt: now},
			Breaker:     model.BreakerClosed,
		}, nil
	}
	if err != nil {
		return model.GovernorState{}, fmt.Errorf("ledger: read governor state: %w", err)
	}
	var gs model.GovernorState
	if err := json.Unmarshal(data, &gs); err != nil {
		return model.GovernorState{}, fmt.Errorf("ledger: decode governor state: %w", err)
	}
	return gs, nil
}

// ListRequalEvents lists event file paths for a fingerprint in
// filename (timestamp) order.
func (s *Store) ListRequalEvents(fingerprint string) ([]string, error) {
	dir := s.path("requalification", "events")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list requalification events: %w", err)
	}
	prefix := SafePathComponent(fingerprint) + "."
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	// Filenames embed millisecond-epoch timestamps, so lexical sort is
	// chronological.
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}
