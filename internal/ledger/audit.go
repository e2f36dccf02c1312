package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sintraprime/ger/internal/model"
)

// AuditBundle is the exported audit view of a slice of the ledger:
// the selected receipts in file order, their prestate records, and the
// relative paths of their artifacts. Content is a pure function of the
// ledger and the filter, so exporting the same scope twice yields
// byte-identical bundles.
type AuditBundle struct {
	Receipts  []model.Receipt  `json:"receipts"`
	Prestates []PrestateRecord `json:"prestates,omitempty"`
	Artifacts []string         `json:"artifacts,omitempty"`
	Redacted  bool             `json:"redacted"`
}

// ExportFilter selects which receipts belong in an audit bundle.
type ExportFilter func(model.Receipt) bool

// FilterByExecutionID selects every receipt for one execution_id.
func FilterByExecutionID(executionID string) ExportFilter {
	return func(r model.Receipt) bool { return r.ExecutionID == executionID }
}

// FilterSince selects receipts whose run started at or after sinceISO.
func FilterSince(sinceISO string) (ExportFilter, error) {
	since, err := time.Parse(time.RFC3339, sinceISO)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse since_iso %q: %w", sinceISO, err)
	}
	return func(r model.Receipt) bool {
		started, err := time.Parse(time.RFC3339, r.StartedAt)
		if err != nil {
			return false
		}
		return !started.Before(since)
	}, nil
}

// Export assembles an audit bundle for the receipts filter selects.
// When redactSnapshot is non-nil it is applied to every prestate
// snapshot before inclusion; passing nil exports snapshots verbatim
// and marks the bundle unredacted.
func (s *Store) Export(filter ExportFilter, redactSnapshot func(map[string]interface{}) map[string]interface{}) (AuditBundle, error) {
	receipts, err := s.ReadReceipts()
	if err != nil {
		return AuditBundle{}, err
	}

	bundle := AuditBundle{Redacted: redactSnapshot != nil}
	seen := map[string]bool{}
	for _, r := range receipts {
		if !filter(r) {
			continue
		}
		bundle.Receipts = append(bundle.Receipts, r)
		if r.ExecutionID == "" || seen[r.ExecutionID] {
			continue
		}
		seen[r.ExecutionID] = true

		prestates, err := s.ListPrestates(r.ExecutionID)
		if err != nil {
			return AuditBundle{}, err
		}
		for _, p := range prestates {
			if redactSnapshot != nil {
				p.Snapshot = redactSnapshot(p.Snapshot)
			}
			bundle.Prestates = append(bundle.Prestates, p)
		}

		paths, err := s.listArtifactPaths(r.ExecutionID)
		if err != nil {
			return AuditBundle{}, err
		}
		bundle.Artifacts = append(bundle.Artifacts, paths...)
	}
	sort.Strings(bundle.Artifacts)
	return bundle, nil
}

// listArtifactPaths returns root-relative artifact paths for one
// execution_id across every artifact kind.
func (s *Store) listArtifactPaths(executionID string) ([]string, error) {
	kindsDir := s.path("artifacts")
	kinds, err := os.ReadDir(kindsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list artifact kinds: %w", err)
	}

	safeExec := SafePathComponent(executionID)
	var out []string
	for _, k := range kinds {
		if !k.IsDir() {
			continue
		}
		execDir := filepath.Join(kindsDir, k.Name(), safeExec)
		files, err := os.ReadDir(execDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: list artifacts for %s: %w", executionID, err)
		}
		for _, f := range files {
			out = append(out, filepath.Join("artifacts", k.Name(), safeExec, f.Name()))
		}
	}
	return out, nil
}
