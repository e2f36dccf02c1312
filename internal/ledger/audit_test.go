package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/model"
)

func writeTestPrestate(t *testing.T, s *Store, execID, stepID, path string) {
	t.Helper()
	_, err := s.WritePrestate(PrestateRecord{
		ExecutionID:         execID,
		StepID:              stepID,
		ResourcePath:        path,
		CapturedAt:          "2026-07-31T10:00:00.000Z",
		PrestateFingerprint: "fp-" + stepID,
		Snapshot:            map[string]interface{}{"status": "draft", "token": "hunter2"},
	})
	require.NoError(t, err)
}

func TestListPrestatesReturnsRecordsInStepOrder(t *testing.T) {
	s := New(t.TempDir())
	writeTestPrestate(t, s, "exec1", "s2", "/pages/2")
	writeTestPrestate(t, s, "exec1", "s1", "/pages/1")
	writeTestPrestate(t, s, "other", "s1", "/pages/9")

	recs, err := s.ListPrestates("exec1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "s1", recs[0].StepID)
	require.Equal(t, "s2", recs[1].StepID)
	require.Equal(t, "/pages/1", recs[0].ResourcePath)
}

func TestListPrestatesMissingDirReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	recs, err := s.ListPrestates("nope")
	require.NoError(t, err)
	require.Nil(t, recs)
}

func TestExportByExecutionIDBundlesReceiptsPrestatesAndArtifacts(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendReceipt(model.Receipt{Kind: "receipt", ExecutionID: "exec1", Status: model.StatusSuccess, StartedAt: "2026-07-31T10:00:00.000Z"})
	require.NoError(t, err)
	_, err = s.AppendReceipt(model.Receipt{Kind: "receipt", ExecutionID: "exec2", Status: model.StatusFailed, StartedAt: "2026-07-31T11:00:00.000Z"})
	require.NoError(t, err)
	writeTestPrestate(t, s, "exec1", "s1", "/pages/1")
	_, err = s.WriteArtifact("notion.live.write", "exec1", "s1", map[string]interface{}{"http_status": 200})
	require.NoError(t, err)

	redacted := func(snap map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(snap))
		for k, v := range snap {
			if k == "token" {
				out[k] = "xxx"
				continue
			}
			out[k] = v
		}
		return out
	}

	bundle, err := s.Export(FilterByExecutionID("exec1"), redacted)
	require.NoError(t, err)
	require.True(t, bundle.Redacted)
	require.Len(t, bundle.Receipts, 1)
	require.Equal(t, "exec1", bundle.Receipts[0].ExecutionID)
	require.Len(t, bundle.Prestates, 1)
	require.Equal(t, "xxx", bundle.Prestates[0].Snapshot["token"])
	require.Len(t, bundle.Artifacts, 1)
	require.Contains(t, bundle.Artifacts[0], "notion.live.write")
}

func TestExportSinceFiltersOlderReceipts(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendReceipt(model.Receipt{Kind: "receipt", ExecutionID: "old", Status: model.StatusSuccess, StartedAt: "2026-07-01T00:00:00.000Z"})
	require.NoError(t, err)
	_, err = s.AppendReceipt(model.Receipt{Kind: "receipt", ExecutionID: "new", Status: model.StatusSuccess, StartedAt: "2026-07-31T00:00:00.000Z"})
	require.NoError(t, err)

	filter, err := FilterSince("2026-07-15T00:00:00.000Z")
	require.NoError(t, err)
	bundle, err := s.Export(filter, nil)
	require.NoError(t, err)
	require.False(t, bundle.Redacted)
	require.Len(t, bundle.Receipts, 1)
	require.Equal(t, "new", bundle.Receipts[0].ExecutionID)
}

func TestFilterSinceRejectsMalformedTimestamp(t *testing.T) {
	_, err := FilterSince("yesterday")
	require.Error(t, err)
}

func TestExportIsDeterministic(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendReceipt(model.Receipt{Kind: "receipt", ExecutionID: "exec1", Status: model.StatusSuccess, StartedAt: "2026-07-31T10:00:00.000Z"})
	require.NoError(t, err)
	writeTestPrestate(t, s, "exec1", "s1", "/pages/1")

	first, err := s.Export(FilterByExecutionID("exec1"), nil)
	require.NoError(t, err)
	second, err := s.Export(FilterByExecutionID("exec1"), nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
