package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sintraprime/ger/internal/gerr"
)

func writeRegistry(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

const sampleRegistry = `
agents:
  - name: notion-writer
    version: 1.2.0
    capabilities: [notion.update]
  - name: notifier-a
    version: 1.0.0
    capabilities: [notify.slack]
  - name: notifier-b
    version: 1.0.0
    capabilities: [notify.slack]
`

func TestResolveSingleProvider(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	resolved, err := r.Resolve([]string{"notion.update"}, nil, false)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, "notion-writer", resolved[0].Agent)
	require.Equal(t, "1.2.0", resolved[0].Version)
}

func TestResolveUnknownCapabilityErrors(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	_, err = r.Resolve([]string{"does.not.exist"}, nil, false)
	require.Error(t, err)
	gerrErr, ok := err.(*gerr.Error)
	require.True(t, ok)
	require.Equal(t, gerr.PolicyCapabilityUnresolved, gerrErr.Code)
}

func TestResolveAmbiguousCapabilityErrors(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	_, err = r.Resolve([]string{"notify.slack"}, nil, false)
	require.Error(t, err)
	gerrErr, ok := err.(*gerr.Error)
	require.True(t, ok)
	require.Equal(t, gerr.PolicyCapabilityAmbiguous, gerrErr.Code)
}

func TestResolveVersionMismatchDenied(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	_, err = r.Resolve([]string{"notion.update"}, map[string]string{"notion-writer": "2.0.0"}, false)
	require.Error(t, err)
	gerrErr, ok := err.(*gerr.Error)
	require.True(t, ok)
	require.Equal(t, gerr.PolicyAgentVersionMismatch, gerrErr.Code)
}

func TestResolveVersionMismatchAllowed(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	resolved, err := r.Resolve([]string{"notion.update"}, map[string]string{"notion-writer": "2.0.0"}, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
}

func TestResolveToleratesMissingLeadingV(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	_, err = r.Resolve([]string{"notion.update"}, map[string]string{"notion-writer": "v1.2.0"}, false)
	require.NoError(t, err)
}

func TestFindReturnsKnownAgent(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	a, ok := r.Find("notifier-a")
	require.True(t, ok)
	require.Equal(t, "1.0.0", a.Version)

	_, ok = r.Find("unknown")
	require.False(t, ok)
}
