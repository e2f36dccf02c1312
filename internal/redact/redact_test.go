package redact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaltIsDeterministicPerExecutionID(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef")
	a, err := Salt(root, "exec1")
	require.NoError(t, err)
	b, err := Salt(root, "exec1")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSaltDiffersAcrossExecutionIDs(t *testing.T) {
	root := []byte("0123456789abcdef0123456789abcdef")
	a, err := Salt(root, "exec1")
	require.NoError(t, err)
	b, err := Salt(root, "exec2")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPlaceholderIsDeterministicAndNonReversible(t *testing.T) {
	salt := []byte("fixed-salt-value")
	p1 := Placeholder(salt, "my-secret-token")
	p2 := Placeholder(salt, "my-secret-token")
	require.Equal(t, p1, p2)
	require.NotContains(t, p1, "my-secret-token")
}

func TestFieldsRedactsDefaultSensitiveKeysAtAnyDepth(t *testing.T) {
	salt := []byte("fixed-salt-value")
	snapshot := map[string]interface{}{
		"username": "alice",
		"secret":   "shh",
		"nested": map[string]interface{}{
			"api_key": "abc123",
			"visible": "stays",
		},
	}
	out := Fields(snapshot, salt, nil)
	require.Equal(t, "alice", out["username"])
	require.Contains(t, out["secret"], "ger:redacted:")

	nested := out["nested"].(map[string]interface{})
	require.Contains(t, nested["api_key"], "ger:redacted:")
	require.Equal(t, "stays", nested["visible"])
}

func TestFieldsRedactsWithinSlices(t *testing.T) {
	salt := []byte("fixed-salt-value")
	snapshot := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"token": "t1"},
			map[string]interface{}{"token": "t2"},
		},
	}
	out := Fields(snapshot, salt, nil)
	items := out["items"].([]interface{})
	require.Contains(t, items[0].(map[string]interface{})["token"], "ger:redacted:")
	require.Contains(t, items[1].(map[string]interface{})["token"], "ger:redacted:")
}
