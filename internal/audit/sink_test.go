package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-run/odin/internal/secrets"
)

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := Open(path, secrets.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestEmitWritesRedactedEvent(t *testing.T) {
	vault := secrets.New()
	vault.Put("gmail", "refresh_token", "sekrit-value")
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := Open(path, vault)
	require.NoError(t, err)
	defer s.Close()

	evt, err := s.Emit("plugin.installed", "odin", "corr-1", map[string]interface{}{
		"plugin_name": "gmail-connector",
		"token":       "sekrit-value",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, "***", evt.RedactedPayload["token"], "field name matches secret pattern")
	assert.Equal(t, "gmail-connector", evt.RedactedPayload["plugin_name"])
}

func TestEmitRedactsByValueNotJustFieldName(t *testing.T) {
	vault := secrets.New()
	vault.Put("gmail", "refresh_token", "sekrit-value")
	s, path := newTestSinkWithVault(t, vault)
	defer s.Close()

	evt, err := s.Emit("governance.capability.used", "odin", "", map[string]interface{}{
		"note": "sekrit-value",
	})
	require.NoError(t, err)
	assert.Equal(t, "***", evt.RedactedPayload["note"])
	_ = path
}

func newTestSinkWithVault(t *testing.T, vault *secrets.Vault) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := Open(path, vault)
	require.NoError(t, err)
	return s, path
}

func TestEventsAreTotallyOrderedByEventID(t *testing.T) {
	s, _ := newTestSink(t)

	var ids []string
	for i := 0; i < 5; i++ {
		evt, err := s.Emit("governance.capability.used", "odin", "", nil)
		require.NoError(t, err)
		ids = append(ids, evt.EventID)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "ULIDs from a single writer must be monotonically increasing")
	}
}

func TestTailerPollReturnsOnlyNewEvents(t *testing.T) {
	s, path := newTestSink(t)

	_, err := s.Emit("plugin.installed", "odin", "", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	tailer := NewTailer(path)
	first, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, second, "poll with no new writes returns nothing")

	_, err = s.Emit("plugin.installed", "odin", "", map[string]interface{}{"n": 2})
	require.NoError(t, err)

	third, err := tailer.Poll()
	require.NoError(t, err)
	require.Len(t, third, 1)
}

func TestTailerPollOnMissingFileReturnsEmpty(t *testing.T) {
	tailer := NewTailer(filepath.Join(t.TempDir(), "does-not-exist.jsonl"))
	events, err := tailer.Poll()
	require.NoError(t, err)
	assert.Empty(t, events)
}
