package mode

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialStateIsBootstrap(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, Bootstrap, st.Mode)
	assert.Equal(t, 10, st.Confidence)
}

func TestRecordCheckpointSaturatesAt100(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	events := []CheckpointEvent{
		ProviderConnected, TUIOpened, InboxFirstItem, TaskSplit,
		DelegationCompleted, GuardrailsAcknowledged, TaskCycleVerified,
	}
	var st *State
	var err error
	for _, e := range events {
		st, err = store.RecordCheckpoint(e)
		require.NoError(t, err)
	}
	// initial 10 + 7 checkpoints * 10 = 80
	assert.Equal(t, 80, st.Confidence)

	// Recording the same events again must not push confidence past 100,
	// and in fact must not change it at all (each contributes once).
	for _, e := range events {
		st, err = store.RecordCheckpoint(e)
		require.NoError(t, err)
	}
	assert.Equal(t, 80, st.Confidence)
	assert.LessOrEqual(t, st.Confidence, 100)
}

func TestRecordCheckpointTwiceDoesNotDoubleCount(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	st1, err := store.RecordCheckpoint(ProviderConnected)
	require.NoError(t, err)
	st2, err := store.RecordCheckpoint(ProviderConnected)
	require.NoError(t, err)
	assert.Equal(t, st1.Confidence, st2.Confidence)
}

func TestFullCheckpointSequenceTransitionsToOperate(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))

	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, Bootstrap, st.Mode)

	// Every checkpoint recorded, ending with task.cycle.verified and
	// guardrails.acknowledged, then a passing verify run.
	for _, e := range []CheckpointEvent{
		ProviderConnected, TUIOpened, InboxFirstItem, TaskSplit,
		DelegationCompleted, TaskCycleVerified, GuardrailsAcknowledged,
	} {
		_, err := store.RecordCheckpoint(e)
		require.NoError(t, err)
	}

	st, err = store.VerifyPassed()
	require.NoError(t, err)
	assert.True(t, st.LastVerifyPassed)

	st, err = store.Read()
	require.NoError(t, err)
	assert.Equal(t, Operate, st.Mode)
}

func TestVerifyFailedEntersRecovery(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	st, err := store.VerifyFailed()
	require.NoError(t, err)
	assert.Equal(t, Recovery, st.Mode)
	assert.False(t, st.LastVerifyPassed)
}

func TestVerifyPassedDoesNotAutoReturnFromRecovery(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	for _, e := range []CheckpointEvent{
		ProviderConnected, TUIOpened, InboxFirstItem, TaskSplit,
		DelegationCompleted, TaskCycleVerified, GuardrailsAcknowledged,
	} {
		_, err := store.RecordCheckpoint(e)
		require.NoError(t, err)
	}
	_, err := store.VerifyFailed()
	require.NoError(t, err)

	st, err := store.VerifyPassed()
	require.NoError(t, err)
	assert.True(t, st.LastVerifyPassed)
	assert.Equal(t, Recovery, st.Mode, "verify.passed must not auto-return mode to OPERATE")
}
