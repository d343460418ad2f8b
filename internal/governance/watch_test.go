package governance

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchedSkillResolverPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	userPath := writeRegistry(t, dir, "user.yaml", `
skills:
  - name: gmail-triage
    description: v1
    source: local
    trust_level: trusted
`)

	wr, err := NewWatchedSkillResolver(SkillResolver{UserPath: userPath})
	require.NoError(t, err)
	defer wr.Close()

	rec, _, ok, err := wr.Resolve("gmail-triage")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Description)

	require.NoError(t, os.WriteFile(userPath, []byte(`
skills:
  - name: gmail-triage
    description: v2
    source: local
    trust_level: trusted
`), 0o644))

	require.Eventually(t, func() bool {
		rec, _, ok, err := wr.Resolve("gmail-triage")
		return err == nil && ok && rec.Description == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchedSkillResolverMissingPathIsNoop(t *testing.T) {
	wr, err := NewWatchedSkillResolver(SkillResolver{})
	require.NoError(t, err)
	defer wr.Close()

	_, _, ok, err := wr.Resolve("anything")
	require.NoError(t, err)
	assert.False(t, ok)
}
