package workflow

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveScratchBase(t *testing.T) {
	t.Setenv("CRY_SCRATCH_BASE", "")
	t.Setenv("CRY23_SCRDIR", "")

	assert.Equal(t, "/explicit", resolveScratchBase("/explicit"))
	assert.Equal(t, os.TempDir(), resolveScratchBase(""))

	t.Setenv("CRY23_SCRDIR", "/cry23")
	assert.Equal(t, "/cry23", resolveScratchBase(""))

	// The newer convention wins over the CRYSTAL23 one.
	t.Setenv("CRY_SCRATCH_BASE", "/preferred")
	assert.Equal(t, "/preferred", resolveScratchBase(""))
	assert.Equal(t, "/explicit", resolveScratchBase("/explicit"))
}

func TestCreateWorkDirEncodesIdentity(t *testing.T) {
	base := t.TempDir()
	sm := newScratchManager(base)

	dir, err := sm.createWorkDir("wf-42", "opt/step")
	require.NoError(t, err)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	name := dir[len(base)+1:]
	assert.Contains(t, name, "workflow_wf-42")
	assert.Contains(t, name, "node_opt_step") // path-unsafe chars sanitized
	assert.Contains(t, name, strconv.Itoa(os.Getpid()))

	other, err := sm.createWorkDir("wf-42", "opt/step")
	require.NoError(t, err)
	assert.NotEqual(t, dir, other)
}

func TestCleanupTerminalRemovesOnlyTerminalWorkflows(t *testing.T) {
	sm := newScratchManager(t.TempDir())

	doneDir, err := sm.createWorkDir("done", "a")
	require.NoError(t, err)
	liveDir, err := sm.createWorkDir("live", "a")
	require.NoError(t, err)

	sm.cleanupTerminal(func(workflowID string) bool {
		return strings.HasPrefix(workflowID, "done")
	})

	_, err = os.Stat(doneDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(liveDir)
	assert.NoError(t, err)
}
