package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return ws
}

func TestNewRejectsEmptyBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewCreatesOutputDir(t *testing.T) {
	ws := newTestWorkspace(t)
	info, err := os.Stat(ws.Paths().InternalOutput)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NotEmpty(t, ws.Token())
}

func TestResolve(t *testing.T) {
	ws := newTestWorkspace(t)

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := ws.Resolve("")
		assert.Error(t, err)
	})

	t.Run("relative path anchors under internal root", func(t *testing.T) {
		resolved, err := ws.Resolve("notes.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws.Paths().InternalRoot, "notes.txt"), resolved)
	})

	t.Run("mount-prefixed path strips the mount", func(t *testing.T) {
		resolved, err := ws.Resolve(ws.Paths().Mount + "/output/report.html")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws.Paths().InternalOutput, "report.html"), resolved)
	})

	t.Run("absolute path outside the mount anchors under internal root", func(t *testing.T) {
		resolved, err := ws.Resolve("/tmp/scratch.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws.Paths().InternalRoot, "tmp", "scratch.txt"), resolved)
	})

	t.Run("rejects escaping paths", func(t *testing.T) {
		_, err := ws.Resolve("../../../../etc/passwd")
		assert.Error(t, err)
	})
}

func TestAdaptPrompt(t *testing.T) {
	ws := newTestWorkspace(t)
	prompt := "Write output to /mnt/okcomputer/output/ and read from /mnt/okcomputer/data.csv"
	adapted := ws.AdaptPrompt(prompt)
	assert.Contains(t, adapted, ws.Paths().Output+"/")
	assert.Contains(t, adapted, ws.Paths().Mount+"/")
	assert.NotContains(t, adapted, "/mnt/okcomputer/")
}

func TestCleanup(t *testing.T) {
	ws := newTestWorkspace(t)
	existed, err := ws.Cleanup()
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = os.Stat(ws.Paths().InternalRoot)
	assert.True(t, os.IsNotExist(err))

	existed, err = ws.Cleanup()
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSetStateDefaultsToNullOnNil(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.SetState(nil)
	assert.IsType(t, NullState{}, ws.State())
}
