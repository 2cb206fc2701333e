package toolkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/workspace"
)

func TestDeployWebsiteTool(t *testing.T) {
	ws, err := workspace.New(workspace.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	siteDir := filepath.Join(ws.Paths().InternalOutput, "site")
	require.NoError(t, os.MkdirAll(siteDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	store, err := deployment.NewStore(t.TempDir())
	require.NoError(t, err)

	tool := NewDeployWebsiteTool(ws, store, ws.Token())

	t.Run("requires directory", func(t *testing.T) {
		res := tool.Call(context.Background(), map[string]any{})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "directory")
	})

	t.Run("deploys a workspace-relative directory", func(t *testing.T) {
		res := tool.Call(context.Background(), map[string]any{
			"directory": filepath.Join(ws.Paths().Output, "site"),
		})
		require.True(t, res.Success)
		assert.Contains(t, res.Output, "Deployed")

		data, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, data["preview_url"])

		depl, ok := data["deployment"].(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, depl["id"])
	})

	t.Run("rejects a missing directory", func(t *testing.T) {
		res := tool.Call(context.Background(), map[string]any{"directory": "does-not-exist"})
		assert.False(t, res.Success)
	})
}
