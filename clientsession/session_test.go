package clientsession

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/agentrt"
	"github.com/okcvm/okcvm/modelclient"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
	"github.com/okcvm/okcvm/workspace"
)

// fakeModel is a scripted modelclient.Client: the first Complete call
// returns a tool_use for "deploy_website", the second returns plain text.
type fakeModel struct{ calls int }

func (m *fakeModel) Complete(_ context.Context, req modelclient.Request) (*modelclient.Response, error) {
	m.calls++
	if m.calls == 1 {
		return &modelclient.Response{
			ToolUses: []modelclient.ToolUse{{ID: "t1", Name: "deploy_website", Input: map[string]any{"directory": "."}}},
		}, nil
	}
	return &modelclient.Response{Text: "done"}, nil
}

func (m *fakeModel) Stream(ctx context.Context, req modelclient.Request) (modelclient.StreamHandle, error) {
	return nil, nil
}

func testManifest() toolspec.Manifest {
	return toolspec.Manifest{Functions: []toolspec.ManifestFunction{
		{
			Name:         "deploy_website",
			Description:  "deploys a site",
			InputSchema:  []byte(`{"type": "object", "properties": {"directory": {"type": "string"}}}`),
			OutputSchema: []byte(`{"type": "object"}`),
		},
	}}
}

func newTestSession(t *testing.T) *SessionState {
	t.Helper()
	factory := func(ctx context.Context) (*workspace.Workspace, *toolregistry.Registry, *agentrt.Runtime, error) {
		ws, err := workspace.New(workspace.Config{BaseDir: t.TempDir()})
		if err != nil {
			return nil, nil, nil, err
		}
		registry := toolregistry.New()
		if err := registry.Load(testManifest()); err != nil {
			return nil, nil, nil, err
		}
		require.NoError(t, registry.Register("deploy_website", toolregistry.ToolFunc(func(_ context.Context, args map[string]any) toolspec.Result {
			return toolspec.Ok("Deployed site as site-1 (id 761043)", map[string]any{
				"preview_url": "/?s=761043&path=index.html",
				"deployment":  map[string]any{"id": "761043", "name": "site-1"},
			})
		})))
		runtime := agentrt.New("base prompt", registry, &fakeModel{}, ws.Token())
		return ws, registry, runtime, nil
	}

	sess, err := New(context.Background(), "client-a", Options{
		NewRuntime:     factory,
		PreviewBaseURL: "http://127.0.0.1:8000",
	})
	require.NoError(t, err)
	return sess
}

func TestBootIsIdempotent(t *testing.T) {
	sess := newTestSession(t)

	first, err := sess.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MaxUploadsPerSession, first.UploadLimit.MaxFiles)
	assert.Equal(t, 1, first.VM.HistoryLength)
	assert.True(t, sess.bootDone)

	second, err := sess.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Reply, second.Reply)
	assert.Equal(t, 1, second.VM.HistoryLength)
}

func TestRespondExtractsDeploymentPreview(t *testing.T) {
	sess := newTestSession(t)
	_, err := sess.Boot(context.Background())
	require.NoError(t, err)

	result, err := sess.Respond(context.Background(), "deploy my site", false, agentrt.Callbacks{})
	require.NoError(t, err)

	require.NotNil(t, result.WebPreview)
	assert.Equal(t, "761043", result.WebPreview.DeploymentID)
	assert.Contains(t, result.WebPreview.URL, "client_id=client-a")
	require.Len(t, result.Artifacts, 1)
	assert.Contains(t, result.Artifacts[0].URL, "s=761043")
	assert.True(t, strings.HasPrefix(result.Meta.Summary, "Deployed"))
}

func TestSaveUploadEnforcesPerFileLimit(t *testing.T) {
	sess := newTestSession(t)
	_, err := sess.Boot(context.Background())
	require.NoError(t, err)

	rec, err := sess.SaveUpload(context.Background(), "notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", rec.Name)
	assert.Equal(t, int64(len("hello world")), rec.SizeBytes)
	assert.NotEmpty(t, rec.DisplaySize)

	oversized := strings.NewReader(strings.Repeat("a", MaxUploadSizeBytes+10))
	_, err = sess.SaveUpload(context.Background(), "big.bin", oversized)
	assert.Error(t, err)
}

func TestSaveUploadRejectsBeyondUploadCap(t *testing.T) {
	sess := newTestSession(t)
	_, err := sess.Boot(context.Background())
	require.NoError(t, err)

	for i := 0; i < MaxUploadsPerSession; i++ {
		_, err := sess.SaveUpload(context.Background(), uploadName(i), strings.NewReader("x"))
		require.NoError(t, err)
	}
	_, err = sess.SaveUpload(context.Background(), "one-too-many.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrTooManyUploads)
}

func uploadName(i int) string {
	return fmt.Sprintf("file-%03d.txt", i)
}

func TestDeleteHistoryResetsWorkspace(t *testing.T) {
	sess := newTestSession(t)
	_, err := sess.Boot(context.Background())
	require.NoError(t, err)

	oldToken := sess.ws.Token()
	result, err := sess.DeleteHistory(context.Background())
	require.NoError(t, err)
	assert.True(t, result.HistoryCleared)
	assert.NotEqual(t, oldToken, sess.ws.Token())
	assert.False(t, sess.bootDone)
}
