package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/agentrt"
	"github.com/okcvm/okcvm/clientsession"
	"github.com/okcvm/okcvm/config"
	"github.com/okcvm/okcvm/conversation"
	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/modelclient"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/workspace"
)

type staticModel struct{}

func (staticModel) Complete(context.Context, modelclient.Request) (*modelclient.Response, error) {
	return &modelclient.Response{Text: "ok"}, nil
}

func (staticModel) Stream(context.Context, modelclient.Request) (modelclient.StreamHandle, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *deployment.Store) {
	t.Helper()
	return newTestServerWithModel(t, staticModel{})
}

func newTestServerWithModel(t *testing.T, model modelclient.Client) (*Server, *deployment.Store) {
	t.Helper()
	deployments, err := deployment.NewStore(t.TempDir())
	require.NoError(t, err)

	factory := func(ctx context.Context) (*workspace.Workspace, *toolregistry.Registry, *agentrt.Runtime, error) {
		ws, err := workspace.New(workspace.Config{BaseDir: t.TempDir()})
		if err != nil {
			return nil, nil, nil, err
		}
		registry := toolregistry.New()
		runtime := agentrt.New("base prompt", registry, model, ws.Token())
		return ws, registry, runtime, nil
	}

	sessions := clientsession.NewStore(clientsession.Options{NewRuntime: factory, Deployments: deployments})
	conversations := conversation.NewInMemoryStore(nil)
	server := New(sessions, conversations, deployments)
	return server, deployments
}

func TestHandleSessionBoot(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/session/boot", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "web_preview")
}

func TestHandleUploadFilesStreamsMultipart(t *testing.T) {
	server, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files[]", "hello.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/session/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-okc-client-id", "upload-client")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Uploads []map[string]any `json:"uploads"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Uploads, 1)
	assert.Equal(t, "hello.txt", body.Uploads[0]["name"])

	listReq := httptest.NewRequest(http.MethodGet, "/api/session/files", nil)
	listReq.Header.Set("x-okc-client-id", "upload-client")
	listW := httptest.NewRecorder()
	server.ServeHTTP(listW, listReq)
	assert.Contains(t, listW.Body.String(), "hello.txt")
}

func postConfig(t *testing.T, server *Server, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleUpdateConfigMergesPartialUpdates(t *testing.T) {
	server, _ := newTestServer(t)
	config.Reset()
	t.Cleanup(config.Reset)

	postConfig(t, server, `{
		"chat": {"model": "chat-1", "base_url": "http://chat.invalid", "api_key": "secret"},
		"speech": {"model": "speech-1", "base_url": "http://speech.invalid"}
	}`)

	resp := postConfig(t, server, `{"image": {"model": "image-1", "base_url": "http://image.invalid"}}`)

	chat, ok := resp["chat"].(map[string]any)
	require.True(t, ok, "updating image must not wipe chat")
	assert.Equal(t, "chat-1", chat["model"])
	assert.Equal(t, true, chat["api_key_present"])

	speech, ok := resp["speech"].(map[string]any)
	require.True(t, ok, "updating image must not wipe speech")
	assert.Equal(t, "speech-1", speech["model"])

	image, ok := resp["image"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "image-1", image["model"])

	resp = postConfig(t, server, `{"chat": {"model": "chat-2", "base_url": "http://chat.invalid"}}`)
	chat, ok = resp["chat"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chat-2", chat["model"])
	assert.Equal(t, true, chat["api_key_present"], "api key must be inherited when omitted")
}

// tokenStreamModel streams two text deltas then finishes with "done".
type tokenStreamModel struct{}

func (tokenStreamModel) Complete(context.Context, modelclient.Request) (*modelclient.Response, error) {
	return &modelclient.Response{Text: "done"}, nil
}

func (tokenStreamModel) Stream(context.Context, modelclient.Request) (modelclient.StreamHandle, error) {
	return &tokenStreamHandle{}, nil
}

type tokenStreamHandle struct{ pos int }

func (h *tokenStreamHandle) Next(context.Context) (modelclient.StreamEvent, bool, error) {
	deltas := []string{"Hel", "lo"}
	if h.pos < len(deltas) {
		delta := deltas[h.pos]
		h.pos++
		return modelclient.StreamEvent{TextDelta: delta}, true, nil
	}
	return modelclient.StreamEvent{Done: true, Response: &modelclient.Response{Text: "done"}}, false, nil
}

func (h *tokenStreamHandle) Close() error { return nil }

func TestHandleChatStreamsSSE(t *testing.T) {
	server, _ := newTestServerWithModel(t, tokenStreamModel{})

	config.Configure(config.Update{Chat: &config.EndpointConfig{Model: "test-model", BaseURL: "http://chat.invalid", SupportsStreaming: true}})
	t.Cleanup(config.Reset)

	body := bytes.NewBufferString(`{"message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-okc-client-id", "sse-client")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	var frames []map[string]any
	for _, line := range strings.Split(w.Body.String(), "\n\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}

	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "token", frames[0]["type"])
	assert.Equal(t, "Hel", frames[0]["delta"])
	assert.Equal(t, "token", frames[1]["type"])
	assert.Equal(t, "lo", frames[1]["delta"])

	final := frames[len(frames)-2]
	assert.Equal(t, "final", final["type"])
	payload, ok := final["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", payload["reply"])
	assert.Equal(t, "stop", frames[len(frames)-1]["type"])
}

func TestHandleChatFallsBackToJSONWithoutStreamingSupport(t *testing.T) {
	server, _ := newTestServerWithModel(t, tokenStreamModel{})
	t.Cleanup(config.Reset)

	body := bytes.NewBufferString(`{"message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["reply"])
}

func TestHandleRootServesDeploymentByID(t *testing.T) {
	server, deployments := newTestServer(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "index.html"), []byte("<h1>site</h1>"), 0o644))
	record, err := deployments.Deploy(deployment.DeployOptions{SourceDir: srcDir, SiteName: "demo", SessionID: "sess-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/"+record.ID+"/index.html", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>site</h1>")
}

func TestHandleRootRejectsTraversal(t *testing.T) {
	server, deployments := newTestServer(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "index.html"), []byte("ok"), 0o644))
	record, err := deployments.Deploy(deployment.DeployOptions{SourceDir: srcDir, SiteName: "demo2", SessionID: "sess-2"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/?s="+record.ID+"&path=../../etc/passwd", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
