// Package httpapi implements the HTTP Surface (spec.md §4.10): route
// families for configuration, session lifecycle, chat (streaming and
// non-streaming), conversation CRUD, and deployment/static asset serving.
// Hand-routed on net/http.ServeMux, following the shape of the teacher's own
// server wiring (mux construction, request logging middleware, graceful
// shutdown) without a DSL codegen layer. Grounded on api/main.py's route
// table.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okcvm/okcvm/agentrt"
	"github.com/okcvm/okcvm/clientsession"
	"github.com/okcvm/okcvm/config"
	"github.com/okcvm/okcvm/conversation"
	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/streambus"
	"github.com/okcvm/okcvm/telemetry"
	"github.com/okcvm/okcvm/upload"
	"github.com/okcvm/okcvm/workspace"
)

// Server wires the Session Store, Conversation Store, and Deployment Store
// into an http.Handler.
type Server struct {
	sessions      *clientsession.Store
	conversations conversation.Store
	deployments   *deployment.Store
	logger        telemetry.Logger
	mux           *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's request logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.logger = l } }

// New constructs a Server and registers every route.
func New(sessions *clientsession.Store, conversations conversation.Store, deployments *deployment.Store, opts ...Option) *Server {
	s := &Server{
		sessions:      sessions,
		conversations: conversations,
		deployments:   deployments,
		logger:        telemetry.NewNoopLogger(),
		mux:           http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, wrapping every route with request
// logging middleware (api/main.py's RequestLoggingMiddleware).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()[:8]
	start := time.Now()
	s.logger.Info(r.Context(), "http request started", "method", r.Method, "path", r.URL.Path, "request_id", requestID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	s.logger.Info(r.Context(), "http request completed",
		"method", r.Method, "path", r.URL.Path, "request_id", requestID,
		"status", rec.status, "elapsed_ms", time.Since(start).Milliseconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE responses stay streamable
// through the logging middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/config", s.handleUpdateConfig)

	s.mux.HandleFunc("GET /api/session/info", s.handleSessionInfo)
	s.mux.HandleFunc("GET /api/session/boot", s.handleSessionBoot)
	s.mux.HandleFunc("GET /api/session/history/{entryID}", s.handleSessionHistoryEntry)
	s.mux.HandleFunc("DELETE /api/session/history", s.handleDeleteSessionHistory)
	s.mux.HandleFunc("GET /api/session/files", s.handleListUploads)
	s.mux.HandleFunc("POST /api/session/files", s.handleUploadFiles)

	s.mux.HandleFunc("GET /api/session/workspace/snapshots", s.handleListSnapshots)
	s.mux.HandleFunc("POST /api/session/workspace/snapshots", s.handleCreateSnapshot)
	s.mux.HandleFunc("POST /api/session/workspace/restore", s.handleRestoreSnapshot)
	s.mux.HandleFunc("POST /api/session/workspace/branch", s.handleEnsureBranch)

	s.mux.HandleFunc("POST /api/chat", s.handleChat)

	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /api/conversations", s.handleSaveConversation)
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	s.mux.HandleFunc("GET /", s.handleRoot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func describeEndpoint(e *config.EndpointConfig) map[string]any {
	if e == nil {
		return nil
	}
	return e.Describe()
}

// handleGetConfig implements GET /api/config (api/main.py's read_config).
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"chat":          describeEndpoint(cfg.Chat),
		"image":         describeEndpoint(cfg.Media.Image),
		"speech":        describeEndpoint(cfg.Media.Speech),
		"sound_effects": describeEndpoint(cfg.Media.SoundEffects),
		"asr":           describeEndpoint(cfg.Media.ASR),
	})
}

type endpointPayload struct {
	Model             string `json:"model"`
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key,omitempty"`
	APIKeyEnv         string `json:"api_key_env,omitempty"`
	SupportsStreaming bool   `json:"supports_streaming,omitempty"`
	Provider          string `json:"provider,omitempty"`
}

type configUpdatePayload struct {
	Chat         *endpointPayload `json:"chat"`
	Image        *endpointPayload `json:"image"`
	Speech       *endpointPayload `json:"speech"`
	SoundEffects *endpointPayload `json:"sound_effects"`
	ASR          *endpointPayload `json:"asr"`
}

func toEndpoint(p *endpointPayload) *config.EndpointConfig {
	if p == nil {
		return nil
	}
	return &config.EndpointConfig{
		Model:             p.Model,
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		APIKeyEnv:         p.APIKeyEnv,
		SupportsStreaming: p.SupportsStreaming,
		Provider:          p.Provider,
	}
}

// handleUpdateConfig implements POST /api/config (api/main.py's
// update_config): endpoints absent from the body keep their prior values,
// and api keys are inherited when omitted (spec.md §4.10, "partial updates
// merge with existing values"). The merge itself lives in config.Configure.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var payload configUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	config.Configure(config.Update{
		Chat:         toEndpoint(payload.Chat),
		Image:        toEndpoint(payload.Image),
		Speech:       toEndpoint(payload.Speech),
		SoundEffects: toEndpoint(payload.SoundEffects),
		ASR:          toEndpoint(payload.ASR),
	})
	s.handleGetConfig(w, r)
}

func (s *Server) session(r *http.Request) (*clientsession.SessionState, error) {
	clientID := clientsession.ResolveClientID(r, "")
	return s.sessions.Get(r.Context(), clientID)
}

// handleSessionBoot implements GET /api/session/boot.
func (s *Server) handleSessionBoot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := sess.Boot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSessionInfo implements GET /api/session/info.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Describe())
}

// handleSessionHistoryEntry implements GET /api/session/history/{entryID}.
func (s *Server) handleSessionHistoryEntry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, ok := sess.HistoryEntry(r.PathValue("entryID"))
	if !ok {
		writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteSessionHistory implements DELETE /api/session/history.
func (s *Server) handleDeleteSessionHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := sess.DeleteHistory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListUploads implements GET /api/session/files.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": sess.Uploads()})
}

// maxUploadRequestBytes bounds the whole multipart body: per-file limit
// times the per-session file cap, plus headroom for multipart framing
// (spec.md §8 Boundaries: "100 files of 100 MiB each succeeds").
const maxUploadRequestBytes = int64(clientsession.MaxUploadsPerSession)*int64(clientsession.MaxUploadSizeBytes) + 1<<20

// handleUploadFiles implements POST /api/session/files: a "files[]"
// multipart upload, streamed in chunks and enforcing a per-file size cap
// and a per-session file count cap (spec.md §4.10 "Session";
// §5 "Suspension points", body reads for uploads are streamed).
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadRequestBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var saved []upload.Record
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if part.FormName() != "files[]" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		rec, err := sess.SaveUpload(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved = append(saved, rec)
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploads": saved})
}

// handleListSnapshots implements GET /api/session/workspace/snapshots
// (spec.md §4.1, "list_snapshots").
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit := workspace.DefaultSnapshotLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	snapshots, err := sess.ListSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

type createSnapshotRequest struct {
	Label string `json:"label"`
}

// handleCreateSnapshot implements POST /api/session/workspace/snapshots
// (spec.md §4.1, "snapshot").
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	commitID, err := sess.CreateSnapshot(r.Context(), req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_id": commitID})
}

type restoreSnapshotRequest struct {
	SnapshotID string `json:"snapshot_id"`
	Branch     string `json:"branch"`
}

// handleRestoreSnapshot implements POST /api/session/workspace/restore
// (spec.md §4.1, "restore").
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req restoreSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SnapshotID == "" && req.Branch == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id or branch is required")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ok, err := sess.RestoreSnapshot(r.Context(), req.SnapshotID, req.Branch)
	if err != nil {
		if errors.Is(err, workspace.ErrUnknownSnapshot) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": ok})
}

type ensureBranchRequest struct {
	Name       string `json:"name"`
	SnapshotID string `json:"snapshot_id"`
}

// handleEnsureBranch implements POST /api/session/workspace/branch
// (spec.md §4.1, "ensure_branch").
func (s *Server) handleEnsureBranch(w http.ResponseWriter, r *http.Request) {
	var req ensureBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sess.EnsureBranch(r.Context(), req.Name, req.SnapshotID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": req.Name})
}

type chatRequest struct {
	Message     string `json:"message"`
	ReplaceLast bool   `json:"replace_last"`
	Stream      bool   `json:"stream"`
}

// wantsSSE implements the negotiation spec.md §4.10 specifies for the single
// POST /api/chat endpoint: the client must send Accept: text/event-stream
// AND the configured chat endpoint must advertise streaming support, else
// the response is plain JSON. A request body "stream" flag is consulted the
// same way the original's chat() reads its stream query flag, but never
// overrides an endpoint that doesn't advertise streaming.
func wantsSSE(r *http.Request, req chatRequest) bool {
	chat := config.Get().Chat
	if chat == nil || !chat.SupportsStreaming {
		return false
	}
	accepts := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	return accepts || req.Stream
}

// handleChat implements POST /api/chat (api/main.py's chat), branching
// between a synchronous JSON reply and an SSE stream of Streaming Bus
// events per spec.md §4.10.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !wantsSSE(r, req) {
		result, err := sess.Respond(r.Context(), req.Message, req.ReplaceLast, agentrt.Callbacks{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	s.streamChat(w, r, sess, req)
}

// streamChat relays Streaming Bus events as SSE while the agent runs
// (spec.md §4.7), used by handleChat when the client and the configured
// chat endpoint both support streaming.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, sess *clientsession.SessionState, req chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	bus := streambus.New(32)
	toolStart := map[string]time.Time{}

	cb := agentrt.Callbacks{
		OnToken: func(delta string) { bus.Publish(streambus.NewToken(delta)) },
		OnToolStarted: func(invocationID, toolName, input string) {
			toolStart[invocationID] = time.Now()
			bus.Publish(streambus.NewToolStarted(invocationID, toolName, input))
		},
		OnToolDone: func(invocationID, toolName, output string, success bool, errMsg string) {
			started := toolStart[invocationID]
			if success {
				bus.Publish(streambus.NewToolCompleted(invocationID, toolName, started, output))
			} else {
				bus.Publish(streambus.NewToolFailed(invocationID, toolName, started, errMsg))
			}
		},
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer bus.Close()
		result, err := sess.Respond(ctx, req.Message, req.ReplaceLast, cb)
		if err != nil {
			bus.Publish(streambus.NewError(err.Error()))
			return
		}
		bus.Publish(streambus.NewFinal(result))
	}()

	bus.Iter(func(chunk []byte) bool {
		if _, err := w.Write(chunk); err != nil {
			return false
		}
		flusher.Flush()
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
}

// handleListConversations implements GET /api/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	clientID := clientsession.ResolveClientID(r, "")
	list, err := s.conversations.List(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetConversation implements GET /api/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	clientID := clientsession.ResolveClientID(r, "")
	payload, ok, err := s.conversations.Get(r.Context(), clientID, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// handleSaveConversation implements POST /api/conversations.
func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	clientID := clientsession.ResolveClientID(r, "")
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.conversations.Save(r.Context(), clientID, body)
	if err != nil {
		if err == conversation.ErrClientMismatch || err == conversation.ErrMissingID {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(saved)
}

// handleDeleteConversation implements DELETE /api/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	clientID := clientsession.ResolveClientID(r, "")
	removed, summary, err := s.conversations.Delete(r.Context(), clientID, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "cleanup": summary})
}

// handleRoot is the catch-all route for "/": it serves deployment assets
// addressed either as "/{id}", "/{id}/", "/{id}/{path...}", or
// "/?s=<id>&path=<path>", and otherwise redirects to the front-end's "/ui/"
// mount point (spec.md §4.10, "GET /" / deployment asset addressing;
// front-end assets themselves are out of scope per spec.md §1 Non-goals).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		if id := r.URL.Query().Get("s"); id != "" {
			s.serveDeployment(w, r, id, r.URL.Query().Get("path"))
			return
		}
		http.Redirect(w, r, "/ui/", http.StatusFound)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/ui/") {
		writeError(w, http.StatusNotFound, "front-end assets are not served by this build")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/")
	id, relPath, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "unknown deployment")
		return
	}
	s.serveDeployment(w, r, id, relPath)
}

// serveDeployment resolves {id, relPath} through the Deployment Store and
// writes the file, rejecting path traversal with 400 per spec.md §4.4
// "Serving" / §7 (workspace-violation-style errors map to 400).
func (s *Server) serveDeployment(w http.ResponseWriter, r *http.Request, id, relPath string) {
	if strings.Contains(relPath, "..") || strings.HasPrefix(relPath, "/") {
		writeError(w, http.StatusBadRequest, "invalid deployment path")
		return
	}
	path, err := s.deployments.Resolve(id, relPath)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}
