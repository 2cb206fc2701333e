// Package clientsession implements Session State (spec.md §4.8): the
// integrator that composes a Workspace Manager, Tool Registry, and Agent
// Runtime per client, tracks uploads, and extracts preview data from tool
// results. Grounded on session.py's SessionState.
package clientsession

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/okcvm/okcvm/agentrt"
	"github.com/okcvm/okcvm/config"
	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/upload"
	"github.com/okcvm/okcvm/workspace"
)

// Upload boundaries surfaced in /api/session/boot's "upload_limit" payload
// (spec.md §4.10, "Session"; §8 Boundaries).
const (
	MaxUploadSizeBytes = 100 * 1024 * 1024
	MaxUploadsPerSession = 100
)

const (
	welcomeMessage = "Hello, I'm OK Computer. Tell me your idea and I'll generate a live web and slide-deck preview alongside it."

	studioHTML = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Studio</title></head>` +
		`<body><main><h1>Studio</h1><p>Describe what you want to build and watch the preview update.</p></main></body></html>`
)

// RuntimeFactory builds a fresh Workspace + Tool Registry + Agent Runtime
// triple for a session, the Go analogue of session.py's
// SessionState._initialise_vm composing WorkspaceManager, ToolRegistry, and
// VirtualMachine from process configuration.
type RuntimeFactory func(ctx context.Context) (*workspace.Workspace, *toolregistry.Registry, *agentrt.Runtime, error)

// Meta mirrors session.py's _meta(): lightweight, display-only telemetry
// attached to every response.
type Meta struct {
	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
	TokensIn  string `json:"tokensIn"`
	TokensOut string `json:"tokensOut"`
	Latency   string `json:"latency"`
	Summary   string `json:"summary"`
}

// WebPreview is the extracted preview payload, if any: an inline HTML
// fragment rendered by a tool, and/or a URL pointing at a deployed site
// (spec.md §4.8 step 3-4).
type WebPreview struct {
	HTML         string `json:"html,omitempty"`
	URL          string `json:"url,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// Artifact is any URL-addressable product of a tool call (spec.md Glossary).
type Artifact struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// RespondResult is the shape returned by Respond (spec.md §4.8 step 6).
type RespondResult struct {
	Reply          string           `json:"reply"`
	Meta           Meta             `json:"meta"`
	WebPreview     *WebPreview      `json:"web_preview"`
	PPTSlides      []any            `json:"ppt_slides"`
	Artifacts      []Artifact       `json:"artifacts"`
	ToolCalls      []agentrt.ToolCallInfo `json:"tool_calls"`
	VMHistory      []agentrt.HistoryEntry `json:"vm_history"`
	WorkspaceState *workspace.Head  `json:"workspace_state,omitempty"`
	Uploads        []upload.Record  `json:"uploads"`
}

// BootResult is the shape returned by Boot.
type BootResult struct {
	Reply       string         `json:"reply"`
	Meta        Meta           `json:"meta"`
	WebPreview  *WebPreview    `json:"web_preview"`
	PPTSlides   []SlidePreview `json:"ppt_slides"`
	VM          VMInfo         `json:"vm"`
	UploadLimit UploadLimit    `json:"upload_limit"`
}

// VMInfo summarises the Agent Runtime's recorded history for boot/info
// payloads.
type VMInfo struct {
	HistoryLength int `json:"history_length"`
}

// UploadLimit describes the session upload boundaries (spec.md §6,
// "Upload endpoint ... surfaced in /api/session/boot payload").
type UploadLimit struct {
	MaxFiles         int   `json:"max_files"`
	MaxUploadSizeMB  int   `json:"max_upload_size_mb"`
	MaxUploadSizeBytes int64 `json:"max_upload_size_bytes"`
}

// SlidePreview is one example slide shown on first boot.
type SlidePreview struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// DeleteHistoryResult is the shape returned by DeleteHistory.
type DeleteHistoryResult struct {
	HistoryCleared  bool   `json:"history_cleared"`
	ClearedMessages int    `json:"cleared_messages"`
	Workspace       any    `json:"workspace"`
}

// Options configures a SessionState.
type Options struct {
	NewRuntime       RuntimeFactory
	Deployments      *deployment.Store
	SystemPromptBase string
	PreviewBaseURL   string
	SnapshotsEnabled bool
}

// SessionState is the per-client integrator (session.py's SessionState).
type SessionState struct {
	mu sync.Mutex

	opts Options

	clientID string
	ws       *workspace.Workspace
	registry *toolregistry.Registry
	runtime  *agentrt.Runtime
	uploads  *upload.List
	bootDone bool
	rng      *rand.Rand
}

// New constructs a SessionState for clientID and performs its initial
// workspace/registry/runtime construction.
func New(ctx context.Context, clientID string, opts Options) (*SessionState, error) {
	s := &SessionState{
		opts:     opts,
		clientID: clientID,
		uploads:  upload.NewList(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.initRuntime(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionState) initRuntime(ctx context.Context) error {
	ws, registry, runtime, err := s.opts.NewRuntime(ctx)
	if err != nil {
		return fmt.Errorf("clientsession: initialise runtime: %w", err)
	}
	s.ws = ws
	s.registry = registry
	s.runtime = runtime
	s.uploads = upload.NewList()
	return nil
}

func (s *SessionState) cleanupWorkspace() map[string]any {
	if s.ws == nil {
		return nil
	}
	paths := s.ws.Paths()
	details := map[string]any{
		"mount":           paths.Mount,
		"output":          paths.Output,
		"internal_root":   paths.InternalRoot,
		"internal_output": paths.InternalOutput,
		"internal_mount":  paths.InternalMount,
		"internal_tmp":    paths.InternalTmp,
	}
	existed, err := s.ws.Cleanup()
	details["removed"] = existed
	if err != nil {
		details["error"] = err.Error()
	}
	if s.opts.Deployments != nil {
		removed, failures := s.opts.Deployments.CleanupSession(s.ws.Token())
		if removed == nil {
			removed = []string{}
		}
		dep := map[string]any{"removed_ids": removed}
		if len(failures) > 0 {
			msgs := make(map[string]string, len(failures))
			for id, ferr := range failures {
				msgs[id] = ferr.Error()
			}
			dep["errors"] = msgs
		}
		details["deployments"] = dep
	}
	return details
}

// Reset rebuilds the runtime with a fresh workspace, discarding the old one
// (session.py's SessionState.reset).
func (s *SessionState) Reset(ctx context.Context) error {
	s.cleanupWorkspace()
	return s.initRuntime(ctx)
}

func (s *SessionState) meta(model, summary string) Meta {
	now := time.Now()
	return Meta{
		Model:     model,
		Timestamp: now.Format("15:04:05"),
		TokensIn:  fmt.Sprintf("%d tokens", 120+s.rng.Intn(200)),
		TokensOut: fmt.Sprintf("%d tokens", 180+s.rng.Intn(240)),
		Latency:   fmt.Sprintf("%.2f s", 1.0+s.rng.Float64()*1.2),
		Summary:   summary,
	}
}

// Boot initialises the session on first call and returns the welcome
// payload; subsequent calls are idempotent no-ops that just re-describe the
// session (session.py's SessionState.boot).
func (s *SessionState) Boot(ctx context.Context) (BootResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bootDone {
		if err := s.Reset(ctx); err != nil {
			return BootResult{}, err
		}
		s.runtime.RecordHistoryEntry(agentrt.HistoryEntry{Role: "assistant", Content: welcomeMessage})
		s.bootDone = true
	}

	return BootResult{
		Reply:      welcomeMessage,
		Meta:       s.meta("okcvm-orchestrator", "Workbench Initialized"),
		VM:         VMInfo{HistoryLength: len(s.runtime.History())},
		WebPreview: &WebPreview{HTML: studioHTML},
		PPTSlides: []SlidePreview{
			{Title: "Studio capabilities", Bullets: []string{"Joint web + slide generation", "Transparent, traceable model calls", "Live visual preview"}},
			{Title: "Example requests", Bullets: []string{"Brand landing page", "Product launch deck", "Event recruitment materials"}},
		},
		UploadLimit: UploadLimit{
			MaxFiles:           MaxUploadsPerSession,
			MaxUploadSizeMB:    MaxUploadSizeBytes / (1024 * 1024),
			MaxUploadSizeBytes: MaxUploadSizeBytes,
		},
	}, nil
}

// DeleteHistory clears history and rebuilds the runtime with a fresh
// workspace (session.py's SessionState.delete_history).
func (s *SessionState) DeleteHistory(ctx context.Context) (DeleteHistoryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	historyLen := len(s.runtime.History())
	workspaceDetails := s.cleanupWorkspace()
	if workspaceDetails == nil {
		workspaceDetails = map[string]any{"removed": false}
	}
	if err := s.initRuntime(ctx); err != nil {
		return DeleteHistoryResult{}, err
	}
	s.bootDone = false

	return DeleteHistoryResult{
		HistoryCleared:  true,
		ClearedMessages: historyLen,
		Workspace:       workspaceDetails,
	}, nil
}

// ErrTooManyUploads is returned by SaveUpload once a session already holds
// MaxUploadsPerSession distinct files (spec.md §8 Boundaries).
var ErrTooManyUploads = fmt.Errorf("clientsession: session already holds %d uploads", MaxUploadsPerSession)

// SaveUpload streams one multipart file part into the session's workspace
// under "uploads/<name>", registers it, and regenerates the system prompt
// (spec.md §4.10 "Session", POST /api/session/files). It enforces the
// per-file size cap by limiting the copy to MaxUploadSizeBytes+1 bytes and
// failing if that many were read; on any failure the partial file is
// removed (spec.md §5, "Upload handlers abort and delete partial files").
func (s *SessionState) SaveUpload(ctx context.Context, name string, r io.Reader) (upload.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := filepath.Base(name)
	if s.uploads.Len() >= MaxUploadsPerSession && !s.uploads.Has(base) {
		return upload.Record{}, ErrTooManyUploads
	}

	relDir := "uploads"
	destDir := filepath.Join(s.ws.Paths().InternalRoot, relDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return upload.Record{}, fmt.Errorf("clientsession: prepare upload dir: %w", err)
	}
	destPath := filepath.Join(destDir, base)

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return upload.Record{}, fmt.Errorf("clientsession: create upload file: %w", err)
	}

	limited := io.LimitReader(r, MaxUploadSizeBytes+1)
	written, err := io.Copy(f, limited)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > MaxUploadSizeBytes {
		err = fmt.Errorf("clientsession: %s exceeds the %d byte per-file upload limit", base, MaxUploadSizeBytes)
	}
	if err != nil {
		_ = os.Remove(destPath)
		return upload.Record{}, err
	}

	rec := upload.Record{
		Name:         base,
		RelativePath: path.Join(relDir, base),
		SizeBytes:    written,
		DisplaySize:  upload.FormatSize(written),
		DisplayPath:  path.Join(s.ws.Paths().Mount, relDir, base),
	}
	s.uploads.Register(rec)
	s.runtime.UpdateSystemPrompt(s.composeSystemPrompt())
	return rec, nil
}

// RegisterUploadedFiles updates the ordered upload list and regenerates the
// system prompt with a trailing uploaded-files section (session.py's
// register_uploaded_files).
func (s *SessionState) RegisterUploadedFiles(records []upload.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec.DisplaySize == "" {
			rec.DisplaySize = upload.FormatSize(rec.SizeBytes)
		}
		if rec.DisplayPath == "" {
			rec.DisplayPath = path.Join(s.ws.Paths().Mount, rec.RelativePath)
		}
		s.uploads.Register(rec)
	}
	s.runtime.UpdateSystemPrompt(s.composeSystemPrompt())
}

func (s *SessionState) composeSystemPrompt() string {
	base := s.ws.AdaptPrompt(s.opts.SystemPromptBase)
	records := s.uploads.Records()
	if len(records) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n用户上传的文件:\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", rec.Name, rec.DisplayPath, rec.DisplaySize)
	}
	return b.String()
}

// Respond drives one conversational turn (session.py's SessionState.respond
// / spec.md §4.8).
func (s *SessionState) Respond(ctx context.Context, message string, replaceLast bool, cb agentrt.Callbacks) (RespondResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replaceLast {
		s.runtime.DiscardLastExchange()
	}

	execResult := s.runtime.Execute(ctx, message, cb)

	webPreview, slides, artifacts, summary := extractPreview(execResult.ToolCalls, s.clientID, s.opts.PreviewBaseURL)

	cfg := config.Get()
	modelName := "Unconfigured chat model"
	if cfg.Chat != nil {
		modelName = cfg.Chat.Model
	}

	var headPtr *workspace.Head
	if s.opts.SnapshotsEnabled {
		label := "After: " + truncate(message, 60)
		if _, err := s.ws.State().Snapshot(ctx, label); err == nil {
			if head, err := s.ws.State().DescribeHead(ctx); err == nil {
				headPtr = &head
			}
		}
	}

	history := s.runtime.History()
	if len(history) > 25 {
		history = history[len(history)-25:]
	}

	return RespondResult{
		Reply:          execResult.Reply,
		Meta:           s.meta(modelName, summary),
		WebPreview:     webPreview,
		PPTSlides:      slides,
		Artifacts:      artifacts,
		ToolCalls:      execResult.ToolCalls,
		VMHistory:      history,
		WorkspaceState: headPtr,
		Uploads:        s.uploads.Records(),
	}, nil
}

// Describe returns a snapshot of session-level metadata for GET
// /api/session/info: the workspace token, its paths, and upload count.
func (s *SessionState) Describe() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]any{
		"client_id":    s.clientID,
		"boot_done":    s.bootDone,
		"upload_count": s.uploads.Len(),
	}
	if s.ws != nil {
		out["workspace_token"] = s.ws.Token()
		out["workspace_paths"] = s.ws.Paths()
	}
	return out
}

// HistoryEntry looks up a single recorded entry by id for GET
// /api/session/history/{entryID}.
func (s *SessionState) HistoryEntry(id string) (agentrt.HistoryEntry, bool) {
	s.mu.Lock()
	runtime := s.runtime
	s.mu.Unlock()
	return runtime.GetHistoryEntry(id)
}

// ListSnapshots returns up to limit snapshots of the session's workspace,
// newest first (spec.md §4.1, "list_snapshots"; exposed over HTTP at
// GET /api/session/workspace/snapshots).
func (s *SessionState) ListSnapshots(ctx context.Context, limit int) ([]workspace.Snapshot, error) {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	return ws.State().ListSnapshots(ctx, limit)
}

// CreateSnapshot takes an immediate snapshot of the session's workspace
// (spec.md §4.1, "snapshot"; POST /api/session/workspace/snapshots).
func (s *SessionState) CreateSnapshot(ctx context.Context, label string) (string, error) {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	return ws.State().Snapshot(ctx, label)
}

// RestoreSnapshot hard-resets the workspace to commitID or branch (spec.md
// §4.1, "restore"; POST /api/session/workspace/restore).
func (s *SessionState) RestoreSnapshot(ctx context.Context, commitID, branch string) (bool, error) {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	return ws.State().Restore(ctx, commitID, branch, true)
}

// EnsureBranch creates or moves a named branch (spec.md §4.1,
// "ensure_branch"; POST /api/session/workspace/branch).
func (s *SessionState) EnsureBranch(ctx context.Context, name, commitID string) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	return ws.State().EnsureBranch(ctx, name, commitID, true)
}

// DescribeWorkspaceHead reports the workspace's current commit, branch, and
// dirty flag (spec.md §4.1, "describe_head").
func (s *SessionState) DescribeWorkspaceHead(ctx context.Context) (workspace.Head, error) {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	return ws.State().DescribeHead(ctx)
}

// Uploads returns the session's registered uploads in registration order.
func (s *SessionState) Uploads() []upload.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads.Records()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// extractPreview walks tool_calls in reverse looking for preview/artifact
// data (spec.md §4.8 step 3-4).
func extractPreview(toolCalls []agentrt.ToolCallInfo, clientID, previewBaseURL string) (*WebPreview, []any, []Artifact, string) {
	var webPreview *WebPreview
	var slides []any
	seen := map[string]bool{}
	var artifacts []Artifact
	summary := ""

	addArtifact := func(rawURL, title string) {
		if rawURL == "" || seen[rawURL] {
			return
		}
		seen[rawURL] = true
		artifacts = append(artifacts, Artifact{URL: normalizePreviewURL(rawURL, clientID, previewBaseURL), Title: title})
	}

	for i := len(toolCalls) - 1; i >= 0; i-- {
		call := toolCalls[i]
		if summary == "" && call.ToolOutput != "" {
			summary = truncate(call.ToolOutput, 120)
		}

		data, ok := call.ToolData.(map[string]any)
		if !ok {
			continue
		}

		if webPreview == nil {
			for _, key := range []string{"html", "rendered_html", "content"} {
				if html, ok := data[key].(string); ok && html != "" {
					webPreview = &WebPreview{HTML: html}
					break
				}
			}
		}
		if rawSlides, ok := data["slides"].([]any); ok {
			slides = append(slides, rawSlides...)
		}
		if rawArtifacts, ok := data["artifacts"].([]any); ok {
			for _, a := range rawArtifacts {
				if s, ok := a.(string); ok {
					addArtifact(s, "")
				}
			}
		}

		for _, key := range []string{"preview_url", "url", "href", "server_preview_url"} {
			if u, ok := data[key].(string); ok && u != "" {
				title, _ := data["title"].(string)
				if title == "" {
					title, _ = data["name"].(string)
				}
				addArtifact(u, title)
				if webPreview == nil || webPreview.URL == "" {
					if webPreview == nil {
						webPreview = &WebPreview{}
					}
					webPreview.URL = normalizePreviewURL(u, clientID, previewBaseURL)
					if webPreview.DeploymentID == "" {
						webPreview.DeploymentID = deploymentIDFromURL(u)
					}
				}
				break
			}
		}
		if dep, ok := data["deployment"].(map[string]any); ok {
			for _, key := range []string{"preview_url", "server_preview_url"} {
				if u, ok := dep[key].(string); ok && u != "" {
					title, _ := dep["name"].(string)
					if title == "" {
						title, _ = dep["slug"].(string)
					}
					if title == "" {
						title, _ = dep["id"].(string)
					}
					addArtifact(u, title)
					if webPreview == nil {
						webPreview = &WebPreview{}
					}
					if webPreview.URL == "" {
						webPreview.URL = normalizePreviewURL(u, clientID, previewBaseURL)
					}
					if webPreview.DeploymentID == "" {
						if id, ok := dep["id"].(string); ok {
							webPreview.DeploymentID = id
						}
					}
					break
				}
			}
		}
	}

	return webPreview, slides, artifacts, summary
}

// deploymentIDFromURL extracts the "s" query parameter from a deployment
// preview URL of the form "/?s=<id>&path=<path>" (spec.md §4.4 step 5).
func deploymentIDFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("s")
}

// normalizePreviewURL resolves a scheme-less URL against previewBaseURL and
// appends client_id when the URL is relative or points at the local/preview
// host (spec.md §4.8 step 4; the narrower, safer interpretation per §9).
func normalizePreviewURL(raw, clientID, previewBaseURL string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	isRelative := parsed.Scheme == "" && parsed.Host == ""
	if isRelative && previewBaseURL != "" {
		base, err := url.Parse(previewBaseURL)
		if err == nil {
			parsed = base.ResolveReference(parsed)
		}
	}

	var localHost string
	if previewBaseURL != "" {
		if base, err := url.Parse(previewBaseURL); err == nil {
			localHost = base.Host
		}
	}
	isLocalOrPreview := isRelative || parsed.Host == "" || (localHost != "" && parsed.Host == localHost)

	if isLocalOrPreview && parsed.Query().Get("client_id") == "" {
		q := parsed.Query()
		q.Set("client_id", clientID)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
