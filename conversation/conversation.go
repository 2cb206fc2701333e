// Package conversation implements the Conversation Store (spec.md §4.5): a
// durable mapping of conversation id to opaque JSON payload, keyed by client
// id, with side columns cached for listing and cleanup. Grounded on
// storage/conversations.py's ConversationRecord/ConversationStore.
package conversation

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrClientMismatch is returned by Save when a conversation id already
// belongs to a different client; Get and Delete report such a conversation
// as not found instead.
var ErrClientMismatch = errors.New("conversation: client id does not own this conversation")

// ErrMissingID is returned by Save when the payload has no "id" field.
var ErrMissingID = errors.New("conversation: payload must include an 'id'")

// WorkspacePaths mirrors the "paths" object nested under a conversation
// payload's "workspace" key, cached as side columns for cleanup.
type WorkspacePaths struct {
	InternalRoot string `json:"internal_root,omitempty"`
	Mount        string `json:"mount,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// WorkspaceGit mirrors the "git" object nested under "workspace".
type WorkspaceGit struct {
	Commit  string `json:"commit,omitempty"`
	IsDirty *bool  `json:"is_dirty,omitempty"`
}

// Record is one durable conversation row: a JSON payload plus side columns
// cached from it (spec.md §3, "Conversation Record").
type Record struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"-"`
	Title     string          `json:"title"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"-"`

	WorkspaceRoot    string `json:"-"`
	WorkspaceMount   string `json:"-"`
	WorkspaceSession string `json:"-"`
	GitCommit        string `json:"-"`
	GitDirty         *bool  `json:"-"`
}

// payloadView is the shape decoded from / re-encoded into Payload so that
// side columns can be read out of and merged back into the opaque graph.
type payloadView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
	Workspace json.RawMessage `json:"workspace,omitempty"`
}

type workspaceView struct {
	Paths *WorkspacePaths `json:"paths,omitempty"`
	Git   *WorkspaceGit   `json:"git,omitempty"`
}

const defaultTitle = "New conversation"

// NewRecord builds a Record from a raw conversation payload, normalising
// timestamps to UTC and back-filling side columns from the payload's
// "workspace" object when present (spec.md §4.5 "save").
func NewRecord(clientID string, payload json.RawMessage, now time.Time) (Record, error) {
	var view payloadView
	if err := json.Unmarshal(payload, &view); err != nil {
		return Record{}, err
	}
	id := strings.TrimSpace(view.ID)
	if id == "" {
		return Record{}, ErrMissingID
	}

	created := normalizeTimestamp(view.CreatedAt, now)
	updated := normalizeTimestamp(view.UpdatedAt, created)
	title := strings.TrimSpace(view.Title)
	if title == "" {
		title = defaultTitle
	}

	rec := Record{
		ID:        id,
		ClientID:  clientID,
		Title:     title,
		CreatedAt: created,
		UpdatedAt: updated,
		Payload:   payload,
	}

	if len(view.Workspace) > 0 {
		var ws workspaceView
		if err := json.Unmarshal(view.Workspace, &ws); err == nil {
			if ws.Paths != nil {
				rec.WorkspaceRoot = ws.Paths.InternalRoot
				rec.WorkspaceMount = ws.Paths.Mount
				rec.WorkspaceSession = ws.Paths.SessionID
			}
			if ws.Git != nil {
				rec.GitCommit = ws.Git.Commit
				rec.GitDirty = ws.Git.IsDirty
			}
		}
	}
	return rec, nil
}

func normalizeTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback.UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}

// WithBackfill reconstructs the full conversation payload, back-filling any side
// columns the stored JSON lacks (spec.md §4.5 "get"/"list": the payload is
// self-describing even if the caller only persisted the side columns).
func (r Record) WithBackfill() (json.RawMessage, error) {
	var doc map[string]any
	if len(r.Payload) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(r.Payload, &doc); err != nil {
		doc = map[string]any{}
	}

	setDefault(doc, "id", r.ID)
	setDefault(doc, "title", r.Title)
	setDefault(doc, "createdAt", r.CreatedAt.Format(time.RFC3339))
	setDefault(doc, "updatedAt", r.UpdatedAt.Format(time.RFC3339))

	if r.WorkspaceRoot != "" || r.WorkspaceMount != "" || r.WorkspaceSession != "" || r.GitCommit != "" || r.GitDirty != nil {
		workspace, _ := doc["workspace"].(map[string]any)
		if workspace == nil {
			workspace = map[string]any{}
		}
		paths, _ := workspace["paths"].(map[string]any)
		if paths == nil {
			paths = map[string]any{}
		}
		setDefault(paths, "internal_root", r.WorkspaceRoot)
		setDefault(paths, "mount", r.WorkspaceMount)
		setDefault(paths, "session_id", r.WorkspaceSession)
		workspace["paths"] = paths

		git, _ := workspace["git"].(map[string]any)
		if git == nil {
			git = map[string]any{}
		}
		setDefault(git, "commit", r.GitCommit)
		if r.GitDirty != nil {
			if _, ok := git["is_dirty"]; !ok {
				git["is_dirty"] = *r.GitDirty
			}
		}
		workspace["git"] = git
		doc["workspace"] = workspace
	}

	return json.Marshal(doc)
}

func setDefault(doc map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := doc[key]; ok {
		return
	}
	doc[key] = value
}

// CleanupSummary reports the outcome of deleting a conversation's backing
// workspace directory and any session-scoped deployments.
type CleanupSummary struct {
	Removed            bool     `json:"removed"`
	Path               string   `json:"path,omitempty"`
	Error              string   `json:"error,omitempty"`
	DeploymentsRemoved []string `json:"deployments_removed,omitempty"`
}
