package conversation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/okcvm/okcvm/deployment"
)

// Store is the durable Conversation Store contract (spec.md §4.5).
type Store interface {
	List(ctx context.Context, clientID string) ([]json.RawMessage, error)
	Get(ctx context.Context, clientID, conversationID string) (json.RawMessage, bool, error)
	Save(ctx context.Context, clientID string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, clientID, conversationID string) (bool, CleanupSummary, error)
}

// CleanupFunc removes a conversation's on-disk workspace root and any
// session-scoped deployments, returning a summary. The real implementation
// is provided by CleanupWithin plus a *deployment.Store; tests may stub it.
type CleanupFunc func(record Record) CleanupSummary

// InMemoryStore is a process-lifetime Store, grounded on
// runtime/agent/session/inmem's lock-guarded map idiom, useful for tests and
// for running okcvm without a MongoDB instance.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
	cleanup CleanupFunc
}

// NewInMemoryStore constructs an empty InMemoryStore. cleanup may be nil, in
// which case Delete never touches the filesystem.
func NewInMemoryStore(cleanup CleanupFunc) *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
		cleanup: cleanup,
	}
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, clientID string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Record
	for _, rec := range s.records {
		if rec.ClientID == clientID {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })

	out := make([]json.RawMessage, 0, len(matched))
	for _, rec := range matched {
		payload, err := rec.WithBackfill()
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, clientID, conversationID string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[conversationID]
	if !ok || rec.ClientID != clientID {
		return nil, false, nil
	}
	payload, err := rec.WithBackfill()
	return payload, true, err
}

// Save implements Store.
func (s *InMemoryStore) Save(_ context.Context, clientID string, payload json.RawMessage) (json.RawMessage, error) {
	rec, err := NewRecord(clientID, payload, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ID]; ok {
		if existing.ClientID != clientID {
			return nil, ErrClientMismatch
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	s.records[rec.ID] = rec
	return rec.WithBackfill()
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, clientID, conversationID string) (bool, CleanupSummary, error) {
	s.mu.Lock()
	rec, ok := s.records[conversationID]
	if !ok || rec.ClientID != clientID {
		s.mu.Unlock()
		return false, CleanupSummary{}, nil
	}
	delete(s.records, conversationID)
	s.mu.Unlock()

	if s.cleanup == nil {
		return true, CleanupSummary{}, nil
	}
	return true, s.cleanup(rec), nil
}

// CleanupWithin returns a CleanupFunc that removes a conversation's workspace
// root (if it resolves inside baseDir) and any deployments directory keyed
// by the conversation's session id, mirroring
// storage/conversations.py's ConversationStore._cleanup_workspace.
func CleanupWithin(baseDir string, deployments *deployment.Store) CleanupFunc {
	return func(rec Record) CleanupSummary {
		summary := CleanupSummary{}
		if rec.WorkspaceRoot == "" {
			return summary
		}

		resolvedRoot, err := filepath.Abs(rec.WorkspaceRoot)
		if err != nil {
			summary.Error = err.Error()
			summary.Path = rec.WorkspaceRoot
			return summary
		}
		base, err := filepath.Abs(baseDir)
		if err != nil {
			summary.Error = err.Error()
			return summary
		}
		rel, err := filepath.Rel(base, resolvedRoot)
		if err != nil || rel == "." || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
			summary.Error = "workspace outside configured root"
			summary.Path = resolvedRoot
			return summary
		}

		summary.Path = resolvedRoot
		if _, err := os.Stat(resolvedRoot); err == nil {
			if err := os.RemoveAll(resolvedRoot); err != nil {
				summary.Error = err.Error()
			} else {
				summary.Removed = true
			}
		}

		if rec.WorkspaceSession != "" && deployments != nil {
			removed, failures := deployments.CleanupSession(rec.WorkspaceSession)
			summary.DeploymentsRemoved = removed
			for _, ferr := range failures {
				summary.Error = ferr.Error()
			}
		}
		return summary
	}
}
