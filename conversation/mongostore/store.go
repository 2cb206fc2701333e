package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/okcvm/okcvm/conversation"
)

// Store implements conversation.Store against a Collection, the durable
// backing for spec.md §4.5 when a MongoDB cluster is configured.
type Store struct {
	coll    Collection
	cleanup conversation.CleanupFunc
	now     func() time.Time
}

// New constructs a Store delegating to coll. cleanup may be nil.
func New(coll Collection, cleanup conversation.CleanupFunc) *Store {
	return &Store{coll: coll, cleanup: cleanup, now: time.Now}
}

func toDocument(rec conversation.Record) Document {
	return Document{
		ID:               rec.ID,
		ClientID:         rec.ClientID,
		Title:            rec.Title,
		CreatedAt:        rec.CreatedAt.UnixMilli(),
		UpdatedAt:        rec.UpdatedAt.UnixMilli(),
		Payload:          string(rec.Payload),
		WorkspaceRoot:    rec.WorkspaceRoot,
		WorkspaceMount:   rec.WorkspaceMount,
		WorkspaceSession: rec.WorkspaceSession,
		GitCommit:        rec.GitCommit,
		GitDirty:         rec.GitDirty,
	}
}

func fromDocument(doc Document) conversation.Record {
	return conversation.Record{
		ID:               doc.ID,
		ClientID:         doc.ClientID,
		Title:            doc.Title,
		CreatedAt:        time.UnixMilli(doc.CreatedAt).UTC(),
		UpdatedAt:        time.UnixMilli(doc.UpdatedAt).UTC(),
		Payload:          []byte(doc.Payload),
		WorkspaceRoot:    doc.WorkspaceRoot,
		WorkspaceMount:   doc.WorkspaceMount,
		WorkspaceSession: doc.WorkspaceSession,
		GitCommit:        doc.GitCommit,
		GitDirty:         doc.GitDirty,
	}
}

// List implements conversation.Store.
func (s *Store) List(ctx context.Context, clientID string) ([]json.RawMessage, error) {
	docs, err := s.coll.FindByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		payload, err := fromDocument(doc).WithBackfill()
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// Get implements conversation.Store.
func (s *Store) Get(ctx context.Context, clientID, conversationID string) (json.RawMessage, bool, error) {
	doc, ok, err := s.coll.FindOne(ctx, conversationID)
	if err != nil || !ok || doc.ClientID != clientID {
		return nil, false, err
	}
	payload, err := fromDocument(doc).WithBackfill()
	return payload, true, err
}

// Save implements conversation.Store.
func (s *Store) Save(ctx context.Context, clientID string, payload json.RawMessage) (json.RawMessage, error) {
	rec, err := conversation.NewRecord(clientID, payload, s.now())
	if err != nil {
		return nil, err
	}

	if existing, ok, err := s.coll.FindOne(ctx, rec.ID); err != nil {
		return nil, err
	} else if ok {
		if existing.ClientID != clientID {
			return nil, conversation.ErrClientMismatch
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.UnixMilli(existing.CreatedAt).UTC()
		}
	}

	if err := s.coll.Upsert(ctx, toDocument(rec)); err != nil {
		return nil, err
	}
	return rec.WithBackfill()
}

// Delete implements conversation.Store.
func (s *Store) Delete(ctx context.Context, clientID, conversationID string) (bool, conversation.CleanupSummary, error) {
	doc, ok, err := s.coll.FindOne(ctx, conversationID)
	if err != nil {
		return false, conversation.CleanupSummary{}, err
	}
	if !ok || doc.ClientID != clientID {
		return false, conversation.CleanupSummary{}, nil
	}

	deleted, err := s.coll.Delete(ctx, conversationID)
	if err != nil || !deleted {
		return deleted, conversation.CleanupSummary{}, err
	}

	if s.cleanup == nil {
		return true, conversation.CleanupSummary{}, nil
	}
	return true, s.cleanup(fromDocument(doc)), nil
}
