// Package mongostore implements the Conversation Store (spec.md §4.5) on top
// of MongoDB, mirroring goa-ai's features/session/mongo split: a narrow
// Collection interface separates the MongoDB wire format from the store
// logic so tests run against an in-memory fake
// (conversation/mongostore/inmem) instead of a live cluster.
package mongostore

import "context"

// Document is the wire shape persisted per conversation row.
type Document struct {
	ID               string `bson:"_id"`
	ClientID         string `bson:"client_id"`
	Title            string `bson:"title"`
	CreatedAt        int64  `bson:"created_at"`
	UpdatedAt        int64  `bson:"updated_at"`
	Payload          string `bson:"payload"`
	WorkspaceRoot    string `bson:"workspace_root,omitempty"`
	WorkspaceMount   string `bson:"workspace_mount,omitempty"`
	WorkspaceSession string `bson:"workspace_session,omitempty"`
	GitCommit        string `bson:"git_commit,omitempty"`
	GitDirty         *bool  `bson:"git_dirty,omitempty"`
}

// Collection is the narrow slice of *mongo.Collection's behaviour the store
// depends on, grounded on features/session/mongo/clients/mongo's wrapper
// pattern: production code binds it to a real collection; tests bind it to
// conversation/mongostore/inmem.Collection.
type Collection interface {
	FindOne(ctx context.Context, id string) (Document, bool, error)
	FindByClient(ctx context.Context, clientID string) ([]Document, error)
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, id string) (bool, error)
}
