// Package inmem is a test fake for mongostore.Collection, standing in for a
// live MongoDB cluster exactly as features/session/mongo's test suite pairs
// its clients/mongo wrapper with an in-process fake.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/okcvm/okcvm/conversation/mongostore"
)

// Collection is a process-lifetime, lock-guarded implementation of
// mongostore.Collection.
type Collection struct {
	mu   sync.Mutex
	docs map[string]mongostore.Document
}

// New constructs an empty Collection.
func New() *Collection {
	return &Collection{docs: make(map[string]mongostore.Document)}
}

// FindOne implements mongostore.Collection.
func (c *Collection) FindOne(_ context.Context, id string) (mongostore.Document, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	return doc, ok, nil
}

// FindByClient implements mongostore.Collection.
func (c *Collection) FindByClient(_ context.Context, clientID string) ([]mongostore.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []mongostore.Document
	for _, doc := range c.docs {
		if doc.ClientID == clientID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Upsert implements mongostore.Collection.
func (c *Collection) Upsert(_ context.Context, doc mongostore.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.ID] = doc
	return nil
}

// Delete implements mongostore.Collection.
func (c *Collection) Delete(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return false, nil
	}
	delete(c.docs, id)
	return true, nil
}
