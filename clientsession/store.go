package clientsession

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

const (
	clientIDHeader = "x-okc-client-id"
	clientIDCookie = "okc_client_id"
	clientIDQuery  = "client_id"
	defaultClient  = "default"
)

// ResolveClientID implements the resolution order from spec.md §4.9:
// explicit parameter → header → cookie → query parameter → "default".
func ResolveClientID(r *http.Request, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if v := strings.TrimSpace(r.Header.Get(clientIDHeader)); v != "" {
		return v
	}
	if cookie, err := r.Cookie(clientIDCookie); err == nil {
		if v := strings.TrimSpace(cookie.Value); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get(clientIDQuery)); v != "" {
		return v
	}
	return defaultClient
}

// Store is a thread-safe client_id -> *SessionState map (spec.md §4.9),
// grounded on the lock-guarded map idiom the teacher uses for its own
// in-memory session store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*SessionState
	opts     Options
}

// NewStore constructs an empty Store; opts configures every session it
// creates on demand.
func NewStore(opts Options) *Store {
	return &Store{sessions: make(map[string]*SessionState), opts: opts}
}

// Get returns the SessionState for clientID, creating it under lock if it
// does not already exist.
func (s *Store) Get(ctx context.Context, clientID string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[clientID]; ok {
		return existing, nil
	}
	session, err := New(ctx, clientID, s.opts)
	if err != nil {
		return nil, err
	}
	s.sessions[clientID] = session
	return session, nil
}

// Delete removes clientID's session from the store without cleaning up its
// workspace; callers that want cleanup should call SessionState.DeleteHistory
// first.
func (s *Store) Delete(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
}

// ClientIDs returns every client id with an active session.
func (s *Store) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}
