// Package deployment implements the Deployment Store (spec.md §4.4):
// materialising a static site directory under a persistent root, giving it
// a stable 6-digit id, serving it, and cleaning it up alongside the
// session that created it. Grounded on tools/deployment.py.
package deployment

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrEntryFileNotFound is returned when a deployment source has no
// index.html and no usable entry-file hint.
var ErrEntryFileNotFound = errors.New("deployment: no index.html and no usable entry file")

// ServerInfo records the auxiliary static server bound to a deployment, or
// its failure (spec.md §4.4 step 6: failures never fail the deployment).
type ServerInfo struct {
	PID    int    `json:"pid,omitempty"`
	Port   int    `json:"port,omitempty"`
	Status string `json:"status"`
}

// Record is the Deployment Record type (spec.md §3).
type Record struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Slug       string      `json:"slug"`
	Timestamp  int64       `json:"timestamp"`
	Source     string      `json:"source"`
	Target     string      `json:"target"`
	SessionID  string      `json:"session_id"`
	EntryPath  string      `json:"entry_path"`
	PreviewURL string      `json:"preview_url"`
	Server     *ServerInfo `json:"server_info,omitempty"`
}

// Store manages deployments under Root.
type Store struct {
	Root string

	mu      sync.Mutex
	servers map[string]*http.Server
}

// NewStore constructs a Store rooted at root, creating it if necessary.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("deployment: create root: %w", err)
	}
	return &Store{Root: root, servers: map[string]*http.Server{}}, nil
}

// DeployOptions configures one deployment.
type DeployOptions struct {
	SourceDir   string
	SiteName    string
	SessionID   string
	EntryHint   string
	Force       bool
	StartServer bool
}

// Deploy copies opts.SourceDir into a fresh <root>/<id>/ directory,
// allocates a 6-digit id, and optionally starts an auxiliary preview
// server (spec.md §4.4).
func (s *Store) Deploy(opts DeployOptions) (Record, error) {
	source, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return Record{}, fmt.Errorf("deployment: resolve source: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return Record{}, fmt.Errorf("deployment: directory not found: %s", source)
	}

	entry, err := ensureEntryFile(source, opts.EntryHint)
	if err != nil {
		return Record{}, err
	}

	name := opts.SiteName
	if name == "" {
		name = filepath.Base(source)
	}
	slug := slugify(name)

	s.mu.Lock()
	id, err := s.allocateID()
	s.mu.Unlock()
	if err != nil {
		return Record{}, err
	}

	target := filepath.Join(s.Root, id)
	if _, err := os.Stat(target); err == nil {
		if !opts.Force {
			return Record{}, fmt.Errorf("deployment: target %s already exists", target)
		}
		if err := os.RemoveAll(target); err != nil {
			return Record{}, fmt.Errorf("deployment: remove existing target: %w", err)
		}
	}

	// Copy into a staging directory under Root, then rename it into place.
	staging, err := os.MkdirTemp(s.Root, ".staging-"+id+"-")
	if err != nil {
		return Record{}, fmt.Errorf("deployment: create staging dir: %w", err)
	}
	if err := copyTree(source, staging); err != nil {
		_ = os.RemoveAll(staging)
		return Record{}, fmt.Errorf("deployment: copy tree: %w", err)
	}
	err = os.Chmod(staging, 0o755)
	if err == nil {
		err = os.Rename(staging, target)
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		return Record{}, fmt.Errorf("deployment: move copy into place: %w", err)
	}

	record := Record{
		ID:         id,
		Name:       name,
		Slug:       slug,
		Timestamp:  time.Now().Unix(),
		Source:     source,
		Target:     target,
		SessionID:  opts.SessionID,
		EntryPath:  entry,
		PreviewURL: fmt.Sprintf("/?s=%s&path=%s", id, entry),
	}

	if opts.StartServer {
		record.Server = s.startServer(id, target)
	}

	if err := s.writeManifest(target, record); err != nil {
		return Record{}, fmt.Errorf("deployment: write manifest: %w", err)
	}
	if err := s.upsertIndex(record); err != nil {
		return Record{}, fmt.Errorf("deployment: update index: %w", err)
	}
	return record, nil
}

func ensureEntryFile(source, hint string) (string, error) {
	if _, err := os.Stat(filepath.Join(source, "index.html")); err == nil {
		return "index.html", nil
	}
	if hint != "" {
		hintPath := filepath.Join(source, hint)
		if info, err := os.Stat(hintPath); err == nil && !info.IsDir() && strings.EqualFold(filepath.Ext(hint), ".html") {
			if err := copyFile(hintPath, filepath.Join(source, "index.html")); err != nil {
				return "", err
			}
			return "index.html", nil
		}
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return "", err
	}
	var htmlFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".html") {
			htmlFiles = append(htmlFiles, e.Name())
		}
	}
	if len(htmlFiles) == 1 {
		if err := copyFile(filepath.Join(source, htmlFiles[0]), filepath.Join(source, "index.html")); err != nil {
			return "", err
		}
		return "index.html", nil
	}
	return "", ErrEntryFileNotFound
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "site"
	}
	return slug
}

// allocateID picks a random 6-digit id unique among existing deployment
// directories under s.Root (spec.md §4.4 step 3). Caller must hold s.mu.
func (s *Store) allocateID() (string, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return "", fmt.Errorf("deployment: generate id: %w", err)
		}
		id := fmt.Sprintf("%06d", 100000+n.Int64())
		if _, err := os.Stat(filepath.Join(s.Root, id)); os.IsNotExist(err) {
			return id, nil
		}
	}
	return "", fmt.Errorf("deployment: could not allocate a unique id")
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// startServer binds the first free TCP port at or above 8000 and serves
// target as static files. A bind failure is swallowed into a failed
// ServerInfo per spec.md §4.4 step 6.
func (s *Store) startServer(id, target string) *ServerInfo {
	listener, port, err := listenFreePort(8000)
	if err != nil {
		return &ServerInfo{Status: "failed"}
	}
	srv := &http.Server{Handler: http.FileServer(http.Dir(target))}
	s.mu.Lock()
	s.servers[id] = srv
	s.mu.Unlock()
	go func() { _ = srv.Serve(listener) }()
	return &ServerInfo{PID: os.Getpid(), Port: port, Status: "running"}
}

func listenFreePort(start int) (net.Listener, int, error) {
	for port := start; port <= 65535; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("deployment: no free port found starting at %d", start)
}

// StopServer shuts down the auxiliary preview server for id, if any.
func (s *Store) StopServer(id string) {
	s.mu.Lock()
	srv, ok := s.servers[id]
	delete(s.servers, id)
	s.mu.Unlock()
	if ok {
		_ = srv.Close()
	}
}

func (s *Store) writeManifest(target string, record Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(target, "deployment.json"), data, 0o644)
}

// indexPath returns the shared root manifest.json path.
func (s *Store) indexPath() string { return filepath.Join(s.Root, "manifest.json") }

func (s *Store) readIndex() ([]Record, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) writeIndex(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0o644)
}

// upsertIndex inserts record at the head of the root manifest, removing
// any existing entry with the same id (spec.md §4.4 step 7).
func (s *Store) upsertIndex(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readIndex()
	if err != nil {
		return err
	}
	filtered := records[:0]
	for _, r := range records {
		if r.ID != record.ID {
			filtered = append(filtered, r)
		}
	}
	updated := append([]Record{record}, filtered...)
	return s.writeIndex(updated)
}

// List returns every known deployment, newest first.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	return records, nil
}

// CleanupSession removes every deployment whose session id matches
// sessionID, tolerating partial failures (spec.md §4.4, "Cleanup on
// session delete"). It returns the ids it successfully removed and any
// per-id errors encountered.
func (s *Store) CleanupSession(sessionID string) (removed []string, failures map[string]error) {
	s.mu.Lock()
	records, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, map[string]error{"*": err}
	}

	failures = map[string]error{}
	var kept []Record
	for _, r := range records {
		if r.SessionID != sessionID {
			kept = append(kept, r)
			continue
		}
		s.StopServer(r.ID)
		if err := os.RemoveAll(filepath.Join(s.Root, r.ID)); err != nil {
			failures[r.ID] = err
			kept = append(kept, r)
			continue
		}
		removed = append(removed, r.ID)
	}

	s.mu.Lock()
	err = s.writeIndex(kept)
	s.mu.Unlock()
	if err != nil {
		failures["*"] = err
	}
	return removed, failures
}

// Resolve maps {id, relative path} to a real file path beneath
// <root>/<id>/, rejecting absolute paths and any containing ".."
// (spec.md §4.4, "Serving").
func (s *Store) Resolve(id, relPath string) (string, error) {
	base := filepath.Join(s.Root, id)
	if relPath == "" || strings.HasSuffix(relPath, "/") {
		relPath += "index.html"
	}
	if filepath.IsAbs(relPath) || strings.Contains(relPath, "..") {
		return "", fmt.Errorf("deployment: invalid path %q", relPath)
	}
	candidate := filepath.Join(base, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(base, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("deployment: path escapes deployment root")
	}
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("deployment: file not found: %s", relPath)
	}
	return candidate, nil
}
