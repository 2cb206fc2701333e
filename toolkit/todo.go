// Package toolkit holds the concrete Tool implementations bound into a
// toolregistry.Registry (spec.md §4.3).
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// TodoItem is one entry in a session's todo list, grounded on the original
// implementation's TodoItem dataclass (tools/todo.py).
type TodoItem struct {
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
	Content  string `json:"content"`
}

// TodoStore persists a single todo list to a JSON file, guarded by a mutex
// since multiple goroutines may dispatch tool calls for the same session
// concurrently.
type TodoStore struct {
	mu   sync.Mutex
	path string
}

// NewTodoStore returns a store backed by path. If path is empty, nothing is
// stored: reads return an empty list and writes are discarded.
func NewTodoStore(path string) *TodoStore {
	return &TodoStore{path: path}
}

func (s *TodoStore) load() ([]TodoItem, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("toolkit: read todo store: %w", err)
	}
	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("toolkit: decode todo store: %w", err)
	}
	return items, nil
}

func (s *TodoStore) dump(items []TodoItem) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("toolkit: create todo store dir: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("toolkit: encode todo store: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

// TodoReadTool implements mshtools-todo_read.
type TodoReadTool struct{ store *TodoStore }

// NewTodoReadTool constructs a TodoReadTool backed by store.
func NewTodoReadTool(store *TodoStore) toolregistry.Tool { return &TodoReadTool{store: store} }

// Call implements toolregistry.Tool.
func (t *TodoReadTool) Call(_ context.Context, _ map[string]any) toolspec.Result {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	items, err := t.store.load()
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	if items == nil {
		items = []TodoItem{}
	}
	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(string(out), items)
}

// TodoWriteTool implements mshtools-todo_write.
type TodoWriteTool struct{ store *TodoStore }

// NewTodoWriteTool constructs a TodoWriteTool backed by store.
func NewTodoWriteTool(store *TodoStore) toolregistry.Tool { return &TodoWriteTool{store: store} }

// Call implements toolregistry.Tool.
func (t *TodoWriteTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if clear, _ := args["clear"].(bool); clear {
		if err := t.store.dump([]TodoItem{}); err != nil {
			return toolspec.Fail(err.Error())
		}
		return toolspec.Ok("[]", []TodoItem{})
	}

	raw, ok := args["todos"]
	if !ok || raw == nil {
		return toolspec.Fail("'todos' parameter is required when not clearing the list")
	}
	rawList, ok := raw.([]any)
	if !ok {
		return toolspec.Fail("'todos' must be a list of todo dictionaries")
	}

	newItems := make([]TodoItem, 0, len(rawList))
	for _, entry := range rawList {
		m, ok := entry.(map[string]any)
		if !ok {
			return toolspec.Fail("each todo entry must be an object")
		}
		item, err := todoFromMap(m)
		if err != nil {
			return toolspec.Fail(err.Error())
		}
		newItems = append(newItems, item)
	}

	append_, _ := args["append"].(bool)
	items := newItems
	if append_ {
		existing, err := t.store.load()
		if err != nil {
			return toolspec.Fail(err.Error())
		}
		items = append(existing, newItems...)
	}
	if err := t.store.dump(items); err != nil {
		return toolspec.Fail(err.Error())
	}
	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(string(out), items)
}

func todoFromMap(m map[string]any) (TodoItem, error) {
	status, ok := m["status"].(string)
	if !ok {
		return TodoItem{}, fmt.Errorf("missing required todo field: status")
	}
	content, ok := m["content"].(string)
	if !ok {
		return TodoItem{}, fmt.Errorf("missing required todo field: content")
	}
	priority, _ := m["priority"].(string)
	return TodoItem{Status: status, Priority: priority, Content: content}, nil
}
