// Package upload holds the per-session Upload Record (spec.md §3/§4.8): an
// ordered, name-keyed list of files a client has attached to a session.
package upload

import "fmt"

// Record describes one uploaded file, keyed by Name; re-uploading the same
// name replaces the existing entry in place (spec.md §4.8,
// "register_uploaded_files"). DisplaySize and DisplayPath are derived,
// display-only fields (spec.md §3, "Uploaded File Record").
type Record struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
	DisplaySize  string `json:"display_size"`
	DisplayPath  string `json:"display_path"`
}

// FormatSize renders n bytes as a short human-readable string (spec.md §3,
// "formatted size display"), e.g. "1.5 MB".
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for next := n / unit; next >= unit; next /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), units[exp])
}

// List is an ordered, name-deduplicated collection of upload Records.
type List struct {
	order []string
	byKey map[string]Record
}

// NewList constructs an empty List.
func NewList() *List {
	return &List{byKey: make(map[string]Record)}
}

// Register inserts or replaces rec, keyed by rec.Name. A replace keeps the
// record's original position in iteration order.
func (l *List) Register(rec Record) {
	if _, exists := l.byKey[rec.Name]; !exists {
		l.order = append(l.order, rec.Name)
	}
	l.byKey[rec.Name] = rec
}

// Records returns the list's records in registration order.
func (l *List) Records() []Record {
	out := make([]Record, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.byKey[name])
	}
	return out
}

// Len returns the number of distinct uploads.
func (l *List) Len() int { return len(l.order) }

// Has reports whether name is already registered.
func (l *List) Has(name string) bool {
	_, ok := l.byKey[name]
	return ok
}
