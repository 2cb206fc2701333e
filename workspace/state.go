package workspace

import (
	"context"
	"errors"
	"time"
)

// DefaultSnapshotLimit is the default cap on snapshots reported to clients
// (spec.md §3, "Workspace Snapshot").
const DefaultSnapshotLimit = 20

// ErrUnknownSnapshot is returned by State.Restore when the requested commit
// id does not exist.
var ErrUnknownSnapshot = errors.New("workspace: unknown snapshot")

// Snapshot describes one immutable point-in-time capture of a workspace's
// contents (spec.md §3, "Workspace Snapshot").
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"timestamp"`
	Branch    string    `json:"branch,omitempty"`
}

// Head describes the current state of the workspace tree.
type Head struct {
	Commit  string `json:"commit"`
	Branch  string `json:"branch,omitempty"`
	IsDirty bool   `json:"is_dirty"`
}

// State is the pluggable snapshot capability set described in spec.md §9
// ("Pluggable snapshot backend"): Null when the host provides no
// content-addressed storage, content-versioned (Git-backed, by default)
// otherwise.
type State interface {
	// Snapshot stages every change under internal_root and creates a new
	// (possibly empty) commit labeled with label, returning its id. A Null
	// State returns an empty id and no error.
	Snapshot(ctx context.Context, label string) (commitID string, err error)

	// ListSnapshots returns up to limit snapshots, newest first. A Null
	// State always returns an empty slice.
	ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error)

	// Restore hard-resets the working tree to commitID (or, when commitID
	// is empty, to branch). A Null State always returns false, nil.
	Restore(ctx context.Context, commitID, branch string, checkout bool) (bool, error)

	// EnsureBranch creates or moves the named branch to commitID (or HEAD
	// when commitID is empty), optionally checking it out.
	EnsureBranch(ctx context.Context, name, commitID string, checkout bool) error

	// DescribeHead reports the current commit, branch (if any), and dirty
	// flag. A Null State returns a zero Head and no error.
	DescribeHead(ctx context.Context) (Head, error)
}

// NullState is the no-op State used when the host provides no
// content-addressed storage (spec.md §4.1, "Workspace State (snapshots)").
type NullState struct{}

// Snapshot implements State.
func (NullState) Snapshot(context.Context, string) (string, error) { return "", nil }

// ListSnapshots implements State.
func (NullState) ListSnapshots(context.Context, int) ([]Snapshot, error) { return nil, nil }

// Restore implements State.
func (NullState) Restore(context.Context, string, string, bool) (bool, error) { return false, nil }

// EnsureBranch implements State.
func (NullState) EnsureBranch(context.Context, string, string, bool) error { return nil }

// DescribeHead implements State.
func (NullState) DescribeHead(context.Context) (Head, error) { return Head{}, nil }
