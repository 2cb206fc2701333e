// Package workspace implements the per-session filesystem sandbox described
// in spec.md §4.1: it resolves agent-supplied paths into safe real paths
// rooted under a private, on-disk directory, adapts legacy prompt literals,
// and owns an optional versioned State (snapshots/branches).
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	legacyMount       = "/mnt/okcomputer/"
	legacyMountOutput = "/mnt/okcomputer/output/"
	defaultPrefix     = "okcvm"
)

// Error is returned whenever a path cannot be resolved safely inside the
// workspace sandbox (spec.md §4.1, "Path resolution").
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Path)
}

// Paths holds both the agent-visible (mount) and the real on-disk paths for
// a Workspace, matching the six paths named in spec.md §4.1.
type Paths struct {
	// Mount is the agent-visible POSIX path, e.g. "/mnt/okcvm-<token>".
	Mount string
	// Output is Mount/"output".
	Output string
	// InternalRoot is the real on-disk directory backing the workspace.
	InternalRoot string
	// InternalOutput is InternalRoot/"output".
	InternalOutput string
	// InternalMount is the real on-disk directory that Mount maps to. It is
	// always equal to InternalRoot: there is exactly one real directory
	// backing a workspace's mount.
	InternalMount string
	// InternalTmp is InternalRoot/"tmp", used as scratch space by tools
	// that need a location outside the published output directory.
	InternalTmp string
}

// Config configures workspace creation.
type Config struct {
	// BaseDir is the real on-disk directory under which every session's
	// internal_root is created. Required.
	BaseDir string
	// MountRoot is the agent-visible POSIX root, defaulting to "/mnt".
	MountRoot string
	// Prefix names the per-session directory, defaulting to "okcvm".
	Prefix string
}

// Workspace is one session's isolated filesystem sandbox plus an optional
// versioned State collaborator.
type Workspace struct {
	token string
	paths Paths
	state State
}

// New creates a fresh Workspace: picks a random 128-bit token, computes its
// paths, and eagerly creates internal_output (spec.md §4.1, "Construction").
// The returned Workspace owns a Null State; callers that want snapshots
// should call SetState with a content-versioned implementation.
func New(cfg Config) (*Workspace, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("workspace: base dir is required")
	}
	mountRoot := cfg.MountRoot
	if mountRoot == "" {
		mountRoot = "/mnt"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("workspace: generate token: %w", err)
	}

	name := fmt.Sprintf("%s-%s", prefix, token)
	mount := path.Join(mountRoot, name)
	internalRoot, err := filepath.Abs(filepath.Join(cfg.BaseDir, name))
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve internal root: %w", err)
	}

	paths := Paths{
		Mount:          mount,
		Output:         path.Join(mount, "output"),
		InternalRoot:   internalRoot,
		InternalOutput: filepath.Join(internalRoot, "output"),
		InternalMount:  internalRoot,
		InternalTmp:    filepath.Join(internalRoot, "tmp"),
	}

	if err := os.MkdirAll(paths.InternalOutput, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create output dir: %w", err)
	}

	return &Workspace{token: token, paths: paths, state: NullState{}}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the random 128-bit token identifying this workspace.
func (w *Workspace) Token() string { return w.token }

// Paths returns the workspace's path set.
func (w *Workspace) Paths() Paths { return w.paths }

// State returns the workspace's snapshot collaborator.
func (w *Workspace) State() State { return w.state }

// SetState installs a State collaborator (e.g. a Git-backed one). Callers
// typically do this once, right after New, before any tool call.
func (w *Workspace) SetState(s State) {
	if s == nil {
		s = NullState{}
	}
	w.state = s
}

// Resolve maps an agent-supplied path string to a safe real path, following
// the algorithm in spec.md §4.1 "Path resolution":
//
//  1. reject empty paths;
//  2. normalise to POSIX form;
//  3. strip the mount prefix when the path is absolute and inside it;
//  4. anchor absolute-but-outside-mount paths under internal_root, dropping
//     the leading slash (preserving legacy tools that hard-code absolute
//     paths like "/tmp/foo");
//  5. anchor relative paths under internal_root as-is;
//  6. resolve symlinks/".." and assert the result is still a descendant of
//     internal_root.
func (w *Workspace) Resolve(raw string) (string, error) {
	if raw == "" {
		return "", &Error{Message: "path cannot be empty"}
	}

	normalized := strings.ReplaceAll(raw, "\\", "/")
	posix := path.Clean(normalized)

	var relative string
	switch {
	case strings.HasPrefix(posix, w.paths.Mount+"/") || posix == w.paths.Mount:
		relative = strings.TrimPrefix(posix, w.paths.Mount)
		relative = strings.TrimPrefix(relative, "/")
	case path.IsAbs(posix):
		relative = strings.TrimPrefix(posix, "/")
	default:
		relative = posix
	}

	candidate := filepath.Join(w.paths.InternalRoot, filepath.FromSlash(relative))
	resolved, err := resolveSymlinks(candidate)
	if err != nil {
		return "", &Error{Path: raw, Message: "cannot resolve path"}
	}

	root, err := filepath.EvalSymlinks(w.paths.InternalRoot)
	if err != nil {
		// internal_root itself may not exist yet for a brand-new tmp dir;
		// fall back to the unresolved root for the containment check.
		root = w.paths.InternalRoot
	}
	if !isDescendant(root, resolved) {
		return "", &Error{Path: raw, Message: "path escapes the session workspace"}
	}
	return resolved, nil
}

// resolveSymlinks resolves symlinks for as much of candidate as already
// exists on disk, then rejoins any remaining (not-yet-created) suffix. This
// lets Resolve succeed for paths that name files which do not exist yet
// (e.g. a file about to be written).
func resolveSymlinks(candidate string) (string, error) {
	dir, base := filepath.Split(candidate)
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Walk up until we find a directory that exists.
			parent, perr := resolveSymlinks(filepath.Clean(dir))
			if perr != nil {
				return "", perr
			}
			return filepath.Join(parent, base), nil
		}
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// AdaptPrompt replaces legacy literal mount paths in a base system prompt
// with this workspace's actual mount/output paths (spec.md §4.1, "Prompt
// adaptation").
func (w *Workspace) AdaptPrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, legacyMountOutput, w.paths.Output+"/")
	prompt = strings.ReplaceAll(prompt, legacyMount, w.paths.Mount+"/")
	return prompt
}

// Cleanup idempotently removes internal_root and reports whether it
// existed beforehand (spec.md §4.1, "Cleanup").
func (w *Workspace) Cleanup() (bool, error) {
	_, err := os.Stat(w.paths.InternalRoot)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.RemoveAll(w.paths.InternalRoot); err != nil {
		return existed, err
	}
	return existed, nil
}
