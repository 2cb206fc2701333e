package toolkit

import (
	_ "embed"

	"github.com/okcvm/okcvm/toolspec"
)

//go:embed manifest.json
var defaultManifestJSON []byte

// DefaultManifest returns the built-in Tool Specification manifest covering
// every tool implementation in this package (spec.md §6). Callers load it
// into a toolregistry.Registry and then Register an implementation for each
// name.
func DefaultManifest() (toolspec.Manifest, error) {
	return toolspec.ParseManifest(defaultManifestJSON)
}
