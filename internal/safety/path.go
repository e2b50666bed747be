// Package safety validates values that arrive from configuration or from
// remote glance endpoints before they touch the filesystem or the network.
package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeJoinUnder joins name under root and verifies the result stays inside
// root. Image identifiers become scratch file names verbatim, and although
// glance issues UUIDs, the identifier is remote input and is not trusted to
// be one.
func SafeJoinUnder(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", fmt.Errorf("name resolves to the scratch directory itself")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute names are not allowed: %q", name)
	}
	return EnsureUnderRoot(root, filepath.Join(root, clean))
}

// EnsureUnderRoot verifies candidate resolves under root and returns an
// absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
