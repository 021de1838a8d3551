// Package volume manages the fixed set of storage locations object bytes are
// written to, and answers filesystem capacity queries against them.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
)

// Set is the ordered list of configured volume roots. The order is
// significant: placement ties are broken by it.
type Set struct {
	roots []string
}

// NewSet creates the volume set, ensuring every root directory exists.
func NewSet(roots []string) (*Set, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no volumes configured")
	}
	for _, root := range roots {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("create volume %s: %w", root, err)
		}
	}
	out := make([]string, len(roots))
	copy(out, roots)
	return &Set{roots: out}, nil
}

// Roots returns the configured volume roots in declaration order.
func (s *Set) Roots() []string {
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Contains reports whether root is one of the configured volumes.
func (s *Set) Contains(root string) bool {
	for _, r := range s.roots {
		if r == root {
			return true
		}
	}
	return false
}

// ObjectPath returns the path of the blob for a handle on a volume.
// Blobs are stored one file per handle, named by the handle verbatim.
func (s *Set) ObjectPath(root, handle string) string {
	return filepath.Join(root, handle)
}
