package watch

import (
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the source file types that produce meshes.
var DefaultExtensions = []string{".stl", ".vtk", ".py", ".geo", ".json"}

// Filter decides which paths are worth watching.
type Filter struct {
	Extensions []string // allow-list, lower case with leading dot; empty allows all
}

// DefaultFilter returns a filter using DefaultExtensions.
func DefaultFilter() Filter {
	return Filter{Extensions: slices.Clone(DefaultExtensions)}
}

// Allow reports whether path should be tracked.
func (f Filter) Allow(path string) bool {
	base := filepath.Base(path)
	if shouldIgnore(base) {
		return false
	}
	if len(f.Extensions) == 0 {
		return true
	}
	return slices.Contains(f.Extensions, strings.ToLower(filepath.Ext(base)))
}

// shouldIgnore filters hidden files and editor or tool scratch files.
func shouldIgnore(base string) bool {
	if base == "" || strings.HasPrefix(base, ".") {
		return true
	}
	// Emacs autosave and lock files.
	if strings.HasPrefix(base, "#") || strings.HasSuffix(base, "#") {
		return true
	}
	if strings.HasSuffix(base, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".swp", ".swo", ".swx", ".tmp", ".temp", ".bak", ".part", ".crdownload":
		return true
	}
	return false
}
