// Package scanner discovers JavaScript projects beneath a workspace root.
package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/ignore"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
)

// DefaultMaxDepth bounds how far below the root the scanner descends.
const DefaultMaxDepth = 5

// defaultVersion is reported for manifests without a version field.
const defaultVersion = "0.0.0"

// ErrInvalidRoot indicates the scan root is missing or not a directory.
var ErrInvalidRoot = errors.New("invalid directory path")

// ignoredDirs are never opened: dependency caches, VCS metadata, build
// output and framework caches.
var ignoredDirs = map[string]struct{}{
	"node_modules":  {},
	".git":          {},
	".svn":          {},
	".hg":           {},
	"dist":          {},
	"build":         {},
	"out":           {},
	"target":        {},
	"coverage":      {},
	".next":         {},
	".nuxt":         {},
	".svelte-kit":   {},
	".turbo":        {},
	".cache":        {},
	".parcel-cache": {},
	".vite":         {},
	".angular":      {},
	".output":       {},
	"vendor":        {},
}

// Project is a snapshot of one discovered project.
type Project struct {
	Name           string `json:"name"`
	Path           string `json:"path"`
	Version        string `json:"version"`
	IsWritable     bool   `json:"is_writable"`
	HasNodeModules bool   `json:"has_node_modules"`
}

// Options configures a Scanner.
type Options struct {
	// MaxDepth is the deepest directory level visited (root is 0).
	// Zero or negative values fall back to DefaultMaxDepth.
	MaxDepth int

	// Ignore are extra doublestar patterns matched against the slash
	// separated path relative to the root. Matching directories are pruned.
	Ignore []string
}

// Scanner walks directory trees looking for package.json manifests.
type Scanner struct {
	maxDepth int
	ignore   []string
	logger   *zap.Logger
}

// New creates a Scanner. Invalid ignore patterns fail here rather than
// silently never matching.
func New(opts Options, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pat := range opts.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pat)
		}
	}
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Scanner{
		maxDepth: depth,
		ignore:   slices.Clone(opts.Ignore),
		logger:   logger,
	}, nil
}

// IgnoredDirNames returns the built-in pruned directory names, sorted.
func IgnoredDirNames() []string {
	names := make([]string, 0, len(ignoredDirs))
	for name := range ignoredDirs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// walk carries per-scan state.
type walk struct {
	root    string
	ignore  []string
	visited map[string]int // canonical directory path -> shallowest depth entered
	found   []Project
}

// Scan returns every project found within the depth bound of root.
//
// Entries are visited in lexical order, so scanning an unchanged tree twice
// yields the same projects in the same order. Only an invalid root fails the
// scan; unreadable directories and broken manifests are skipped. Patterns
// from the root's ignore file apply on top of Options.Ignore.
func (s *Scanner) Scan(root string) ([]Project, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, root)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	w := &walk{
		root:    absRoot,
		ignore:  s.ignore,
		visited: make(map[string]int),
		found:   []Project{},
	}
	if extra, err := ignore.Load(absRoot); err != nil {
		s.logger.Warn("ignoring unreadable ignore file", zap.String("root", absRoot), zap.Error(err))
	} else if len(extra) > 0 {
		w.ignore = append(slices.Clone(s.ignore), extra...)
	}
	s.visit(w, absRoot, 0)

	s.logger.Debug("scan complete",
		zap.String("root", absRoot),
		zap.Int("projects", len(w.found)))

	return w.found, nil
}

// visit scans dir (at the given depth) and recurses into its children.
func (s *Scanner) visit(w *walk, dir string, depth int) {
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		s.logger.Debug("skipping unresolvable directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	prev, seen := w.visited[canonical]
	if seen && prev <= depth {
		return
	}
	w.visited[canonical] = depth

	// A directory first reached through a deeper symlink is re-entered at the
	// shallower depth so its subtree is not cut short, but is reported once.
	if !seen {
		if project, ok := s.readProject(canonical, filepath.Base(dir)); ok {
			w.found = append(w.found, project)
		}
	}

	if depth >= s.maxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Debug("skipping unreadable directory", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		if !isDir(entry, child) {
			continue
		}
		if w.pruned(child, entry.Name()) {
			continue
		}
		s.visit(w, child, depth+1)
	}
}

// isDir reports whether entry is a directory, following symlinks.
func isDir(entry os.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// pruned reports whether a directory must not be opened.
func (w *walk) pruned(path, name string) bool {
	if _, ok := ignoredDirs[name]; ok {
		return true
	}
	if len(w.ignore) == 0 {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.ignore {
		if matched, _ := doublestar.Match(pat, rel); matched {
			return true
		}
	}
	return false
}

// readProject builds a Project for dir when it holds a readable manifest.
// dirName is the directory name as discovered, used when the manifest has
// no name; dir itself may be a resolved symlink target.
func (s *Scanner) readProject(dir, dirName string) (Project, bool) {
	m, err := manifest.Read(dir)
	if err != nil {
		if !errors.Is(err, manifest.ErrManifestNotFound) {
			s.logger.Debug("skipping project with unreadable manifest",
				zap.String("dir", dir), zap.Error(err))
		}
		return Project{}, false
	}

	name := m.Name
	if name == "" {
		name = dirName
	}
	version := m.Version
	if version == "" {
		version = defaultVersion
	}

	return Project{
		Name:           name,
		Path:           dir,
		Version:        version,
		IsWritable:     manifest.IsWritable(dir),
		HasNodeModules: manifest.HasDependencyCache(dir),
	}, true
}
