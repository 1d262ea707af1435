package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/ignore"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0644))
}

func newScanner(t *testing.T, opts Options) *Scanner {
	t.Helper()
	s, err := New(opts, zap.NewNop())
	require.NoError(t, err)
	return s
}

func canonical(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func TestScan_InvalidRoot(t *testing.T) {
	s := newScanner(t, Options{})

	t.Run("missing root", func(t *testing.T) {
		_, err := s.Scan(filepath.Join(t.TempDir(), "nope"))
		assert.True(t, errors.Is(err, ErrInvalidRoot))
	})

	t.Run("root is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
		_, err := s.Scan(file)
		assert.True(t, errors.Is(err, ErrInvalidRoot))
	})
}

func TestScan_PermissiveManifestParsing(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "api"), `{"name": "@acme/api", "version": "2.1.0"}`)
	writeManifest(t, filepath.Join(root, "unnamed"), `{"private": true}`)
	writeManifest(t, filepath.Join(root, "broken"), `{"name": `)
	require.NoError(t, os.Mkdir(filepath.Join(root, "api", "node_modules"), 0755))

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	assert.Equal(t, "@acme/api", projects[0].Name)
	assert.Equal(t, "2.1.0", projects[0].Version)
	assert.True(t, projects[0].HasNodeModules)
	assert.True(t, projects[0].IsWritable)
	assert.Equal(t, canonical(t, filepath.Join(root, "api")), projects[0].Path)

	assert.Equal(t, "unnamed", projects[1].Name)
	assert.Equal(t, "0.0.0", projects[1].Version)
	assert.False(t, projects[1].HasNodeModules)
}

func TestScan_ReadOnlyManifest(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "locked")
	writeManifest(t, dir, `{"name": "locked"}`)
	require.NoError(t, os.Chmod(filepath.Join(dir, "package.json"), 0444))

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.False(t, projects[0].IsWritable)
}

func TestScan_NeverDescendsIntoIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "app"), `{"name": "app"}`)
	writeManifest(t, filepath.Join(root, "app", "node_modules", "react"), `{"name": "react"}`)
	writeManifest(t, filepath.Join(root, ".git", "hooks"), `{"name": "hooks"}`)
	writeManifest(t, filepath.Join(root, "app", "dist", "bundle"), `{"name": "bundle"}`)
	writeManifest(t, filepath.Join(root, "site", ".next", "server"), `{"name": "next-server"}`)

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "app", projects[0].Name)
}

func TestScan_ExtraIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "apps", "web"), `{"name": "web"}`)
	writeManifest(t, filepath.Join(root, "fixtures", "sample"), `{"name": "sample"}`)

	projects, err := newScanner(t, Options{Ignore: []string{"fixtures"}}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "web", projects[0].Name)
}

func TestScan_IgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "apps", "web"), `{"name": "web"}`)
	writeManifest(t, filepath.Join(root, "apps", "legacy"), `{"name": "legacy"}`)
	writeManifest(t, filepath.Join(root, "sandbox"), `{"name": "sandbox"}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, ignore.FileName), []byte("legacy/\n/sandbox\n"), 0644))

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "web", projects[0].Name)

	t.Run("broken file is skipped", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, ignore.FileName), []byte("[unclosed\n"), 0644))
		projects, err := newScanner(t, Options{}).Scan(root)
		require.NoError(t, err)
		assert.Len(t, projects, 3)
	})
}

func TestNew_RejectsInvalidPattern(t *testing.T) {
	_, err := New(Options{Ignore: []string{"[unclosed"}}, nil)
	assert.Error(t, err)
}

func TestScan_DepthBound(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a", "b", "c", "d", "e"), `{"name": "depth5"}`)
	writeManifest(t, filepath.Join(root, "a", "b", "c", "d", "e", "f"), `{"name": "depth6"}`)

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "depth5", projects[0].Name)
}

func TestScan_IsDeterministic(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"zeta", "alpha", "mid", "alpha/nested"} {
		writeManifest(t, filepath.Join(root, name), `{"name": "`+filepath.Base(name)+`"}`)
	}

	s := newScanner(t, Options{})
	first, err := s.Scan(root)
	require.NoError(t, err)
	second, err := s.Scan(root)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	names := make([]string, 0, len(first))
	for _, p := range first {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"alpha", "nested", "mid", "zeta"}, names)
}

func TestScan_SymlinkedDuplicatesAreDeduplicated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}

	root := t.TempDir()
	real := filepath.Join(root, "real")
	writeManifest(t, real, `{"name": "real"}`)
	require.NoError(t, os.Symlink(real, filepath.Join(root, "alias")))
	// A cycle back to the root must not loop or duplicate.
	require.NoError(t, os.Symlink(root, filepath.Join(real, "loop")))

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, canonical(t, real), projects[0].Path)
}

func TestScan_UnnamedProjectKeepsDiscoveredName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}

	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "real-1234")
	writeManifest(t, target, `{"private": true}`)
	require.NoError(t, os.Symlink(target, filepath.Join(root, "myapp")))

	projects, err := newScanner(t, Options{}).Scan(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "myapp", projects[0].Name)
	assert.Equal(t, canonical(t, target), projects[0].Path)
}

func TestIgnoredDirNames(t *testing.T) {
	names := IgnoredDirNames()
	assert.Contains(t, names, "node_modules")
	assert.Contains(t, names, ".git")
	assert.IsIncreasing(t, names)
}
