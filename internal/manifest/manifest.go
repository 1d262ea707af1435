// Package manifest reads package.json manifests and the metadata of
// packages materialized in a project's node_modules directory.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FileName is the manifest file every project root carries.
	FileName = "package.json"

	// CacheDirName is the dependency cache materialized by the package manager.
	CacheDirName = "node_modules"
)

var (
	// ErrManifestNotFound indicates the project has no package.json.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrManifestParse indicates package.json is not valid JSON.
	ErrManifestParse = errors.New("manifest parse error")
)

// Manifest holds the fields of package.json the engine cares about.
// Unknown fields are ignored.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Path returns the manifest path for a project directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Read parses <dir>/package.json.
//
// Returns ErrManifestNotFound if the file does not exist and ErrManifestParse
// (wrapping the decoder error) if it is not valid JSON.
func Read(dir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, dir)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	if m.DevDependencies == nil {
		m.DevDependencies = map[string]string{}
	}
	return &m, nil
}

// HasDependencyCache reports whether dir contains a node_modules directory.
func HasDependencyCache(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, CacheDirName))
	return err == nil && info.IsDir()
}

// IsWritable reports whether the manifest's permission bits allow writing.
// A missing manifest is not writable.
func IsWritable(dir string) bool {
	info, err := os.Stat(Path(dir))
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o222 != 0
}

// Installed describes a package materialized in node_modules.
type Installed struct {
	Version    string
	Repository string
	Homepage   string
}

// ReadInstalled reads node_modules/<name>/package.json under dir.
// Scoped names (@scope/pkg) resolve to nested directories.
func ReadInstalled(dir, name string) (*Installed, error) {
	path := filepath.Join(dir, CacheDirName, filepath.FromSlash(name), FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading installed manifest: %w", err)
	}

	var raw struct {
		Version    string          `json:"version"`
		Repository json.RawMessage `json:"repository"`
		Homepage   string          `json:"homepage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	return &Installed{
		Version:    raw.Version,
		Repository: NormalizeRepository(raw.Repository),
		Homepage:   raw.Homepage,
	}, nil
}

// NormalizeRepository turns the repository field into a browsable URL.
//
// The field is either a bare string or an object with a "url" member. A
// leading "git+" and a trailing ".git" are stripped. Anything else yields "".
func NormalizeRepository(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var url string
	if err := json.Unmarshal(raw, &url); err != nil {
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		url = obj.URL
	}

	url = strings.TrimSpace(url)
	url = strings.TrimPrefix(url, "git+")
	url = strings.TrimSuffix(url, ".git")
	return url
}
