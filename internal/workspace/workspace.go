// Package workspace remembers the last opened workspace root.
package workspace

import "fmt"

const (
	// StoreName is the settings store file.
	StoreName = "settings.json"

	lastWorkspaceKey = "last_workspace"
)

// Store is the key-value persistence the setting is kept in.
type Store interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Save() error
}

// Settings reads and writes the last workspace.
type Settings struct {
	store Store
}

// New creates Settings over store.
func New(store Store) *Settings {
	return &Settings{store: store}
}

// Last returns the last saved workspace, or "" if none was saved.
func (s *Settings) Last() (string, error) {
	var path string
	if _, err := s.store.Get(lastWorkspaceKey, &path); err != nil {
		return "", fmt.Errorf("reading last workspace: %w", err)
	}
	return path, nil
}

// Save persists path as the last workspace.
func (s *Settings) Save(path string) error {
	if err := s.store.Set(lastWorkspaceKey, path); err != nil {
		return fmt.Errorf("storing last workspace: %w", err)
	}
	if err := s.store.Save(); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}
