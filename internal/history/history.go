// Package history records the version changes applied to each package of a
// project.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// MaxEntries is how many entries are kept per (project, package).
	MaxEntries = 20

	// MaxNoteLength is the longest note accepted, in characters.
	MaxNoteLength = 80

	// StoreName is the store file history lives in.
	StoreName = "active_project.json"
)

var (
	// ErrNoteTooLong indicates a note longer than MaxNoteLength.
	ErrNoteTooLong = fmt.Errorf("note is too long (max %d chars)", MaxNoteLength)

	// ErrNoHistory indicates there is no entry to update.
	ErrNoHistory = errors.New("no history found to update")

	// ErrInvalidKind indicates an unknown entry kind.
	ErrInvalidKind = errors.New("invalid history kind")
)

// Kind is the direction of a recorded change.
type Kind string

const (
	Upgrade   Kind = "upgrade"
	Downgrade Kind = "downgrade"
	Rollback  Kind = "rollback"
	// External marks changes made outside depdeck, e.g. a manual edit.
	External Kind = "external"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Upgrade, Downgrade, Rollback, External:
		return true
	}
	return false
}

// Entry is one recorded change.
type Entry struct {
	Kind Kind   `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
	// Date is RFC 3339.
	Date string  `json:"date"`
	Note *string `json:"note,omitempty"`
}

// Store is the key-value persistence history is kept in.
type Store interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Save() error
}

// Log reads and appends history entries.
type Log struct {
	mu     sync.Mutex
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLog creates a Log over store.
func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, logger: logger, now: time.Now}
}

// Key returns the store key for a (project, package) pair.
func Key(projectPath, pkg string) string {
	return "project:" + projectPath + ":package:" + pkg + ":history"
}

// ValidateNote checks the note length in characters.
func ValidateNote(note string) error {
	if utf8.RuneCountInString(note) > MaxNoteLength {
		return ErrNoteTooLong
	}
	return nil
}

// Append records entry, keeping only the latest MaxEntries. The entry is
// validated before the store is touched. An empty Date is set to now.
func (l *Log) Append(projectPath, pkg string, entry Entry) error {
	if entry.Note != nil {
		if err := ValidateNote(*entry.Note); err != nil {
			return err
		}
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, entry.Kind)
	}
	if entry.Date == "" {
		entry.Date = l.now().UTC().Format(time.RFC3339)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(projectPath, pkg)
	entries := l.load(key)
	entries = append(entries, entry)
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	return l.persist(key, entries)
}

// List returns the entries for a (project, package) pair, oldest first.
func (l *Log) List(projectPath, pkg string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(Key(projectPath, pkg))
}

// UpdateLastNote replaces the note of the most recent entry.
func (l *Log) UpdateLastNote(projectPath, pkg, note string) error {
	if err := ValidateNote(note); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(projectPath, pkg)
	entries := l.load(key)
	if len(entries) == 0 {
		return ErrNoHistory
	}
	entries[len(entries)-1].Note = &note
	return l.persist(key, entries)
}

// load returns the stored entries. An unreadable value counts as empty.
func (l *Log) load(key string) []Entry {
	entries := []Entry{}
	if _, err := l.store.Get(key, &entries); err != nil {
		l.logger.Warn("discarding unreadable history", zap.String("key", key), zap.Error(err))
		return []Entry{}
	}
	return entries
}

func (l *Log) persist(key string, entries []Entry) error {
	if err := l.store.Set(key, entries); err != nil {
		return fmt.Errorf("storing history: %w", err)
	}
	if err := l.store.Save(); err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}
