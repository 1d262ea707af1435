package service

import (
	"github.com/fyrsmithlabs/depdeck/internal/history"
)

// History returns the recorded changes of one package, oldest first.
func (s *Service) History(path, name string) []history.Entry {
	return s.history.List(path, name)
}

// RecordHistory appends an entry without installing anything, e.g. for a
// change made outside depdeck.
func (s *Service) RecordHistory(path, name string, entry history.Entry) error {
	return s.history.Append(path, name, entry)
}

// UpdateLastNote replaces the note of the package's latest entry.
func (s *Service) UpdateLastNote(path, name, note string) error {
	return s.history.UpdateLastNote(path, name, note)
}
