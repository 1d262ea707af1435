// Package watcher notifies when a project's package.json changes.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/manifest"
)

var (
	// ErrPathNotFound indicates the directory to watch does not exist.
	ErrPathNotFound = errors.New("project path not found")

	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// OpResync marks a change synthesized for notifications that were lost in
// delivery; the manifest may have changed more than once.
const OpResync = "RESYNC"

// Change is a manifest change notification.
type Change struct {
	// Path is the file that changed.
	Path string `json:"path"`

	// Op is the fsnotify operation, e.g. "WRITE" or "CREATE", or OpResync.
	Op string `json:"op"`

	Time time.Time `json:"time"`
}

// Session owns at most one active watch. Start, Stop and Path are
// serialized by one mutex guarding the watcher handle, the watched path and
// the event goroutine.
type Session struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
	stop    chan struct{}
	done    chan struct{}

	onChange func(Change)
	logger   *zap.Logger
	metrics  *Metrics
}

// NewSession creates an idle Session. onChange is called from the event
// goroutine and must not call back into the Session.
func NewSession(onChange func(Change), logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func(Change) {}
	}
	return &Session{
		onChange: onChange,
		logger:   logger,
		metrics:  NewMetrics(),
	}
}

// Start tears down any existing watch, then watches dir non-recursively.
// On failure the session is left idle.
func (s *Session) Start(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrPathNotFound, dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	s.watcher = w
	s.path = dir
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.processEvents(w, s.stop, s.done)

	s.logger.Info("watching project", zap.String("project.path", dir))
	return nil
}

// Stop ends the active watch. It is a no-op when idle.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// Path returns the watched directory, or "" when idle.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *Session) stopLocked() error {
	if s.watcher == nil {
		return nil
	}

	close(s.stop)
	err := s.watcher.Close()
	<-s.done

	s.logger.Info("stopped watching project", zap.String("project.path", s.path))

	s.watcher = nil
	s.path = ""
	s.stop = nil
	s.done = nil
	if err != nil {
		return fmt.Errorf("closing watcher: %w", err)
	}
	return nil
}

// processEvents filters raw events down to manifest changes.
func (s *Session) processEvents(w *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != manifest.FileName {
				s.metrics.RecordEvent(resultDropped)
				continue
			}
			s.metrics.RecordEvent(resultForwarded)
			s.onChange(Change{
				Path: event.Name,
				Op:   event.Op.String(),
				Time: time.Now(),
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.metrics.RecordEvent(resultError)
			s.logger.Warn("watch error", zap.Error(err))
		}
	}
}
