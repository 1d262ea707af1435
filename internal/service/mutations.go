package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/installer"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/sanitize"
)

// ApplyOption customizes the history entry ApplyVersion records.
type ApplyOption func(*history.Entry)

// WithKind sets the entry kind. The default is history.Upgrade.
func WithKind(k history.Kind) ApplyOption {
	return func(e *history.Entry) { e.Kind = k }
}

// WithNote attaches a note. Empty notes are ignored.
func WithNote(note string) ApplyOption {
	return func(e *history.Entry) {
		if note != "" {
			e.Note = &note
		}
	}
}

// ApplyVersion installs name@version into the project at path and records
// the change in its history. The package spec and entry are validated before
// npm runs; the entry's "from" is the installed version, or "unknown" when
// nothing is installed.
func (s *Service) ApplyVersion(ctx context.Context, path, name, version string, opts ...ApplyOption) error {
	if err := sanitize.ValidatePackageName(name); err != nil {
		return err
	}
	if err := sanitize.ValidateVersion(version); err != nil {
		return err
	}

	entry := history.Entry{Kind: history.Upgrade, To: version}
	for _, opt := range opts {
		opt(&entry)
	}
	if entry.Note != nil {
		if err := history.ValidateNote(*entry.Note); err != nil {
			return err
		}
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("%w: %q", history.ErrInvalidKind, entry.Kind)
	}

	entry.From = inventory.UnknownVersion
	if installed, err := manifest.ReadInstalled(path, name); err == nil && installed.Version != "" {
		entry.From = installed.Version
	}

	ctx = logging.WithProjectPath(ctx, path)
	if err := s.installer.ApplyVersion(ctx, path, name, version); err != nil {
		return err
	}

	if err := s.history.Append(path, name, entry); err != nil {
		s.logger.Warn("version applied but history not recorded", logging.Fields(ctx,
			zap.String("package", name),
			zap.Error(err))...)
		return fmt.Errorf("recording history: %w", err)
	}
	return nil
}

// InstallAll starts a full install of the project at path and returns the
// operation id. Output arrives as operation line events. Preconditions are
// checked before the operation is created.
func (s *Service) InstallAll(ctx context.Context, path string) (string, error) {
	return s.startOperation(ctx, KindInstallAll, path, s.installer.InstallAll)
}

// AuditFix starts `npm audit fix` on the project at path and returns the
// operation id.
func (s *Service) AuditFix(ctx context.Context, path string) (string, error) {
	return s.startOperation(ctx, KindAuditFix, path, s.installer.AuditFix)
}

// StreamInstallAll runs a full install in the caller's goroutine, sending
// output to sink.
func (s *Service) StreamInstallAll(ctx context.Context, path string, sink installer.LineSink) error {
	return s.installer.InstallAll(logging.WithProjectPath(ctx, path), path, sink)
}

// StreamAuditFix runs `npm audit fix` in the caller's goroutine.
func (s *Service) StreamAuditFix(ctx context.Context, path string, sink installer.LineSink) error {
	return s.installer.AuditFix(logging.WithProjectPath(ctx, path), path, sink)
}

// CancelOperation kills a running operation. The operation then fails.
func (s *Service) CancelOperation(id string) error {
	if _, err := s.ops.Get(id); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

type mutation func(ctx context.Context, dir string, sink installer.LineSink) error

// startOperation runs fn in the background under a new operation. The run
// outlives the request that started it and ends on completion, on
// CancelOperation, or on Close.
func (s *Service) startOperation(ctx context.Context, kind, path string, fn mutation) (string, error) {
	if err := installer.CheckWritable(path); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	id := s.ops.Create(ctx, kind, path)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.WithOperationID(logging.WithProjectPath(runCtx, path), id)
	s.running[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
		}()

		if err := s.ops.Started(id); err != nil {
			s.logger.Warn("publishing operation start", logging.Fields(runCtx, zap.Error(err))...)
		}

		err := fn(runCtx, path, installer.LineSinkFunc(s.ops.Sink(id)))
		if err != nil {
			s.logger.Warn("operation failed", logging.Fields(runCtx,
				zap.String("kind", kind),
				zap.Error(err))...)
			err = s.ops.Fail(id, err)
		} else {
			s.logger.Info("operation completed", logging.Fields(runCtx,
				zap.String("kind", kind))...)
			err = s.ops.Complete(id)
		}
		if err != nil {
			s.logger.Warn("publishing operation result", logging.Fields(runCtx, zap.Error(err))...)
		}
	}()

	return id, nil
}
