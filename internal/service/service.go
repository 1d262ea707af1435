// Package service is the engine's front door: one object owning every
// component and the only shared mutable state, the watch session.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/audit"
	"github.com/fyrsmithlabs/depdeck/internal/broker"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/installer"
	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/operations"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
	"github.com/fyrsmithlabs/depdeck/internal/search"
	"github.com/fyrsmithlabs/depdeck/internal/watcher"
	"github.com/fyrsmithlabs/depdeck/internal/workspace"
)

// Operation kinds.
const (
	KindInstallAll = "install_all"
	KindAuditFix   = "audit_fix"
)

// ErrClosed indicates the service is shutting down.
var ErrClosed = errors.New("service is closed")

// Options supplies the components. Conn may be nil, in which case
// operation and watch events stay in process.
type Options struct {
	Scanner    *scanner.Scanner
	Inventory  *inventory.Builder
	Installer  *installer.Installer
	Audit      *audit.Engine
	Search     *search.Searcher
	History    *history.Log
	Workspace  *workspace.Settings
	Operations *operations.Registry
	Conn       *nats.Conn
}

// Service exposes the engine operations.
type Service struct {
	scanner   *scanner.Scanner
	inventory *inventory.Builder
	installer *installer.Installer
	audit     *audit.Engine
	search    *search.Searcher
	history   *history.Log
	workspace *workspace.Settings
	ops       *operations.Registry
	nc        *nats.Conn
	watch     *watcher.Session
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a Service.
func New(opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		scanner:   opts.Scanner,
		inventory: opts.Inventory,
		installer: opts.Installer,
		audit:     opts.Audit,
		search:    opts.Search,
		history:   opts.History,
		workspace: opts.Workspace,
		ops:       opts.Operations,
		nc:        opts.Conn,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
	s.watch = watcher.NewSession(s.publishChange, logger.Named("watcher"))
	return s
}

// ScanProjects discovers projects under root.
func (s *Service) ScanProjects(_ context.Context, root string) ([]scanner.Project, error) {
	return s.scanner.Scan(root)
}

// GetPackages builds the inventory of the project at path.
func (s *Service) GetPackages(ctx context.Context, path string) ([]inventory.Package, error) {
	return s.inventory.Build(logging.WithProjectPath(ctx, path), path)
}

// RunAudit audits the project at path.
func (s *Service) RunAudit(ctx context.Context, path string) (*audit.Result, error) {
	if err := requireProject(path); err != nil {
		return nil, err
	}
	return s.audit.Run(logging.WithProjectPath(ctx, path), path)
}

// SearchPackages finds packages matching query across the projects under root.
func (s *Service) SearchPackages(ctx context.Context, root, query string) ([]search.Result, error) {
	return s.search.Search(ctx, root, query)
}

// WatchProject replaces any active watch with one on path.
func (s *Service) WatchProject(path string) error {
	return s.watch.Start(path)
}

// UnwatchProject stops the active watch, if any.
func (s *Service) UnwatchProject() error {
	return s.watch.Stop()
}

// WatchedProject returns the watched project, or "" when idle.
func (s *Service) WatchedProject() string {
	return s.watch.Path()
}

// publishChange forwards a manifest change to the watch subject.
func (s *Service) publishChange(c watcher.Change) {
	if s.nc == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Warn("encoding change event", zap.Error(err))
		return
	}
	if err := s.nc.Publish(broker.WatchChanged, data); err != nil {
		s.logger.Warn("publishing change event", zap.String("path", c.Path), zap.Error(err))
	}
}

// Operation returns a snapshot of a long-running operation.
func (s *Service) Operation(id string) (operations.Operation, error) {
	return s.ops.Get(id)
}

// Operations exposes the registry for event streaming.
func (s *Service) Operations() *operations.Registry {
	return s.ops
}

// LastWorkspace returns the last saved workspace root.
func (s *Service) LastWorkspace() (string, error) {
	return s.workspace.Last()
}

// SaveWorkspace remembers root as the last workspace.
func (s *Service) SaveWorkspace(root string) error {
	return s.workspace.Save(root)
}

// Close cancels running operations, waits for them to finish, and stops
// the watch.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.watch.Stop()
}

func requireProject(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", installer.ErrProjectNotFound, path)
	}
	if _, err := os.Stat(manifest.Path(path)); err != nil {
		return fmt.Errorf("%w: %s", manifest.ErrManifestNotFound, path)
	}
	return nil
}
