package service

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/audit"
	"github.com/fyrsmithlabs/depdeck/internal/config"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/installer"
	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/kvstore"
	"github.com/fyrsmithlabs/depdeck/internal/npm"
	"github.com/fyrsmithlabs/depdeck/internal/operations"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
	"github.com/fyrsmithlabs/depdeck/internal/search"
	"github.com/fyrsmithlabs/depdeck/internal/workspace"
)

// Open builds every component from cfg and assembles a Service. nc may be
// nil for one-shot CLI use.
func Open(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := npm.NewClient(npm.Options{
		Binary:          cfg.NPM.Binary,
		OutdatedTimeout: cfg.NPM.OutdatedTimeout.Duration(),
		AuditTimeout:    cfg.NPM.AuditTimeout.Duration(),
	}, logger.Named("npm"))

	scan, err := scanner.New(scanner.Options{
		MaxDepth: cfg.Scan.MaxDepth,
		Ignore:   cfg.Scan.Ignore,
	}, logger.Named("scanner"))
	if err != nil {
		return nil, fmt.Errorf("creating scanner: %w", err)
	}

	historyStore, err := kvstore.Open(cfg.Store.Dir, history.StoreName)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	settingsStore, err := kvstore.Open(cfg.Store.Dir, workspace.StoreName)
	if err != nil {
		return nil, fmt.Errorf("opening settings store: %w", err)
	}

	builder := inventory.NewBuilder(client, logger.Named("inventory"))

	return New(Options{
		Scanner:   scan,
		Inventory: builder,
		Installer: installer.New(client, logger.Named("installer")),
		Audit:     audit.NewEngine(client, logger.Named("audit")),
		Search: search.New(scan, builder, search.Options{
			Concurrency: cfg.Search.Concurrency,
			SpawnRate:   cfg.Search.SpawnRate,
		}, logger.Named("search")),
		History:    history.NewLog(historyStore, logger.Named("history")),
		Workspace:  workspace.New(settingsStore),
		Operations: operations.NewRegistry(nc, logger.Named("operations")),
		Conn:       nc,
	}, logger), nil
}
