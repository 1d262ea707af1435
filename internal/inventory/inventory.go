// Package inventory builds a project's package list by merging its manifest
// with the status checker's report.
package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/npm"
)

// UnknownVersion is reported when the installed version cannot be known.
const UnknownVersion = "unknown"

// UpdateStatus classifies how far a package lags behind.
type UpdateStatus string

const (
	UpToDate     UpdateStatus = "UpToDate"
	Minor        UpdateStatus = "Minor"
	Major        UpdateStatus = "Major"
	NotInstalled UpdateStatus = "NotInstalled"
	// Error is reserved for consumers; Build never produces it.
	Error UpdateStatus = "Error"
)

// Package is one declared dependency of a project.
type Package struct {
	Name           string       `json:"name"`
	CurrentVersion string       `json:"current_version"`
	WantedVersion  string       `json:"wanted_version,omitempty"`
	LatestVersion  string       `json:"latest_version,omitempty"`
	UpdateStatus   UpdateStatus `json:"update_status"`
	IsDev          bool         `json:"is_dev"`
	Repository     string       `json:"repository,omitempty"`
	Homepage       string       `json:"homepage,omitempty"`
}

// StatusChecker reports outdated packages for a project directory.
type StatusChecker interface {
	Outdated(ctx context.Context, dir string) npm.Report
}

// Builder produces inventories.
type Builder struct {
	checker StatusChecker
	logger  *zap.Logger
}

// NewBuilder creates a Builder backed by checker.
func NewBuilder(checker StatusChecker, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{checker: checker, logger: logger}
}

// Build returns the inventory of the project at dir, sorted by name.
//
// A missing or malformed manifest fails the build. Status check failures do
// not: the inventory is then built from the manifest alone.
func (b *Builder) Build(ctx context.Context, dir string) ([]Package, error) {
	m, err := manifest.Read(dir)
	if err != nil {
		return nil, fmt.Errorf("building inventory: %w", err)
	}
	hasCache := manifest.HasDependencyCache(dir)

	report := b.checker.Outdated(ctx, dir)
	if report.Degraded != npm.DegradedNone {
		b.logger.Debug("building inventory without status data", logging.Fields(logging.WithProjectPath(ctx, dir),
			zap.String("reason", string(report.Degraded)))...)
	}

	pkgs := make([]Package, 0, len(m.Dependencies)+len(m.DevDependencies))
	add := func(deps map[string]string, dev bool, skip map[string]string) {
		for name, declared := range deps {
			if _, dup := skip[name]; dup {
				continue
			}
			pkg := Classify(name, declared, hasCache, report)
			pkg.IsDev = dev
			pkgs = append(pkgs, pkg)
		}
	}
	add(m.Dependencies, false, nil)
	add(m.DevDependencies, true, m.Dependencies)

	if hasCache {
		for i := range pkgs {
			enrich(dir, &pkgs[i])
		}
	}

	slices.SortFunc(pkgs, func(a, b Package) int {
		return strings.Compare(a.Name, b.Name)
	})
	return pkgs, nil
}

// Classify derives the version fields and update status of one declared
// dependency from the status report. Versions are compared as opaque
// strings.
func Classify(name, declared string, hasCache bool, report npm.Report) Package {
	pkg := Package{Name: name}

	if !hasCache {
		pkg.CurrentVersion = UnknownVersion
		pkg.UpdateStatus = NotInstalled
		return pkg
	}

	entry, ok := report.Lookup(name)
	if !ok {
		pkg.CurrentVersion = declared
		pkg.UpdateStatus = UpToDate
		return pkg
	}

	pkg.CurrentVersion = entry.Current
	if pkg.CurrentVersion == "" {
		pkg.CurrentVersion = UnknownVersion
	}
	pkg.WantedVersion = entry.Wanted
	pkg.LatestVersion = entry.Latest

	switch {
	case entry.Wanted == "" || entry.Latest == "":
		pkg.UpdateStatus = UpToDate
	case entry.Wanted != entry.Latest:
		pkg.UpdateStatus = Major
	case entry.Current != entry.Wanted:
		pkg.UpdateStatus = Minor
	default:
		pkg.UpdateStatus = UpToDate
	}
	return pkg
}

// enrich fills repository and homepage from the installed package manifest.
// It never touches version or status fields.
func enrich(dir string, pkg *Package) {
	installed, err := manifest.ReadInstalled(dir, pkg.Name)
	if err != nil {
		return
	}
	pkg.Repository = installed.Repository
	pkg.Homepage = installed.Homepage
}
