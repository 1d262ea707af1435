// Package search finds packages by name across every project under a root.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
)

const (
	// DefaultConcurrency is the number of inventories built at once.
	DefaultConcurrency = 4

	// DefaultSpawnRate is the number of inventory builds started per second.
	DefaultSpawnRate = 8.0
)

// ErrEmptyQuery indicates a blank search query.
var ErrEmptyQuery = errors.New("search query is empty")

// Result is one package matching the query.
type Result struct {
	Project scanner.Project   `json:"project"`
	Package inventory.Package `json:"package"`
	Score   int               `json:"score"`
	// Matched holds the byte offsets of the query characters in the name.
	Matched []int `json:"matched_indexes"`
}

// ProjectScanner discovers projects.
type ProjectScanner interface {
	Scan(root string) ([]scanner.Project, error)
}

// InventoryBuilder builds one project's inventory.
type InventoryBuilder interface {
	Build(ctx context.Context, dir string) ([]inventory.Package, error)
}

// Options bounds the fan-out.
type Options struct {
	Concurrency int
	SpawnRate   float64
}

// Searcher runs cross-project package searches.
type Searcher struct {
	scanner     ProjectScanner
	builder     InventoryBuilder
	concurrency int
	spawnRate   rate.Limit
	logger      *zap.Logger
}

// New creates a Searcher. Non-positive options take the defaults.
func New(s ProjectScanner, b InventoryBuilder, opts Options, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SpawnRate <= 0 {
		opts.SpawnRate = DefaultSpawnRate
	}
	return &Searcher{
		scanner:     s,
		builder:     b,
		concurrency: opts.Concurrency,
		spawnRate:   rate.Limit(opts.SpawnRate),
		logger:      logger,
	}
}

// candidate is one package of one project.
type candidate struct {
	project scanner.Project
	pkg     inventory.Package
}

// candidates adapts a candidate list to fuzzy.Source.
type candidates []candidate

func (c candidates) String(i int) string { return c[i].pkg.Name }
func (c candidates) Len() int            { return len(c) }

// Search scans root, builds every project's inventory and returns the
// packages whose name fuzzily matches query, best match first. Ties are
// broken by project path, then package name.
//
// Projects whose inventory cannot be built are logged and skipped. Only an
// invalid root, an empty query, or cancellation fail the search.
func (s *Searcher) Search(ctx context.Context, root, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	projects, err := s.scanner.Scan(root)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}

	inventories, err := s.buildAll(ctx, projects)
	if err != nil {
		return nil, err
	}

	var pool candidates
	for i, pkgs := range inventories {
		for _, pkg := range pkgs {
			pool = append(pool, candidate{project: projects[i], pkg: pkg})
		}
	}

	matches := fuzzy.FindFrom(query, pool)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		c := pool[m.Index]
		results = append(results, Result{
			Project: c.project,
			Package: c.pkg,
			Score:   m.Score,
			Matched: m.MatchedIndexes,
		})
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			strings.Compare(a.Project.Path, b.Project.Path),
			strings.Compare(a.Package.Name, b.Package.Name),
		)
	})

	s.logger.Debug("search complete",
		zap.String("root", root),
		zap.String("query", query),
		zap.Int("projects", len(projects)),
		zap.Int("results", len(results)))

	return results, nil
}

// buildAll builds inventories with bounded concurrency, pacing build starts
// through a token bucket. The result is indexed like projects; a failed
// project leaves a nil entry.
func (s *Searcher) buildAll(ctx context.Context, projects []scanner.Project) ([][]inventory.Package, error) {
	out := make([][]inventory.Package, len(projects))
	limiter := rate.NewLimiter(s.spawnRate, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var waitErr error
	for i, p := range projects {
		if waitErr = limiter.Wait(gctx); waitErr != nil {
			break
		}
		g.Go(func() error {
			pkgs, err := s.builder.Build(gctx, p.Path)
			if err != nil {
				s.logger.Warn("skipping project in search",
					zap.String("project", p.Path), zap.Error(err))
				return nil
			}
			out[i] = pkgs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := cmp.Or(ctx.Err(), waitErr); err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	return out, nil
}
