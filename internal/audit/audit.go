// Package audit runs npm's security audit and normalizes its report.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/process"
	"github.com/fyrsmithlabs/depdeck/internal/secrets"
)

var (
	// ErrAuditTimeout indicates the audit exceeded its deadline and was killed.
	ErrAuditTimeout = errors.New("audit timed out")

	// ErrAuditSpawn indicates npm could not be started.
	ErrAuditSpawn = errors.New("audit could not be started")
)

// AuditFailedError reports a failed audit whose stdout carried no report.
type AuditFailedError struct {
	ExitCode int
	Stderr   string
}

func (e *AuditFailedError) Error() string {
	return fmt.Sprintf("audit failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// Runner runs `npm audit --json`.
type Runner interface {
	Audit(ctx context.Context, dir string) (*process.Result, error)
}

// Engine runs audits. Unlike status checks, transport failures are reported
// so that a failed audit never looks clean.
type Engine struct {
	npm      Runner
	redactor *secrets.Redactor
	logger   *zap.Logger
	metrics  *Metrics
}

// NewEngine creates an Engine.
func NewEngine(npm Runner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{npm: npm, redactor: secrets.Default(), logger: logger, metrics: NewMetrics()}
}

// Run audits the project at dir.
//
// npm exits 1 when it finds vulnerabilities, so the exit code alone is not a
// failure: any run whose stdout parses is a result. A non-zero exit without a
// parsable report is an *AuditFailedError.
func (e *Engine) Run(ctx context.Context, dir string) (*Result, error) {
	res, err := e.npm.Audit(ctx, dir)
	switch {
	case errors.Is(err, process.ErrTimeout):
		return nil, fmt.Errorf("%w: %s", ErrAuditTimeout, dir)
	case errors.Is(err, process.ErrSpawn):
		return nil, fmt.Errorf("%w: %v", ErrAuditSpawn, err)
	case err != nil:
		return nil, fmt.Errorf("running audit: %w", err)
	}

	result, parseErr := Parse(res.Stdout)
	if parseErr != nil {
		if res.ExitCode != 0 {
			return nil, &AuditFailedError{
				ExitCode: res.ExitCode,
				Stderr:   e.redactor.Redact(strings.TrimSpace(string(res.Stderr))),
			}
		}
		if len(bytes.TrimSpace(res.Stdout)) == 0 {
			return nil, fmt.Errorf("%w: empty output", ErrAuditParse)
		}
		return nil, parseErr
	}

	e.metrics.Record(result.Counts)
	e.logger.Info("audit complete", logging.Fields(logging.WithProjectPath(ctx, dir),
		zap.Int("total", result.Counts.Total),
		zap.Int("critical", result.Counts.Critical),
		zap.Int("high", result.Counts.High),
		zap.Int("listed", len(result.VulnerablePackages)))...)

	return result, nil
}
