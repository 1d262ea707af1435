// Package npm wraps the npm command line for status checks, installs and
// audits. Every invocation is traced, counted and supervised by the process
// package.
package npm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/process"
)

// Default timeouts for bounded invocations.
const (
	DefaultOutdatedTimeout = 30 * time.Second
	DefaultAuditTimeout    = 120 * time.Second
)

// DefaultBinary is the npm executable looked up on PATH.
const DefaultBinary = "npm"

// Command names used in metrics, spans and logs.
const (
	CommandOutdated   = "outdated"
	CommandInstall    = "install"
	CommandInstallAll = "install_all"
	CommandAudit      = "audit"
	CommandAuditFix   = "audit_fix"
)

const (
	outcomeOK       = "ok"
	outcomeExitCode = "exit_code"
	outcomeTimeout  = "timeout"
	outcomeSpawn    = "spawn"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

// Options configures a Client.
type Options struct {
	// Binary is the npm executable. Defaults to DefaultBinary.
	Binary string

	// OutdatedTimeout bounds `npm outdated`. Defaults to DefaultOutdatedTimeout.
	OutdatedTimeout time.Duration

	// AuditTimeout bounds `npm audit`. Defaults to DefaultAuditTimeout.
	AuditTimeout time.Duration
}

// Client invokes npm inside project directories.
type Client struct {
	binary          string
	outdatedTimeout time.Duration
	auditTimeout    time.Duration
	logger          *zap.Logger
	metrics         *Metrics
}

// NewClient creates a Client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.OutdatedTimeout <= 0 {
		opts.OutdatedTimeout = DefaultOutdatedTimeout
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = DefaultAuditTimeout
	}
	return &Client{
		binary:          opts.Binary,
		outdatedTimeout: opts.OutdatedTimeout,
		auditTimeout:    opts.AuditTimeout,
		logger:          logger,
		metrics:         NewMetrics(),
	}
}

// Binary returns the configured npm executable.
func (c *Client) Binary() string {
	return c.binary
}

// Install runs `npm install <spec>` synchronously in dir.
// A non-zero exit is reported through Result.ExitCode.
func (c *Client) Install(ctx context.Context, dir, spec string) (*process.Result, error) {
	return c.run(ctx, dir, CommandInstall, 0, "install", spec)
}

// Audit runs `npm audit --json` in dir, bounded by the audit timeout.
// The error wraps process.ErrTimeout or process.ErrSpawn on those failures.
func (c *Client) Audit(ctx context.Context, dir string) (*process.Result, error) {
	return c.run(ctx, dir, CommandAudit, c.auditTimeout, "audit", "--json")
}

// InstallAll runs `npm install` in dir, streaming output to sink.
func (c *Client) InstallAll(ctx context.Context, dir string, sink func(process.Line)) (int, error) {
	return c.stream(ctx, dir, CommandInstallAll, sink, "install")
}

// AuditFix runs `npm audit fix` in dir, streaming output to sink.
func (c *Client) AuditFix(ctx context.Context, dir string, sink func(process.Line)) (int, error) {
	return c.stream(ctx, dir, CommandAuditFix, sink, "audit", "fix")
}

func (c *Client) command(dir string, args ...string) process.Command {
	return process.Command{
		Name: c.binary,
		Args: args,
		Dir:  dir,
		// Keep output machine-readable and free of interactive prompts.
		Env: []string{"NO_COLOR=1", "npm_config_color=false", "npm_config_fund=false", "npm_config_update_notifier=false"},
	}
}

func (c *Client) run(ctx context.Context, dir, name string, timeout time.Duration, args ...string) (*process.Result, error) {
	ctx, span := startSpan(ctx, name, dir)
	start := time.Now()

	res, err := process.Run(ctx, c.command(dir, args...), timeout)

	outcome := outcomeFor(err, res)
	code := -1
	if res != nil {
		code = res.ExitCode
	}
	c.metrics.RecordCommand(name, outcome, time.Since(start).Seconds())
	endSpan(span, outcome, code, err)

	c.logger.Debug("npm command finished", logging.Fields(logging.WithProjectPath(ctx, dir),
		zap.String("command", name),
		zap.String("outcome", outcome),
		zap.Int("exit_code", code),
		zap.Duration("duration", time.Since(start)))...)

	return res, err
}

func (c *Client) stream(ctx context.Context, dir, name string, sink func(process.Line), args ...string) (int, error) {
	ctx, span := startSpan(ctx, name, dir)
	start := time.Now()

	code, err := process.Stream(ctx, c.command(dir, args...), sink)

	outcome := outcomeOK
	switch {
	case err != nil:
		outcome = outcomeFor(err, nil)
	case code != 0:
		outcome = outcomeExitCode
	}
	c.metrics.RecordCommand(name, outcome, time.Since(start).Seconds())
	endSpan(span, outcome, code, err)

	c.logger.Info("npm command finished", logging.Fields(logging.WithProjectPath(ctx, dir),
		zap.String("command", name),
		zap.String("outcome", outcome),
		zap.Int("exit_code", code),
		zap.Duration("duration", time.Since(start)))...)

	return code, err
}

func outcomeFor(err error, res *process.Result) string {
	switch {
	case err == nil && res != nil && res.ExitCode != 0:
		return outcomeExitCode
	case err == nil:
		return outcomeOK
	case errors.Is(err, process.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, process.ErrSpawn):
		return outcomeSpawn
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeError
	}
}
