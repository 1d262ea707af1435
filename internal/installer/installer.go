// Package installer applies dependency changes to a project through npm,
// checking preconditions before anything is spawned.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/process"
	"github.com/fyrsmithlabs/depdeck/internal/secrets"
)

var (
	// ErrProjectNotFound indicates the project path does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrDependenciesNotInstalled indicates node_modules is missing.
	ErrDependenciesNotInstalled = errors.New("dependencies not installed")

	// ErrReadOnly indicates package.json cannot be written.
	ErrReadOnly = errors.New("manifest is read-only")
)

// InstallFailedError reports a non-zero npm exit.
type InstallFailedError struct {
	ExitCode int
	// Stderr is captured for synchronous installs only; streamed runs have
	// already forwarded their output.
	Stderr string
}

func (e *InstallFailedError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("install failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("install failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// LineSink receives streamed output lines. Calls are serialized.
type LineSink interface {
	Emit(line process.Line)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(process.Line)

// Emit calls f(line).
func (f LineSinkFunc) Emit(line process.Line) { f(line) }

// Runner is the npm surface the installer drives.
type Runner interface {
	Install(ctx context.Context, dir, spec string) (*process.Result, error)
	InstallAll(ctx context.Context, dir string, sink func(process.Line)) (int, error)
	AuditFix(ctx context.Context, dir string, sink func(process.Line)) (int, error)
}

// Installer runs mutating npm commands. Registry credentials are redacted
// from everything npm prints before it leaves the installer.
type Installer struct {
	npm      Runner
	redactor *secrets.Redactor
	logger   *zap.Logger
}

// New creates an Installer.
func New(npm Runner, logger *zap.Logger) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Installer{npm: npm, redactor: secrets.Default(), logger: logger}
}

// ApplyVersion installs name@version into the project and waits for npm
// to exit.
func (i *Installer) ApplyVersion(ctx context.Context, dir, name, version string) error {
	if err := requireDir(dir); err != nil {
		return err
	}
	if !manifest.HasDependencyCache(dir) {
		return fmt.Errorf("%w: %s", ErrDependenciesNotInstalled, dir)
	}

	spec := name + "@" + version
	i.logger.Info("applying version", logging.Fields(logging.WithProjectPath(ctx, dir),
		zap.String("package", spec))...)

	res, err := i.npm.Install(ctx, dir, spec)
	if err != nil {
		return fmt.Errorf("installing %s: %w", spec, err)
	}
	if res.ExitCode != 0 {
		return &InstallFailedError{
			ExitCode: res.ExitCode,
			Stderr:   i.redactor.Redact(strings.TrimSpace(string(res.Stderr))),
		}
	}
	return nil
}

// InstallAll runs a full install, forwarding output to sink as it arrives.
// It returns once npm has exited and both output streams are drained.
// Cancel ctx to kill the install.
func (i *Installer) InstallAll(ctx context.Context, dir string, sink LineSink) error {
	return i.streamMutation(ctx, dir, sink, "install", i.npm.InstallAll)
}

// AuditFix runs `npm audit fix` with the same preconditions and streaming as
// InstallAll.
func (i *Installer) AuditFix(ctx context.Context, dir string, sink LineSink) error {
	return i.streamMutation(ctx, dir, sink, "audit fix", i.npm.AuditFix)
}

// CheckWritable validates the preconditions of a streamed mutation without
// running anything.
func CheckWritable(dir string) error {
	if err := requireDir(dir); err != nil {
		return err
	}
	if _, err := os.Stat(manifest.Path(dir)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", manifest.ErrManifestNotFound, dir)
		}
		return fmt.Errorf("checking manifest: %w", err)
	}
	if !manifest.IsWritable(dir) {
		return fmt.Errorf("%w: %s", ErrReadOnly, manifest.Path(dir))
	}
	return nil
}

type streamFunc func(ctx context.Context, dir string, sink func(process.Line)) (int, error)

func (i *Installer) streamMutation(ctx context.Context, dir string, sink LineSink, what string, run streamFunc) error {
	if err := CheckWritable(dir); err != nil {
		return err
	}

	i.logger.Info("starting streamed npm run", logging.Fields(logging.WithProjectPath(ctx, dir),
		zap.String("command", what))...)

	forward := func(l process.Line) {
		if sink != nil {
			l.Text = i.redactor.Redact(l.Text)
			sink.Emit(l)
		}
	}

	code, err := run(ctx, dir, forward)
	if err != nil {
		return fmt.Errorf("npm %s: %w", what, err)
	}
	if code != 0 {
		return &InstallFailedError{ExitCode: code}
	}
	return nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, dir)
	}
	return nil
}
