package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/config"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/service"
)

// loadConfig reads configuration and builds the logger. One-off commands
// log at warn unless --verbose is set so their output stays readable.
func loadConfig(opts *rootOptions, quiet bool) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	if quiet && !opts.verbose && logCfg.Level < zap.WarnLevel {
		logCfg.Level = zap.WarnLevel
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openEngine assembles a Service for a one-off command. Events stay in
// process; no broker is started.
func openEngine(opts *rootOptions) (*service.Service, func(), error) {
	cfg, logger, err := loadConfig(opts, true)
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.Open(cfg, nil, logger.Underlying())
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	closeFn := func() {
		_ = svc.Close()
		_ = logger.Sync()
	}
	return svc, closeFn, nil
}

// withEngine runs fn against a freshly opened Service.
func withEngine(opts *rootOptions, fn func(svc *service.Service) error) error {
	svc, closeFn, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

// projectArg resolves a project argument to an absolute path so history
// keys do not depend on the working directory.
func projectArg(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", arg, err)
	}
	return abs, nil
}

// emit prints v as indented JSON when --json is set, otherwise the
// rendered text.
func emit(cmd *cobra.Command, opts *rootOptions, v any, render func() string) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(out, v)
	}
	_, err := fmt.Fprintln(out, render())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
