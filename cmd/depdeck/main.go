// Depdeck inventories the npm projects of a workspace and runs package
// manager operations against them.
//
// Usage:
//
//	# Serve the HTTP/SSE API
//	depdeck serve
//
//	# One-off commands
//	depdeck scan ~/code
//	depdeck packages ~/code/web
//	depdeck apply ~/code/web react 18.3.1 --note "security patch"
//	depdeck install ~/code/web
//	depdeck audit ~/code/web
//
// Configuration is read from ~/.config/depdeck/config.yaml and DEPDECK_*
// environment variables. See internal/config for details.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	jsonOutput bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "depdeck",
		Short: "Inventory and update the npm projects of a workspace",
		Long: `depdeck discovers npm projects under a workspace root, reports how far
each dependency lags behind, and runs installs and audits against them.

Run "depdeck serve" for the HTTP/SSE API, or use the one-off commands below.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/depdeck/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(
		newServeCmd(opts),
		newScanCmd(opts),
		newPackagesCmd(opts),
		newApplyCmd(opts),
		newInstallCmd(opts),
		newAuditCmd(opts),
		newAuditFixCmd(opts),
		newSearchCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "depdeck by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
