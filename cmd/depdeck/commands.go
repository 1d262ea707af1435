package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/installer"
	"github.com/fyrsmithlabs/depdeck/internal/process"
	"github.com/fyrsmithlabs/depdeck/internal/service"
)

func newScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [root]",
		Short: "Discover projects under a workspace root",
		Long: `Discover every package.json project under a workspace root.

The root defaults to the last scanned workspace, then the working directory.
A successful scan remembers the root for next time.

Examples:
  depdeck scan ~/code
  depdeck scan --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(svc *service.Service) error {
				root, err := workspaceRoot(svc, args)
				if err != nil {
					return err
				}

				projects, err := svc.ScanProjects(cmd.Context(), root)
				if err != nil {
					return err
				}
				if err := svc.SaveWorkspace(root); err != nil {
					return err
				}
				return emit(cmd, opts, projects, func() string {
					return renderProjects(root, projects)
				})
			})
		},
	}
}

// workspaceRoot picks the scan root: the argument, the saved workspace, or
// the working directory.
func workspaceRoot(svc *service.Service, args []string) (string, error) {
	if len(args) == 1 {
		return projectArg(args[0])
	}
	last, err := svc.LastWorkspace()
	if err != nil {
		return "", err
	}
	if last != "" {
		return last, nil
	}
	return os.Getwd()
}

func newPackagesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "packages <project>",
		Short: "List a project's dependencies and their update status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(opts, func(svc *service.Service) error {
				pkgs, err := svc.GetPackages(cmd.Context(), project)
				if err != nil {
					return err
				}
				return emit(cmd, opts, pkgs, func() string {
					return renderPackages(project, pkgs)
				})
			})
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var kind, note string

	cmd := &cobra.Command{
		Use:   "apply <project> <package> <version>",
		Short: "Install one package version and record it in history",
		Long: `Install <package>@<version> into a project and record the change.

Examples:
  depdeck apply . react 18.3.1
  depdeck apply . vite 5.2.0 --kind downgrade --note "HMR regression in 5.4"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args[0])
			if err != nil {
				return err
			}
			applyOpts := []service.ApplyOption{service.WithNote(note)}
			if kind != "" {
				applyOpts = append(applyOpts, service.WithKind(history.Kind(kind)))
			}

			return withEngine(opts, func(svc *service.Service) error {
				if err := svc.ApplyVersion(cmd.Context(), project, args[1], args[2], applyOpts...); err != nil {
					return err
				}
				entries := svc.History(project, args[1])
				return emit(cmd, opts, entries, func() string {
					return renderApplied(args[1], args[2])
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "history entry kind: upgrade, downgrade, rollback or external (default upgrade)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change (max 80 characters)")
	return cmd
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <project>",
		Short: "Run npm install, streaming its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamMutation(cmd, opts, args[0], (*service.Service).StreamInstallAll)
		},
	}
}

func newAuditFixCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit-fix <project>",
		Short: "Run npm audit fix, streaming its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamMutation(cmd, opts, args[0], (*service.Service).StreamAuditFix)
		},
	}
}

type streamFunc func(svc *service.Service, ctx context.Context, path string, sink installer.LineSink) error

// streamMutation runs a streaming mutation in the foreground. Interrupting
// the command kills the npm process group.
func streamMutation(cmd *cobra.Command, opts *rootOptions, arg string, run streamFunc) error {
	project, err := projectArg(arg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	return withEngine(opts, func(svc *service.Service) error {
		sink := installer.LineSinkFunc(func(l process.Line) {
			if opts.jsonOutput {
				_ = writeJSON(out, l)
				return
			}
			fmt.Fprintln(out, renderLine(l))
		})
		if err := run(svc, cmd.Context(), project, sink); err != nil {
			return err
		}
		if !opts.jsonOutput {
			fmt.Fprintln(out, renderDone(project))
		}
		return nil
	})
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <project>",
		Short: "Report known vulnerabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(opts, func(svc *service.Service) error {
				result, err := svc.RunAudit(cmd.Context(), project)
				if err != nil {
					return err
				}
				return emit(cmd, opts, result, func() string {
					return renderAudit(project, result)
				})
			})
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find a package across every project in a workspace",
		Long: `Fuzzy-match package names across every project under a workspace root.

Examples:
  depdeck search react --root ~/code
  depdeck search lodsh`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(svc *service.Service) error {
				var rootArgs []string
				if root != "" {
					rootArgs = []string{root}
				}
				dir, err := workspaceRoot(svc, rootArgs)
				if err != nil {
					return err
				}

				results, err := svc.SearchPackages(cmd.Context(), dir, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, opts, results, func() string {
					return renderSearch(args[0], results)
				})
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "workspace root (default: last scanned workspace)")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "history <project> <package>",
		Short: "Show the recorded version changes of a package",
		Long: `Show the recorded version changes of a package, oldest first.

Examples:
  depdeck history . react
  depdeck history . react --note "pinned until the codemod lands"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(opts, func(svc *service.Service) error {
				if cmd.Flags().Changed("note") {
					if err := svc.UpdateLastNote(project, args[1], note); err != nil {
						return err
					}
				}
				entries := svc.History(project, args[1])
				if entries == nil {
					entries = []history.Entry{}
				}
				return emit(cmd, opts, entries, func() string {
					return renderHistory(args[1], entries)
				})
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "replace the note of the latest entry")
	return cmd
}
