// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cargo-save is a caching wrapper around cargo: it decides
// which workspace packages actually need rebuilding, invokes cargo
// only for those, and persists the result so identical invocations can
// skip work entirely.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/dlorenc/cargo-save/pkg/cachestore"
	"github.com/dlorenc/cargo-save/pkg/cargosave"
)

func main() {
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		os.Exit(1)
	}
}

func newApp() (*cargosave.App, error) {
	return cargosave.New(cachestore.ResolveBaseDir())
}

func workspaceRoot() (string, error) {
	return os.Getwd()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cargo-save",
		Short:         "A caching wrapper around cargo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		saveCmd(),
		queryCmd(),
		listCmd(),
		cleanCmd(),
		statsCmd(),
		invalidateCmd(),
		statusCmd(),
		cacheKeyCmd(),
		warmCmd(),
	)
	for _, subcommand := range directFormSubcommands {
		root.AddCommand(directFormCmd(subcommand))
	}
	return root
}

// directFormSubcommands are the cargo subcommands reachable both as
// "cargo-save save <subcommand>" and directly as "cargo-save
// <subcommand>" (spec §6). "clean" is deliberately excluded here: the
// CLI's own top-level "clean" is the cache-pruning command, so cargo's
// own clean (a bypass subcommand in its own right) is only reachable
// through the explicit "save clean" form to avoid the name collision.
var directFormSubcommands = []string{
	"build", "check", "clippy", "test", "update", "new", "init",
}

func directFormCmd(subcommand string) *cobra.Command {
	return &cobra.Command{
		Use:                subcommand + " [args...]",
		Short:              "Run cargo " + subcommand + " with caching",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCached(cmd.Context(), subcommand, args)
		},
	}
}

// saveCmd implements the explicit "save <subcommand>" form. The
// direct-form subcommands (directFormCmd) share the same runCached path.
func saveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "save <subcommand> [args...]",
		Short:              "Run a cargo subcommand with caching",
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCached(cmd.Context(), args[0], args[1:])
		},
	}
	return cmd
}

func runCached(ctx context.Context, subcommand string, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	root, err := workspaceRoot()
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}
	result, err := app.RunBuild(ctx, root, subcommand, args)
	if err != nil {
		return err
	}
	if result.ExitCode != nil && *result.ExitCode != 0 {
		os.Exit(*result.ExitCode)
	}
	return nil
}

func queryCmd() *cobra.Command {
	var explicitID string
	var last int
	cmd := &cobra.Command{
		Use:   "query <mode> [param]",
		Short: "Query a stored build log",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			param := ""
			if len(args) == 2 {
				param = args[1]
			}
			app, err := newApp()
			if err != nil {
				return err
			}
			lines, err := app.Query(mode, param, explicitID, last)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&explicitID, "id", "", "explicit build id to query")
	cmd.Flags().IntVar(&last, "last", 0, "query the Nth most recent log")
	return cmd
}

func listCmd() *cobra.Command {
	var verbose bool
	var workspace string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate stored build records",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			records, err := app.List(workspace)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if verbose {
					exitCode := "-"
					if rec.ExitCode != nil {
						exitCode = fmt.Sprint(*rec.ExitCode)
					}
					fmt.Printf("%s\t%s\t%s\t%dms\n", rec.BuildID, rec.Subcommand, exitCode, rec.DurationMS)
				} else {
					fmt.Println(rec.BuildID)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print subcommand, exit code, and duration")
	cmd.Flags().StringVar(&workspace, "workspace", "", "filter to one workspace root")
	return cmd
}

func cleanCmd() *cobra.Command {
	var days int
	var keep int
	var force bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Prune stored logs and records",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			removed, err := app.Clean(cargosave.CleanOptions{
				Days:  days,
				KeepN: keep,
				Force: force,
				Confirm: func(count int) bool {
					fmt.Fprintf(os.Stderr, "remove %d log(s)? [y/N] ", count)
					var answer string
					fmt.Scanln(&answer) //nolint:errcheck
					return answer == "y" || answer == "Y"
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("removed %d log(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "remove logs older than this many days")
	cmd.Flags().IntVar(&keep, "keep", 0, "keep only the N most recent logs")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report cache size and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			stats, err := app.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("logs:              %d\n", stats.LogCount)
			fmt.Printf("build records:     %d\n", stats.BuildRecords)
			fmt.Printf("package records:   %d\n", stats.PackageRecord)
			fmt.Printf("total size:        %d bytes\n", stats.TotalBytes)
			return nil
		},
	}
}

func invalidateCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "invalidate [names...]",
		Short: "Remove package cache records",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			removed, err := app.Invalidate(args, all)
			if err != nil {
				return err
			}
			fmt.Printf("invalidated %d record(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "invalidate every package cache record")
	return cmd
}

func statusCmd() *cobra.Command {
	var showHashes bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current workspace snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			snapshot, err := app.Status(cmd.Context(), root)
			if err != nil {
				return err
			}
			fmt.Printf("workspace: %s\n", snapshot.Root)
			fmt.Printf("captured:  %s (age %s)\n", snapshot.CapturedAt, cargosave.SnapshotAge(snapshot).Round(1e9))
			for _, pkg := range snapshot.Packages {
				if showHashes {
					fmt.Printf("  %-24s %s source=%s features=%s\n", pkg.Name, pkg.PackageURL(), pkg.SourceHash, pkg.FeaturesHash)
				} else {
					fmt.Printf("  %s\n", pkg.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showHashes, "hashes", false, "include per-package hash values")
	return cmd
}

func cacheKeyCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "cache-key",
		Short: "Emit a CI cache key for the current toolchain",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			p := platform
			if p == "" {
				p = runtime.GOOS + "-" + runtime.GOARCH
			}
			fmt.Println(app.CacheKey(cmd.Context(), p))
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform label embedded in the cache key (default runtime.GOOS-GOARCH)")
	return cmd
}

func warmCmd() *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Report which packages would rebuild, without building",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			var warmArgs []string
			if release {
				warmArgs = append(warmArgs, "--release")
			}
			changed, err := app.Warm(cmd.Context(), root, warmArgs)
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				fmt.Println("all packages cached")
				return nil
			}
			for _, name := range changed {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "evaluate against the release profile")
	return cmd
}
