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

// Package cargosave is the facade wiring every subsystem together into
// the operations described in spec §6: RunBuild, Query, List, Clean,
// Stats, Invalidate, Status, CacheKey, and Warm.
package cargosave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dlorenc/cargo-save/pkg/assemble"
	"github.com/dlorenc/cargo-save/pkg/buildrunner"
	"github.com/dlorenc/cargo-save/pkg/cachestore"
	"github.com/dlorenc/cargo-save/pkg/fingerprint"
	"github.com/dlorenc/cargo-save/pkg/invalidate"
	"github.com/dlorenc/cargo-save/pkg/logquery"
	"github.com/dlorenc/cargo-save/pkg/model"
	"github.com/dlorenc/cargo-save/pkg/workspaceprobe"
)

// App wires together every subsystem. Construct once per invocation
// with New and reuse across calls within a process.
type App struct {
	Store       *cachestore.Store
	Fingerprint *fingerprint.Fingerprinter
	Invalidate  *invalidate.Engine
	Runner      *buildrunner.Runner
}

// New opens the cache store at baseDir and wires the remaining
// subsystems against it.
func New(baseDir string) (*App, error) {
	store, err := cachestore.Open(baseDir)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	return &App{
		Store:       store,
		Fingerprint: fingerprint.New(),
		Invalidate:  invalidate.New(store),
		Runner:      buildrunner.New(store),
	}, nil
}

// planContext bundles everything computed from a workspace snapshot
// needed by both RunBuild and Warm.
type planContext struct {
	snapshot     model.WorkspaceSnapshot
	commandHash  string
	envHash      string
	featuresHash string
	profile      model.Profile
	changed      []string
}

func (a *App) plan(ctx context.Context, workspaceRoot, subcommand string, args []string) (planContext, error) {
	info, err := workspaceprobe.Probe(ctx, workspaceRoot)
	if err != nil {
		return planContext{}, fmt.Errorf("probing workspace: %w", err)
	}

	featuresHash := assemble.FeaturesHash(args)
	snapshot, err := assemble.ComputeWorkspaceState(ctx, info.Root, info.Members, a.Fingerprint, featuresHash)
	if err != nil {
		return planContext{}, fmt.Errorf("computing workspace state: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = workspaceRoot
	}
	commandHash := assemble.CommandHash(subcommand, args, cwd)
	env, err := assemble.LoadWorkspaceEnvFile(info.Root, currentEnv())
	if err != nil {
		return planContext{}, fmt.Errorf("loading %s: %w", assemble.EnvFileName, err)
	}
	envHash := assemble.EnvHash(env)
	profile := assemble.Profile(args)

	var changed []string
	if !buildrunner.IsBypass(subcommand) {
		changed = a.Invalidate.Plan(invalidate.Request{
			Snapshot:     snapshot,
			CommandHash:  commandHash,
			EnvHash:      envHash,
			Profile:      profile,
			FeaturesHash: featuresHash,
		})
	}

	return planContext{
		snapshot:     snapshot,
		commandHash:  commandHash,
		envHash:      envHash,
		featuresHash: featuresHash,
		profile:      profile,
		changed:      changed,
	}, nil
}

func currentEnv() map[string]string {
	out := make(map[string]string, len(assemble.FixedEnvVars))
	for _, name := range assemble.FixedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			out[name] = v
		}
	}
	return out
}

// RunBuild invokes THE BUILD TOOL with caching for subcommand/args in
// workspaceRoot.
func (a *App) RunBuild(ctx context.Context, workspaceRoot, subcommand string, args []string) (buildrunner.Result, error) {
	p, err := a.plan(ctx, workspaceRoot, subcommand, args)
	if err != nil {
		return buildrunner.Result{}, err
	}
	return a.Runner.Run(ctx, buildrunner.Request{
		Subcommand:   subcommand,
		Args:         args,
		Snapshot:     p.snapshot,
		Profile:      p.profile,
		EnvHash:      p.envHash,
		CommandHash:  p.commandHash,
		FeaturesHash: p.featuresHash,
		ChangedNames: p.changed,
	})
}

// Warm computes the current snapshot and reports which packages would
// rebuild, without invoking THE BUILD TOOL.
func (a *App) Warm(ctx context.Context, workspaceRoot string, args []string) ([]string, error) {
	p, err := a.plan(ctx, workspaceRoot, "build", args)
	if err != nil {
		return nil, err
	}
	return p.changed, nil
}

// Status returns the current WorkspaceSnapshot for reporting.
func (a *App) Status(ctx context.Context, workspaceRoot string) (model.WorkspaceSnapshot, error) {
	info, err := workspaceprobe.Probe(ctx, workspaceRoot)
	if err != nil {
		return model.WorkspaceSnapshot{}, fmt.Errorf("probing workspace: %w", err)
	}
	return assemble.ComputeWorkspaceState(ctx, info.Root, info.Members, a.Fingerprint, "")
}

// CacheKey emits a CI cache key of the form
// "cargo-save-<platform>-<toolchain_hash[:16]>".
func (a *App) CacheKey(ctx context.Context, platform string) string {
	hash := assemble.ToolchainHash(ctx)
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return fmt.Sprintf("cargo-save-%s-%s", platform, hash)
}

// Query runs one log-query selector against the resolved log.
func (a *App) Query(mode, param, explicitID string, last int) ([]string, error) {
	buildID, err := logquery.ResolveBuildID(a.Store, explicitID, last)
	if err != nil {
		return nil, err
	}
	switch mode {
	case "head":
		n, err := parsePositiveInt(param, "head")
		if err != nil {
			return nil, err
		}
		return logquery.Head(a.Store, buildID, n)
	case "tail":
		n, err := parsePositiveInt(param, "tail")
		if err != nil {
			return nil, err
		}
		return logquery.Tail(a.Store, buildID, n)
	case "range":
		lo, hi, err := logquery.ParseRange(param)
		if err != nil {
			return nil, err
		}
		return logquery.Range(a.Store, buildID, lo, hi)
	case "grep":
		return logquery.Grep(a.Store, buildID, param)
	case "errors":
		return logquery.Errors(a.Store, buildID)
	case "warnings":
		return logquery.Warnings(a.Store, buildID)
	case "all":
		return logquery.All(a.Store, buildID)
	default:
		return nil, fmt.Errorf("logquery: unknown mode %q", mode)
	}
}

func parsePositiveInt(s, flag string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: expected a positive integer, got %q", flag, s)
	}
	return n, nil
}

// List enumerates stored BuildRecords, optionally filtered to one
// workspace root.
func (a *App) List(workspaceFilter string) ([]model.BuildRecord, error) {
	return a.Store.ListBuildRecords(workspaceFilter)
}

// CleanOptions configures a Clean invocation.
type CleanOptions struct {
	Days    int
	KeepN   int
	Force   bool
	Confirm func(count int) bool
}

// Clean prunes stored logs per opts.
func (a *App) Clean(opts CleanOptions) (int, error) {
	if opts.KeepN > 0 {
		confirm := opts.Confirm
		if opts.Force {
			confirm = nil
		}
		return a.Store.PruneKeepLast(opts.KeepN, confirm)
	}
	days := opts.Days
	if days <= 0 {
		days = 7
	}
	return a.Store.PruneOlderThan(days)
}

// Stats reports on-disk cache size and record counts.
type Stats struct {
	LogCount      int
	BuildRecords  int
	PackageRecord int
	TotalBytes    int64
}

// Stats walks the cache directory and reports aggregate size.
func (a *App) Stats() (Stats, error) {
	logs, err := a.Store.ListLogs()
	if err != nil {
		return Stats{}, err
	}
	builds, err := a.Store.ListBuildRecords("")
	if err != nil {
		return Stats{}, err
	}

	var total int64
	err = filepath.WalkDir(a.Store.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	packageRecords := 0
	entries, err := os.ReadDir(filepath.Join(a.Store.Root(), "incremental"))
	if err == nil {
		packageRecords = len(entries)
	}

	return Stats{
		LogCount:      len(logs),
		BuildRecords:  len(builds),
		PackageRecord: packageRecords,
		TotalBytes:    total,
	}, nil
}

// Invalidate removes PackageCacheRecords by name, or all of them.
func (a *App) Invalidate(names []string, all bool) (int, error) {
	if all {
		return a.Store.InvalidateAll()
	}
	return a.Store.InvalidateByPackageNames(names)
}

// SnapshotAge reports how stale a WorkspaceSnapshot is relative to now,
// for `status` reporting.
func SnapshotAge(snapshot model.WorkspaceSnapshot) time.Duration {
	return time.Since(snapshot.CapturedAt)
}
