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

// Package buildrunner implements BuildRunner (spec §4.I): spawns THE
// BUILD TOOL, tees its output to the parent and to a log file, and
// commits cache records only on a clean exit of a non-bypass
// subcommand.
package buildrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/dlorenc/cargo-save/pkg/cachestore"
	"github.com/dlorenc/cargo-save/pkg/model"
)

// fastPathSubcommands may be skipped entirely when the changed set is
// empty. "test" is deliberately excluded: skipping it would silently
// report stale test results as green.
var fastPathSubcommands = map[string]bool{
	"build":  true,
	"check":  true,
	"clippy": true,
}

// bypassSubcommands never touch the incremental machinery: no changed
// set is computed for them and no records are written.
var bypassSubcommands = map[string]bool{
	"clean":  true,
	"update": true,
	"new":    true,
	"init":   true,
}

// IsBypass reports whether subcommand bypasses caching entirely.
func IsBypass(subcommand string) bool {
	return bypassSubcommands[subcommand]
}

// Request is one build invocation.
type Request struct {
	Subcommand   string
	Args         []string
	Snapshot     model.WorkspaceSnapshot
	Profile      model.Profile
	EnvHash      string
	CommandHash  string
	FeaturesHash string
	ChangedNames []string
	// Stdout/Stderr are the parent's output streams. Defaults to
	// os.Stdout/os.Stderr when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of one invocation (spec §4.I contract).
type Result struct {
	BuildID    string
	ExitCode   *int
	LineCount  int
	DurationMS int64
}

// Runner orchestrates one build invocation against a Store.
type Runner struct {
	store *cachestore.Store
}

// New builds a Runner persisting to store.
func New(store *cachestore.Store) *Runner {
	return &Runner{store: store}
}

// Run executes req end to end: fast-path skip, spawn, stream, wait,
// persist BuildRecord, and (on success) commit PackageCacheRecords.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	log := clog.FromContext(ctx)
	now := time.Now().UTC()
	buildID := model.BuildID(now, req.CommandHash)

	changed := req.ChangedNames
	bypass := IsBypass(req.Subcommand)
	if bypass {
		changed = nil
	}

	if !bypass && len(changed) == 0 && fastPathSubcommands[req.Subcommand] {
		log.Infof("all packages cached, skipping %s", req.Subcommand)
		zero := 0
		rec := model.BuildRecord{
			BuildID:    buildID,
			Subcommand: req.Subcommand,
			Args:       req.Args,
			Snapshot:   req.Snapshot,
			Profile:    req.Profile,
			ExitCode:   &zero,
			EnvHash:    req.EnvHash,
		}
		if err := r.store.PutBuildRecord(rec); err != nil {
			log.Warnf("failed to persist skipped build record: %v", err)
		}
		return Result{BuildID: buildID, ExitCode: &zero}, nil
	}

	logFile, err := os.Create(r.store.LogPath(buildID))
	if err != nil {
		return Result{}, fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close() //nolint:errcheck

	cmd := exec.CommandContext(ctx, "cargo", append([]string{req.Subcommand}, req.Args...)...)
	cmd.Dir = req.Snapshot.Root

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	parentStdout := req.Stdout
	if parentStdout == nil {
		parentStdout = os.Stdout
	}
	parentStderr := req.Stderr
	if parentStderr == nil {
		parentStderr = os.Stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawning %s: %w", req.Subcommand, err)
	}

	var lineCount atomic.Int64
	var logMu sync.Mutex

	writeLogLine := func(line string) {
		logMu.Lock()
		defer logMu.Unlock()
		fmt.Fprintln(logFile, line) //nolint:errcheck
	}

	teeStream := func(r io.Reader, out io.Writer) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		n := len(changed)
		k := 0
		for scanner.Scan() {
			line := scanner.Text()
			trimmed := strings.TrimSpace(line)
			if n > 0 && (strings.HasPrefix(trimmed, "Compiling ") || strings.HasPrefix(trimmed, "Building ")) {
				k++
				line = fmt.Sprintf("%s %s", line, color.New(color.FgCyan).Sprintf("[%d/%d]", k, n))
			}
			fmt.Fprintln(out, line) //nolint:errcheck
			writeLogLine(line)
			lineCount.Add(1)
		}
		return scanner.Err()
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return teeStream(stdoutPipe, parentStdout) })
	g.Go(func() error { return teeStream(stderrPipe, parentStderr) })
	streamErr := g.Wait()
	if streamErr != nil {
		log.Warnf("error streaming child output: %v", streamErr)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	var exitCode *int
	if waitErr == nil {
		zero := 0
		exitCode = &zero
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if exitErr.ProcessState != nil && exitErr.ProcessState.Exited() {
			code := exitErr.ProcessState.ExitCode()
			exitCode = &code
		}
		// A nil exitCode here means the child was signalled/killed
		// (spec §4.I step 4: "may be absent if signalled").
	} else {
		log.Warnf("failed to wait for child: %v", waitErr)
	}

	buildRecord := model.BuildRecord{
		BuildID:    buildID,
		Subcommand: req.Subcommand,
		Args:       req.Args,
		Snapshot:   req.Snapshot,
		Profile:    req.Profile,
		ExitCode:   exitCode,
		LineCount:  int(lineCount.Load()),
		DurationMS: duration.Milliseconds(),
		EnvHash:    req.EnvHash,
	}
	if err := r.store.PutBuildRecord(buildRecord); err != nil {
		log.Warnf("failed to persist build record: %v", err)
	}

	if exitCode != nil && *exitCode == 0 && !bypass {
		r.commitPackageRecords(ctx, req, changed, duration)
	}

	r.duplicateLogToWorkspace(ctx, req, buildID, now)

	return Result{
		BuildID:    buildID,
		ExitCode:   exitCode,
		LineCount:  int(lineCount.Load()),
		DurationMS: duration.Milliseconds(),
	}, nil
}

// commitPackageRecords implements spec §4.I step 6: artifact
// enumeration over two known target-dir subpaths, attributed to a
// package by whole path-component equality (a deliberate redesign from
// the source's substring match — see the resolved Open Question in the
// grounding ledger), with duration apportioned evenly.
func (r *Runner) commitPackageRecords(ctx context.Context, req Request, changed []string, duration time.Duration) {
	log := clog.FromContext(ctx)
	if len(changed) == 0 {
		return
	}
	perPackage := duration.Milliseconds() / int64(len(changed))

	targetDir := filepath.Join(req.Snapshot.Root, "target")
	artifactsByPackage := enumerateArtifacts(targetDir, changed)

	for _, pkg := range req.Snapshot.Packages {
		if !containsName(changed, pkg.Name) {
			continue
		}
		key := model.NewCompositeKey(pkg.Name, pkg.SourceHash, req.CommandHash, req.EnvHash, req.Profile, req.FeaturesHash)
		rec := model.PackageCacheRecord{
			CompositeKey:     key,
			LockHash:         req.Snapshot.LockHash,
			ArtifactManifest: artifactsByPackage[pkg.Name],
			BuiltAt:          time.Now().UTC(),
			DurationMS:       perPackage,
			BuildSuccess:     true,
		}
		if err := r.store.PutPackageRecord(rec); err != nil {
			// Per-package soft failure (spec §7): log and continue.
			log.Warnf("failed to save cache record for %q: %v", pkg.Name, err)
		}
	}
}

// enumerateArtifacts walks the two subpaths spec §4.I names (the
// per-package fingerprint directory at depth 2, and the shared
// dependency output directory at depth 1) and attributes each file to
// the changed package whose name appears as a whole path component.
func enumerateArtifacts(targetDir string, changed []string) map[string][]model.ArtifactEntry {
	result := make(map[string][]model.ArtifactEntry)
	subpaths := []string{
		filepath.Join(targetDir, ".fingerprint"),
		filepath.Join(targetDir, "deps"),
	}
	for _, sub := range subpaths {
		entries, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, e := range entries {
			full := filepath.Join(sub, e.Name())
			if e.IsDir() {
				if sub != subpaths[0] {
					// The deps directory is walked at depth 1 only.
					continue
				}
				nested, err := os.ReadDir(full)
				if err != nil {
					continue
				}
				for _, n := range nested {
					attributeArtifact(result, filepath.Join(full, n.Name()), changed)
				}
				continue
			}
			attributeArtifact(result, full, changed)
		}
	}
	return result
}

func attributeArtifact(result map[string][]model.ArtifactEntry, path string, changed []string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	for _, name := range changed {
		if pathHasComponent(path, name) {
			result[name] = append(result[name], model.ArtifactEntry{Path: path, SizeBytes: info.Size()})
			return
		}
	}
}

// pathHasComponent reports whether name equals some '-' or '_'
// delimited component of path's base name, rather than merely being a
// substring anywhere in the path. A leading "lib" on a component is
// ignored, so "libfoo-<hash>.rlib" belongs to "foo".
func pathHasComponent(path, name string) bool {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, sep := range []string{"-", "_"} {
		for _, part := range strings.Split(base, sep) {
			if part == name || strings.TrimPrefix(part, "lib") == name {
				return true
			}
		}
	}
	return base == name
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// duplicateLogToWorkspace implements spec §4.I step 7: best-effort,
// non-fatal copy of the raw log into the workspace for user inspection.
func (r *Runner) duplicateLogToWorkspace(ctx context.Context, req Request, buildID string, at time.Time) {
	log := clog.FromContext(ctx)
	root, err := filepath.Abs(req.Snapshot.Root)
	if err != nil {
		return
	}
	dir := filepath.Join(root, "build-logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debugf("skipping workspace log duplication: %v", err)
		return
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", at.Format("20060102T150405Z"), req.Subcommand))
	src, err := r.store.OpenLog(buildID)
	if err != nil {
		return
	}
	defer src.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		log.Debugf("skipping workspace log duplication: %v", err)
		return
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, src); err != nil {
		log.Debugf("workspace log duplication failed: %v", err)
	}
}
