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

// Package assemble implements FingerprintAssembler (spec §4.E): pure
// functions over inputs already gathered, plus the bounded-parallel
// per-package fingerprinting pass that produces a WorkspaceSnapshot with
// a deterministic package order.
package assemble

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dlorenc/cargo-save/internal/hashx"
	"github.com/dlorenc/cargo-save/pkg/fingerprint"
	"github.com/dlorenc/cargo-save/pkg/model"
	"github.com/dlorenc/cargo-save/pkg/reposcan"
	"github.com/dlorenc/cargo-save/pkg/workspaceprobe"
)

// EnvFileName is the optional dotenv file read from the workspace root
// before computing env_hash, so a workspace can pin values from
// FixedEnvVars without exporting them in the parent shell - adapted
// from the teacher's own --env-file/godotenv.Read convention
// (pkg/config/config.go).
const EnvFileName = ".cargo-save.env"

// LoadWorkspaceEnvFile reads EnvFileName from workspaceRoot, if present,
// and overlays it under the process environment: process-environment
// values win, matching the teacher's own "overlay the environment in
// the YAML on top as override" precedence for the parent shell's
// exported variables. A missing file is not an error.
func LoadWorkspaceEnvFile(workspaceRoot string, processEnv map[string]string) (map[string]string, error) {
	path := filepath.Join(workspaceRoot, EnvFileName)
	fileEnv, err := godotenv.Read(path)
	if os.IsNotExist(err) {
		return processEnv, nil
	}
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(fileEnv)+len(processEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range processEnv {
		merged[k] = v
	}
	return merged, nil
}

// NoLockFile is fed into the lock hash when no lockfile exists.
const NoLockFile = "no-lock-file"

// FixedEnvVars is the closed set of environment variables that feed
// env_hash, in fixed declaration order (spec §6).
var FixedEnvVars = []string{
	"RUSTFLAGS",
	"RUSTDOCFLAGS",
	"CARGO_TARGET_DIR",
	"CARGO_HOME",
	"CARGO_NET_OFFLINE",
	"CARGO_BUILD_JOBS",
	"CARGO_BUILD_TARGET",
	"CARGO_BUILD_RUSTFLAGS",
	"CARGO_INCREMENTAL",
	"CARGO_PROFILE_DEV_DEBUG",
	"CARGO_PROFILE_RELEASE_DEBUG",
	"CARGO_PROFILE_RELEASE_OPT_LEVEL",
	"CARGO_PROFILE_RELEASE_LTO",
	"CC",
	"CXX",
	"AR",
	"LINKER",
}

// ToolchainHash hashes the `--version` stdouts of cargo and rustc. A
// tool that fails or exits non-zero contributes nothing.
func ToolchainHash(ctx context.Context) string {
	h := hashx.New()
	for _, tool := range []string{"cargo", "rustc"} {
		out, err := exec.CommandContext(ctx, tool, "--version").Output()
		if err != nil {
			continue
		}
		h.UpdateString(tool)
		h.UpdateString("\x00")
		h.Update(out)
		h.UpdateString("\x00")
	}
	return h.Finalize()
}

// LockHash hashes the workspace lockfile's bytes, or the literal
// NoLockFile string if it doesn't exist.
func LockHash(workspaceRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(workspaceRoot, "Cargo.lock"))
	if os.IsNotExist(err) {
		return hashx.Strings(NoLockFile), nil
	}
	if err != nil {
		return "", err
	}
	return hashx.Bytes(data), nil
}

// EnvHash hashes the present subset of FixedEnvVars, in their fixed
// order, feeding name then value for each present variable.
func EnvHash(environ map[string]string) string {
	h := hashx.New()
	for _, name := range FixedEnvVars {
		v, ok := environ[name]
		if !ok {
			continue
		}
		h.UpdateString(name)
		h.UpdateString("\x00")
		h.UpdateString(v)
		h.UpdateString("\x00")
	}
	return h.Finalize()
}

// FeaturesHash scans args for feature-selection flags in scan order.
// The two --features syntaxes ("--features X" and "--features=X")
// produce identical hashes for identical values.
func FeaturesHash(args []string) string {
	h := hashx.New()
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--features" && i+1 < len(args):
			h.UpdateString("--features=")
			h.UpdateString(args[i+1])
			h.UpdateString("\n")
			i++
		case strings.HasPrefix(a, "--features="):
			h.UpdateString(a)
			h.UpdateString("\n")
		case a == "--all-features":
			h.UpdateString(a)
			h.UpdateString("\n")
		case a == "--no-default-features":
			h.UpdateString(a)
			h.UpdateString("\n")
		}
	}
	return h.Finalize()
}

// CommandHash hashes (subcommand, args joined by a single space, cwd),
// truncated to 16 hex chars for embedding in CompositeKey filenames.
func CommandHash(subcommand string, args []string, cwd string) string {
	return hashx.ShortStrings(subcommand, strings.Join(args, " "), cwd)
}

// IsRelease reports whether args select the release profile.
func IsRelease(args []string) bool {
	for _, a := range args {
		if a == "--release" || strings.HasPrefix(a, "--release") {
			return true
		}
	}
	return false
}

// Profile returns the build profile implied by args.
func Profile(args []string) model.Profile {
	if IsRelease(args) {
		return model.ProfileRelease
	}
	return model.ProfileDebug
}

// ResolveTargetDir resolves the build tool's output directory by
// precedence: the first "--target-dir PATH" or "--target-dir=PATH" in
// args > CARGO_TARGET_DIR env var > unset.
func ResolveTargetDir(args []string, environ map[string]string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--target-dir" && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, "--target-dir=") {
			return strings.TrimPrefix(a, "--target-dir="), true
		}
	}
	if v, ok := environ["CARGO_TARGET_DIR"]; ok && v != "" {
		return v, true
	}
	return "", false
}

// maxParallelFingerprints bounds the fingerprinting worker pool (spec §5:
// "a bounded work-stealing pool used only for per-package
// fingerprinting").
const maxParallelFingerprints = 8

// ComputeWorkspaceState fingerprints every member in parallel (bounded)
// and assembles the full WorkspaceSnapshot. The returned Packages slice
// preserves members' enumeration order regardless of which goroutine
// finishes first.
func ComputeWorkspaceState(ctx context.Context, workspaceRoot string, members []workspaceprobe.Member, fp *fingerprint.Fingerprinter, featuresHash string) (model.WorkspaceSnapshot, error) {
	repoFeatures, probeErr := reposcan.Probe(ctx, workspaceRoot)
	if probeErr != nil {
		repoFeatures = nil
	}

	results := make([]model.PackageFingerprint, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFingerprints)

	for i, m := range members {
		g.Go(func() error {
			repoRootForHash := workspaceRoot
			if repoFeatures != nil && !repoFeatures.IsWorktree {
				repoRootForHash = filepath.Dir(repoFeatures.ControlDir)
			}
			sourceHash, err := fp.SourceHash(gctx, m.ManifestDir, repoRootForHash, repoFeatures)
			if err != nil {
				return err
			}
			results[i] = model.PackageFingerprint{
				Name:          m.Name,
				Version:       m.Version,
				ManifestDir:   m.ManifestDir,
				SourceHash:    sourceHash,
				WorkspaceDeps: m.WorkspaceDeps,
				FeaturesHash:  featuresHash,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.WorkspaceSnapshot{}, err
	}

	lockHash, err := LockHash(workspaceRoot)
	if err != nil {
		return model.WorkspaceSnapshot{}, err
	}

	return model.WorkspaceSnapshot{
		Root:          workspaceRoot,
		Packages:      results,
		LockHash:      lockHash,
		ToolchainHash: ToolchainHash(ctx),
		RepoFeatures:  repoFeatures,
		CapturedAt:    time.Now().UTC(),
	}, nil
}
