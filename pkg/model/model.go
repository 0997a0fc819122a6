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

// Package model holds the data types shared across cargo-save: the
// in-memory snapshot types produced fresh on every invocation, and the
// on-disk record types persisted by the cache store.
package model

import (
	"fmt"
	"strings"
	"time"

	purl "github.com/package-url/packageurl-go"
)

// Profile is the build profile, part of a CompositeKey.
type Profile string

const (
	ProfileDebug   Profile = "debug"
	ProfileRelease Profile = "release"
)

// RepoFeatures describes the boolean capabilities of the source-control
// repository containing a package, as detected by pkg/reposcan.
type RepoFeatures struct {
	HasSubmodules         bool `json:"has_submodules"`
	IsSparseCheckout      bool `json:"is_sparse_checkout"`
	IsWorktree            bool `json:"is_worktree"`
	HasLargeFileExtension bool `json:"has_large_file_extension"`
	IsShallow             bool `json:"is_shallow"`

	// ControlDir and WorktreeRoot are private to SourceFingerprinter: they
	// locate the on-disk control directory and, for linked worktrees, the
	// worktree root that steps 1-2 of the repo-aware strategy must run
	// from instead of the raw package path.
	ControlDir   string `json:"-"`
	WorktreeRoot string `json:"-"`
}

// PackageFingerprint is the identity of one workspace package at one
// snapshot. Immutable once produced by SourceFingerprinter.
type PackageFingerprint struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	ManifestDir   string   `json:"manifest_dir"`
	SourceHash    string   `json:"source_hash"`
	WorkspaceDeps []string `json:"workspace_deps"`
	FeaturesHash  string   `json:"features_hash"`
}

// PackageURL renders a diagnostic purl identity for this package,
// reusing the same SBOM-identity convention the teacher uses for build
// artifacts (pkg:<type>/<name>@<version>).
func (p PackageFingerprint) PackageURL() string {
	instance := purl.NewPackageURL("cargo", "", p.Name, p.Version, nil, "")
	return instance.ToString()
}

// WorkspaceSnapshot is the identity of the whole workspace at one
// snapshot. Immutable once produced.
type WorkspaceSnapshot struct {
	Root          string               `json:"root"`
	Packages      []PackageFingerprint `json:"packages"`
	LockHash      string               `json:"lock_hash"`
	ToolchainHash string               `json:"toolchain_hash"`
	RepoFeatures  *RepoFeatures        `json:"repo_features,omitempty"`
	CapturedAt    time.Time            `json:"captured_at"`
}

// PackageByName returns the package fingerprint for name, if present.
func (w WorkspaceSnapshot) PackageByName(name string) (PackageFingerprint, bool) {
	for _, p := range w.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return PackageFingerprint{}, false
}

// CompositeKey is the full invalidation key for one package/build.
type CompositeKey struct {
	PackageName  string  `json:"package_name"`
	SourceHash16 string  `json:"source_hash_16"`
	CommandHash  string  `json:"command_hash"`
	EnvHash      string  `json:"env_hash"`
	Profile      Profile `json:"profile"`
	FeaturesHash string  `json:"features_hash"`
}

// NewCompositeKey builds a CompositeKey, truncating sourceHash to its
// first 16 hex characters as required by spec.
func NewCompositeKey(packageName, sourceHash, commandHash, envHash string, profile Profile, featuresHash string) CompositeKey {
	sh := sourceHash
	if len(sh) > 16 {
		sh = sh[:16]
	}
	return CompositeKey{
		PackageName:  packageName,
		SourceHash16: sh,
		CommandHash:  commandHash,
		EnvHash:      envHash,
		Profile:      profile,
		FeaturesHash: featuresHash,
	}
}

// Render returns the dash-joined on-disk filename stem for this key
// (without directory or extension).
func (k CompositeKey) Render() string {
	return strings.Join([]string{
		sanitize(k.PackageName),
		k.SourceHash16,
		k.CommandHash,
		k.EnvHash,
		string(k.Profile),
		k.FeaturesHash,
	}, "-")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// ArtifactEntry is one (path, size) pair in a PackageCacheRecord's
// artifact manifest.
type ArtifactEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// PackageCacheRecord is a persisted artifact-presence record for one
// successful build of one package under one CompositeKey.
type PackageCacheRecord struct {
	CompositeKey

	LockHash         string          `json:"lock_hash"`
	ArtifactManifest []ArtifactEntry `json:"artifact_manifest"`
	BuiltAt          time.Time       `json:"built_at"`
	DurationMS       int64           `json:"duration_ms"`
	BuildSuccess     bool            `json:"build_success"`
}

// BuildRecord is one invocation of THE BUILD TOOL across the workspace.
type BuildRecord struct {
	BuildID    string            `json:"build_id"`
	Subcommand string            `json:"subcommand"`
	Args       []string          `json:"args"`
	Snapshot   WorkspaceSnapshot `json:"snapshot"`
	Profile    Profile           `json:"profile"`
	ExitCode   *int              `json:"exit_code"`
	LineCount  int               `json:"line_count"`
	DurationMS int64             `json:"duration_ms"`
	EnvHash    string            `json:"env_hash"`
}

// BuildID derives a build identifier from a capture time and a short
// command hash, e.g. "20260729T120000Z-ab12cd34ef56ab12".
func BuildID(t time.Time, commandHash string) string {
	return fmt.Sprintf("%s-%s", t.UTC().Format("20060102T150405Z"), commandHash)
}
