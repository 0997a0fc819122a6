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

// Package fingerprint implements SourceFingerprinter (spec §4.C): for one
// package directory, produce a deterministic source_hash reflecting every
// input that could affect that package's build output.
package fingerprint

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/chainguard-dev/clog"

	"github.com/dlorenc/cargo-save/internal/hashx"
	"github.com/dlorenc/cargo-save/pkg/model"
	"github.com/dlorenc/cargo-save/pkg/reposcan"
)

// lfsPointerHeader is the canonical first line of a git-lfs pointer file.
const lfsPointerHeader = "version https://git-lfs.github.com/spec"

var lfsOIDPattern = regexp.MustCompile(`(?m)^oid sha256:([0-9a-f]{64})$`)

// fallbackExtensions are the file extensions walked by the fallback
// strategy.
var fallbackExtensions = map[string]bool{
	".rs":   true,
	".toml": true,
}

// skippedDirs are path components the fallback walk never descends into.
var skippedDirs = map[string]bool{
	"target":       true,
	".git":         true,
	"node_modules": true,
}

// Fingerprinter computes source hashes. It owns the process-wide
// "logged the fallback warning once" flag; a single instance should be
// shared across all parallel fingerprinting calls in one invocation.
type Fingerprinter struct {
	warned atomic.Bool
}

// New returns a Fingerprinter ready to be shared across goroutines.
func New() *Fingerprinter {
	return &Fingerprinter{}
}

// SourceHash computes the source_hash for the package at pkgDir. When
// repoRoot and features are non-nil, the repo-aware strategy (§4.C
// primary) is used; otherwise, or when the tracked-tree listing comes
// back empty, the fallback directory walk is used.
func (f *Fingerprinter) SourceHash(ctx context.Context, pkgDir, repoRoot string, features *model.RepoFeatures) (string, error) {
	if repoRoot != "" && features != nil {
		hash, tracked, err := f.repoAwareHash(pkgDir, repoRoot, features)
		if err != nil {
			return "", err
		}
		if tracked {
			return hash, nil
		}
	}
	return f.fallbackHash(ctx, pkgDir)
}

// repoAwareHash implements §4.C steps 1-6. The second return value
// reports whether the tracked-tree listing was non-empty; when it is
// empty the caller must fall back per spec (a repo with no tracked
// files for this package tells us nothing about its contents).
func (f *Fingerprinter) repoAwareHash(pkgDir, repoRoot string, features *model.RepoFeatures) (string, bool, error) {
	scanRoot := repoRoot
	scanPath := pkgDir
	if features.IsWorktree && features.WorktreeRoot != "" {
		scanRoot = features.WorktreeRoot
		scanPath = pkgDir
	}

	tracked, err := reposcan.TrackedTree(scanRoot, scanPath)
	if err != nil {
		return "", false, err
	}
	if len(tracked) == 0 {
		return "", false, nil
	}

	h := hashx.New()

	// Step 1: tracked-tree listing at HEAD.
	for _, e := range tracked {
		h.UpdateString(e.Path)
		h.UpdateString("\x00")
		h.UpdateString(e.Hash)
		h.UpdateString("\n")
	}

	// Step 2: working-tree status, porcelain form.
	status, err := reposcan.WorktreeStatus(scanRoot, scanPath)
	if err != nil {
		return "", false, err
	}
	for _, s := range status {
		h.Update([]byte{s.Staging, s.Worktree})
		h.UpdateString(" ")
		h.UpdateString(s.Path)
		h.UpdateString("\n")
	}

	// Step 3: for every modified path, feed (path, bytes), substituting
	// LFS pointer OIDs where applicable.
	for _, s := range status {
		full := filepath.Join(scanRoot, s.Path)
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			// File was deleted or is unreadable; its absence is already
			// captured by the status line above.
			continue
		}
		h.UpdateString(s.Path)
		if features.HasLargeFileExtension && looksLikeLFSPointer(data) {
			oid := lfsOID(data)
			h.UpdateString("LFS:")
			h.UpdateString(oid)
		} else {
			h.Update(data)
		}
	}

	// Step 4: submodules.
	if features.HasSubmodules {
		h.UpdateString("SUBMODULES:")
		lines, err := reposcan.SubmoduleStatusLines(scanRoot)
		if err != nil {
			return "", false, err
		}
		for _, l := range lines {
			h.UpdateString(l)
			h.UpdateString("\n")
		}
	}

	// Step 5: sparse checkout.
	if features.IsSparseCheckout {
		h.UpdateString("SPARSE:")
		patterns, err := reposcan.SparsePatterns(features.ControlDir)
		if err != nil {
			return "", false, err
		}
		for _, p := range patterns {
			h.UpdateString(p)
			h.UpdateString("\n")
		}
	}

	// Step 6: shallow clone.
	if features.IsShallow {
		h.UpdateString("SHALLOW_CLONE")
		data, err := reposcan.ShallowFileBytes(features.ControlDir)
		if err != nil {
			return "", false, err
		}
		h.Update(data)
	}

	return h.Finalize(), true, nil
}

// fallbackHash walks pkgDir directly, hashing every .rs/.toml file. It
// logs a process-lifetime warning the first time it is used.
func (f *Fingerprinter) fallbackHash(ctx context.Context, pkgDir string) (string, error) {
	if f.warned.CompareAndSwap(false, true) {
		clog.FromContext(ctx).Warnf("no usable repository found for %q, falling back to a directory walk for fingerprinting", pkgDir)
	}

	var paths []string
	err := filepath.WalkDir(pkgDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if fallbackExtensions[filepath.Ext(path)] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := hashx.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(pkgDir, p)
		if err != nil {
			rel = p
		}
		h.UpdateString(filepath.ToSlash(rel))
		h.Update(data)
	}
	return h.Finalize(), nil
}

func looksLikeLFSPointer(data []byte) bool {
	return strings.HasPrefix(string(data), lfsPointerHeader)
}

func lfsOID(data []byte) string {
	m := lfsOIDPattern.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return string(m[1])
}
