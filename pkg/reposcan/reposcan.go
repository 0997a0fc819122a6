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

// Package reposcan detects source-control repository features at a
// filesystem path (RepoProbe, spec §4.B) and lists the inputs
// SourceFingerprinter needs from the repository: the tracked tree at
// HEAD, working-tree status, submodule status, sparse-checkout patterns,
// and the shallow marker.
package reposcan

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/dlorenc/cargo-save/pkg/model"
)

// ErrNotARepo is returned by Probe when path is not inside a source
// control repository. Every other probe failure degrades the relevant
// RepoFeatures flag to false instead of returning an error.
var ErrNotARepo = errors.New("reposcan: not in a repo")

// TrackedEntry is one line of the tracked-tree listing at HEAD, scoped
// to a package path.
type TrackedEntry struct {
	Path string
	Hash string
}

// StatusEntry is one line of working-tree status, scoped to a package
// path.
type StatusEntry struct {
	Path     string
	Worktree byte
	Staging  byte
}

// Probe detects RepoFeatures for the repository enclosing path. It never
// returns an error for individual optional-feature probes failing -
// those degrade their flag to false - but returns ErrNotARepo if path is
// not inside a repository at all.
func Probe(ctx context.Context, path string) (*model.RepoFeatures, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil, ErrNotARepo
	}

	controlDir, worktreeRoot, isWorktree := locateControlDir(path)
	if controlDir == "" {
		return nil, ErrNotARepo
	}

	f := &model.RepoFeatures{
		ControlDir:   controlDir,
		WorktreeRoot: worktreeRoot,
		IsWorktree:   isWorktree,
	}

	f.IsShallow = fileExists(filepath.Join(controlDir, "shallow"))
	f.IsSparseCheckout = fileExists(filepath.Join(controlDir, "info", "sparse-checkout"))

	if wt, err := repo.Worktree(); err == nil {
		subs, err := wt.Submodules()
		f.HasSubmodules = err == nil && len(subs) > 0
	}

	f.HasLargeFileExtension = probeLFS(ctx, path)

	return f, nil
}

// locateControlDir walks up from path looking for a ".git" entry (a
// directory for a primary checkout, or a "gitdir: <path>" pointer file
// for a linked worktree). go-git intentionally hides the raw on-disk
// control directory path behind its billy.Filesystem storer
// abstraction, so this narrow lookup is done directly against the
// filesystem - see DESIGN.md.
func locateControlDir(start string) (controlDir, worktreeRoot string, isWorktree bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", "", false
	}

	for {
		candidate := filepath.Join(dir, ".git")
		info, statErr := os.Stat(candidate)
		if statErr == nil {
			if info.IsDir() {
				return candidate, "", false
			}
			// A .git file means this is a linked worktree; it contains
			// "gitdir: <path-to-worktree-private-dir>".
			data, readErr := os.ReadFile(candidate)
			if readErr != nil {
				return "", "", false
			}
			target := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			// is_worktree holds iff the control directory's last path
			// component is not the standard ".git" name (spec §4.B).
			return target, dir, filepath.Base(target) != ".git"
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", false
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// probeLFS reports whether the large-file extension is in use, by
// invoking the LFS status subcommand and checking for a zero exit.
// No pack dependency vendors a git-lfs client, and spec §4.B literally
// specifies running the subcommand, so this is the one place RepoProbe
// shells out rather than using go-git.
func probeLFS(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "lfs", "status")
	cmd.Dir = path
	return cmd.Run() == nil
}

// TrackedTree lists the tracked files at HEAD scoped to pkgPath
// (relative to the repository root), in tree order - the order go-git's
// tree walk produces, which is stable for an unchanged tree.
func TrackedTree(repoRoot, pkgPath string) ([]TrackedEntry, error) {
	repo, err := git.PlainOpenWithOptions(repoRoot, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(repoRoot, pkgPath)
	if err != nil {
		rel = pkgPath
	}
	rel = filepath.ToSlash(rel)

	var entries []TrackedEntry
	err = tree.Files().ForEach(func(f *object.File) error {
		if rel != "." && !strings.HasPrefix(f.Name, rel+"/") && f.Name != rel {
			return nil
		}
		entries = append(entries, TrackedEntry{Path: f.Name, Hash: f.Hash.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// WorktreeStatus returns the working-tree status scoped to pkgPath, in
// deterministic (sorted by path) order. go-git's Status is a map with no
// defined iteration order, so the caller-visible order here is imposed
// by this function, not go-git itself.
func WorktreeStatus(repoRoot, pkgPath string) ([]StatusEntry, error) {
	repo, err := git.PlainOpenWithOptions(repoRoot, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	st, err := wt.Status()
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(repoRoot, pkgPath)
	if err != nil {
		rel = pkgPath
	}
	rel = filepath.ToSlash(rel)

	var entries []StatusEntry
	for path, fs := range st {
		if rel != "." && !strings.HasPrefix(path, rel+"/") && path != rel {
			continue
		}
		entries = append(entries, StatusEntry{
			Path:     path,
			Worktree: byte(fs.Worktree),
			Staging:  byte(fs.Staging),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// SubmoduleStatusLines returns one deterministic line per submodule
// ("<hash> <path> (<branch>)"), sorted by path, for feeding into the
// fingerprint hash.
func SubmoduleStatusLines(repoRoot string) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(repoRoot, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	subs, err := wt.Submodules()
	if err != nil {
		return nil, err
	}

	type line struct {
		path, text string
	}
	lines := make([]line, 0, len(subs))
	for _, s := range subs {
		cfg := s.Config()
		status, statusErr := s.Status()
		hash := "unknown"
		if statusErr == nil && status != nil {
			hash = status.Current.String()
		}
		lines = append(lines, line{
			path: cfg.Path,
			text: hash + " " + cfg.Path + " (" + cfg.Branch + ")",
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].path < lines[j].path })

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return out, nil
}

// SparsePatterns reads non-empty, non-comment lines from the
// info/sparse-checkout file inside controlDir, in file order.
func SparsePatterns(controlDir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(controlDir, "info", "sparse-checkout"))
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		patterns = append(patterns, trimmed)
	}
	return patterns, nil
}

// ShallowFileBytes reads the shallow marker file's bytes.
func ShallowFileBytes(controlDir string) ([]byte, error) {
	return os.ReadFile(filepath.Join(controlDir, "shallow"))
}
