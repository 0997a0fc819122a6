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

// Package workspaceprobe implements WorkspaceProbe (spec §4.D): it
// invokes THE BUILD TOOL's metadata command and returns the workspace
// root, its member packages, and each member's workspace-local
// dependencies.
package workspaceprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
)

// Member is one workspace-member package as reported by the metadata
// command.
type Member struct {
	Name          string
	Version       string
	ManifestDir   string
	WorkspaceDeps []string
}

// Info is the result of probing a workspace.
type Info struct {
	Root    string
	Members []Member
}

// rawMetadata mirrors the subset of `cargo metadata --format-version 1`
// JSON this probe needs.
type rawMetadata struct {
	WorkspaceRoot    string    `json:"workspace_root"`
	WorkspaceMembers []string  `json:"workspace_members"`
	Packages         []rawPkg  `json:"packages"`
}

type rawPkg struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	ID           string       `json:"id"`
	ManifestPath string       `json:"manifest_path"`
	Dependencies []rawPkgDep  `json:"dependencies"`
}

type rawPkgDep struct {
	Name string `json:"name"`
}

// Probe invokes the metadata command in workspaceDir and returns the
// parsed workspace. Failure of the metadata command is fatal for the
// invocation, per spec §4.D.
func Probe(ctx context.Context, workspaceDir string) (*Info, error) {
	cmd := exec.CommandContext(ctx, "cargo", "metadata", "--format-version", "1", "--no-deps")
	cmd.Dir = workspaceDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cargo metadata failed: %w: %s", err, stderr.String())
	}

	return parseMetadata(stdout.Bytes())
}

func parseMetadata(data []byte) (*Info, error) {
	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing cargo metadata output: %w", err)
	}

	byID := make(map[string]rawPkg, len(raw.Packages))
	workspaceNames := make(map[string]bool, len(raw.WorkspaceMembers))
	for _, p := range raw.Packages {
		byID[p.ID] = p
	}
	for _, id := range raw.WorkspaceMembers {
		if p, ok := byID[id]; ok {
			workspaceNames[p.Name] = true
		}
	}

	members := make([]Member, 0, len(raw.WorkspaceMembers))
	for _, id := range raw.WorkspaceMembers {
		p, ok := byID[id]
		if !ok {
			continue
		}
		var deps []string
		for _, d := range p.Dependencies {
			if workspaceNames[d.Name] && d.Name != p.Name {
				deps = append(deps, d.Name)
			}
		}
		sort.Strings(deps)
		members = append(members, Member{
			Name:          p.Name,
			Version:       p.Version,
			ManifestDir:   filepath.Dir(p.ManifestPath),
			WorkspaceDeps: deps,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	return &Info{Root: raw.WorkspaceRoot, Members: members}, nil
}
