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

// Package depgraph builds the forward/reverse adjacency over a
// workspace's packages (spec §4.F). It is derived from a
// WorkspaceSnapshot on every invocation and never persisted.
package depgraph

import "github.com/dlorenc/cargo-save/pkg/model"

// Graph is forward (dependencies) and reverse (dependents) adjacency
// over workspace package names.
type Graph struct {
	forward map[string][]string
	reverse map[string][]string
}

// Build constructs a Graph in one pass over snapshot. O(V·E) in this
// trivial implementation, which spec §4.F accepts for small workspaces.
func Build(snapshot model.WorkspaceSnapshot) *Graph {
	g := &Graph{
		forward: make(map[string][]string, len(snapshot.Packages)),
		reverse: make(map[string][]string, len(snapshot.Packages)),
	}
	for _, p := range snapshot.Packages {
		g.forward[p.Name] = append([]string(nil), p.WorkspaceDeps...)
	}
	for _, p := range snapshot.Packages {
		for _, dep := range p.WorkspaceDeps {
			g.reverse[dep] = append(g.reverse[dep], p.Name)
		}
	}
	return g
}

// Dependencies returns the workspace-local dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return g.forward[name]
}

// Dependents returns the workspace-local packages that depend on name.
func (g *Graph) Dependents(name string) []string {
	return g.reverse[name]
}
