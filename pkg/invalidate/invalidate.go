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

// Package invalidate implements InvalidationEngine (spec §4.G): a
// direct per-package cache-hit check followed by transitive propagation
// over DependencyGraph.
package invalidate

import (
	"os"

	"github.com/dlorenc/cargo-save/pkg/cachestore"
	"github.com/dlorenc/cargo-save/pkg/depgraph"
	"github.com/dlorenc/cargo-save/pkg/model"
)

// Request bundles the inputs that determine one package's CompositeKey
// and cache eligibility.
type Request struct {
	Snapshot     model.WorkspaceSnapshot
	CommandHash  string
	EnvHash      string
	Profile      model.Profile
	FeaturesHash string
}

// Engine evaluates cache hits against a Store.
type Engine struct {
	store *cachestore.Store
}

// New builds an Engine reading from store.
func New(store *cachestore.Store) *Engine {
	return &Engine{store: store}
}

// Plan computes the ordered list of package names that must be rebuilt
// for req: a direct per-package hit/miss check, then transitive
// propagation over the workspace's dependency graph.
func (e *Engine) Plan(req Request) []string {
	changed := make(map[string]bool)
	order := make([]string, 0, len(req.Snapshot.Packages))

	for _, pkg := range req.Snapshot.Packages {
		if e.isCached(pkg, req) {
			continue
		}
		changed[pkg.Name] = true
		order = append(order, pkg.Name)
	}

	g := depgraph.Build(req.Snapshot)

	// Safety bound: |packages| passes is always enough for a correct
	// (acyclic) graph, and protects against a malformed one.
	for pass := 0; pass < len(req.Snapshot.Packages); pass++ {
		addedThisPass := false
		for _, pkg := range req.Snapshot.Packages {
			if changed[pkg.Name] {
				continue
			}
			for _, dep := range g.Dependencies(pkg.Name) {
				if changed[dep] {
					changed[pkg.Name] = true
					order = append(order, pkg.Name)
					addedThisPass = true
					break
				}
			}
		}
		if !addedThisPass {
			break
		}
	}

	return order
}

// isCached implements spec §4.G step 1: a package is cached iff every
// one of its recorded fields matches the current request AND every
// artifact in its manifest still exists with the recorded size.
func (e *Engine) isCached(pkg model.PackageFingerprint, req Request) bool {
	key := model.NewCompositeKey(pkg.Name, pkg.SourceHash, req.CommandHash, req.EnvHash, req.Profile, req.FeaturesHash)

	rec, err := e.store.GetPackageRecord(key)
	if err != nil {
		return false
	}
	if !rec.BuildSuccess {
		return false
	}
	if rec.LockHash != req.Snapshot.LockHash {
		return false
	}
	if rec.SourceHash16 != key.SourceHash16 {
		return false
	}
	if rec.FeaturesHash != req.FeaturesHash {
		return false
	}
	if rec.EnvHash != req.EnvHash {
		return false
	}

	for _, artifact := range rec.ArtifactManifest {
		info, err := os.Stat(artifact.Path)
		if err != nil {
			return false
		}
		if info.Size() != artifact.SizeBytes {
			return false
		}
	}

	return true
}
