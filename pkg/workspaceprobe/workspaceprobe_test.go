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

package workspaceprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadata = `{
  "workspace_root": "/ws",
  "workspace_members": ["a 0.1.0 (path+file:///ws/a)", "b 0.1.0 (path+file:///ws/b)"],
  "packages": [
    {"name": "a", "version": "0.1.0", "id": "a 0.1.0 (path+file:///ws/a)", "manifest_path": "/ws/a/Cargo.toml", "dependencies": [{"name": "serde"}]},
    {"name": "b", "version": "0.1.0", "id": "b 0.1.0 (path+file:///ws/b)", "manifest_path": "/ws/b/Cargo.toml", "dependencies": [{"name": "a"}, {"name": "serde"}]}
  ]
}`

func TestParseMetadataResolvesWorkspaceDeps(t *testing.T) {
	info, err := parseMetadata([]byte(sampleMetadata))
	require.NoError(t, err)
	require.Equal(t, "/ws", info.Root)
	require.Len(t, info.Members, 2)

	byName := map[string]Member{}
	for _, m := range info.Members {
		byName[m.Name] = m
	}

	assert.Empty(t, byName["a"].WorkspaceDeps)
	assert.Equal(t, []string{"a"}, byName["b"].WorkspaceDeps)
	assert.Equal(t, "/ws/a", byName["a"].ManifestDir)
}

func TestParseMetadataDeterministicOrder(t *testing.T) {
	info1, err := parseMetadata([]byte(sampleMetadata))
	require.NoError(t, err)
	info2, err := parseMetadata([]byte(sampleMetadata))
	require.NoError(t, err)
	assert.Equal(t, info1.Members, info2.Members)
}
