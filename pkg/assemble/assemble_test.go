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

package assemble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/cargo-save/internal/hashx"
)

func TestFeaturesHashEquivalence(t *testing.T) {
	a := FeaturesHash([]string{"--features", "x"})
	b := FeaturesHash([]string{"--features=x"})
	assert.Equal(t, a, b)
}

func TestFeaturesHashSensitivity(t *testing.T) {
	a := FeaturesHash([]string{"--features", "a"})
	b := FeaturesHash([]string{"--features", "b"})
	assert.NotEqual(t, a, b)
}

func TestCommandHashSensitivity(t *testing.T) {
	build1 := CommandHash("build", nil, "/ws")
	build2 := CommandHash("build", nil, "/ws")
	test1 := CommandHash("test", nil, "/ws")
	assert.Equal(t, build1, build2)
	assert.NotEqual(t, build1, test1)
}

func TestEnvHashSensitivity(t *testing.T) {
	base := EnvHash(map[string]string{})
	withRustflags := EnvHash(map[string]string{"RUSTFLAGS": "-C opt-level=2"})
	withUnrelated := EnvHash(map[string]string{"MY_UNRELATED_VAR": "x"})

	assert.NotEqual(t, base, withRustflags)
	assert.Equal(t, base, withUnrelated)
}

func TestIsRelease(t *testing.T) {
	assert.True(t, IsRelease([]string{"--release"}))
	assert.True(t, IsRelease([]string{"--release=thin"}))
	assert.False(t, IsRelease([]string{"--verbose"}))
}

func TestResolveTargetDirPrecedence(t *testing.T) {
	env := map[string]string{"CARGO_TARGET_DIR": "/env/dir"}

	dir, ok := ResolveTargetDir([]string{"--target-dir", "/flag/dir", "--target-dir=/ignored"}, env)
	require.True(t, ok)
	assert.Equal(t, "/flag/dir", dir)

	dir, ok = ResolveTargetDir([]string{"--target-dir=/eq/dir"}, env)
	require.True(t, ok)
	assert.Equal(t, "/eq/dir", dir)

	dir, ok = ResolveTargetDir(nil, env)
	require.True(t, ok)
	assert.Equal(t, "/env/dir", dir)

	dir, ok = ResolveTargetDir(nil, map[string]string{})
	assert.False(t, ok)
	assert.Empty(t, dir)
}

func TestLockHashFallsBackToLiteral(t *testing.T) {
	dir := t.TempDir()
	h, err := LockHash(dir)
	require.NoError(t, err)
	assert.Equal(t, hashx.Strings(NoLockFile), h)
}

func TestLoadWorkspaceEnvFileMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	env, err := LoadWorkspaceEnvFile(dir, map[string]string{"RUSTFLAGS": "-C opt-level=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"RUSTFLAGS": "-C opt-level=1"}, env)
}

func TestLoadWorkspaceEnvFileProcessEnvWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, EnvFileName), []byte("RUSTFLAGS=-C opt-level=3\nCC=clang\n"), 0o644))

	env, err := LoadWorkspaceEnvFile(dir, map[string]string{"RUSTFLAGS": "-C opt-level=1"})
	require.NoError(t, err)
	assert.Equal(t, "-C opt-level=1", env["RUSTFLAGS"])
	assert.Equal(t, "clang", env["CC"])
}

func TestLockHashChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte("v1"), 0o644))
	h1, err := LockHash(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte("v2"), 0o644))
	h2, err := LockHash(dir)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
