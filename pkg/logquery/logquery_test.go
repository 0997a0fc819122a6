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

package logquery

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/cargo-save/pkg/cachestore"
)

func newStoreWithLog(t *testing.T, buildID string, contents string) *cachestore.Store {
	t.Helper()
	store, err := cachestore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.LogPath(buildID), []byte(contents), 0o644))
	return store
}

const sampleLog = `Compiling foo v0.1.0
warning: unused variable: x
error[E0308]: mismatched types
Compiling bar v0.1.0
error: could not compile bar
Finished dev target(s)
`

func TestHeadAndTail(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	head, err := Head(store, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Compiling foo v0.1.0", "warning: unused variable: x"}, head)

	tail, err := Tail(store, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"error: could not compile bar", "Finished dev target(s)"}, tail)
}

func TestRangeInclusive(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	lines, err := Range(store, "b1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"warning: unused variable: x", "error[E0308]: mismatched types"}, lines)
}

func TestParseRange(t *testing.T) {
	a, b, err := ParseRange("2-5")
	require.NoError(t, err)
	assert.Equal(t, 2, a)
	assert.Equal(t, 5, b)

	_, _, err = ParseRange("nope")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestGrepCaseInsensitiveForLowercasePattern(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	lines, err := Grep(store, "b1", "compiling")
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestGrepCaseSensitiveForMixedCasePattern(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	lines, err := Grep(store, "b1", "Compiling")
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	lines, err = Grep(store, "b1", "COMPILING")
	require.NoError(t, err)
	assert.Empty(t, lines, "a fully-uppercase pattern is not fully lowercase, so matching stays case-sensitive")
}

func TestErrorsAndWarnings(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	errs, err := Errors(store, "b1")
	require.NoError(t, err)
	assert.Len(t, errs, 2)

	warnings, err := Warnings(store, "b1")
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestAllReturnsEveryLine(t *testing.T) {
	store := newStoreWithLog(t, "b1", sampleLog)

	lines, err := All(store, "b1")
	require.NoError(t, err)
	assert.Len(t, lines, 6)
}

func TestResolveBuildIDPrecedence(t *testing.T) {
	store, err := cachestore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.LogPath("20260101T000000Z-aaa"), []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(store.LogPath("20260102T000000Z-bbb"), []byte("b\n"), 0o644))

	id, err := ResolveBuildID(store, "explicit-id", 0)
	require.NoError(t, err)
	assert.Equal(t, "explicit-id", id, "an explicit id always wins")

	id, err = ResolveBuildID(store, "", 2)
	require.NoError(t, err)
	assert.Equal(t, "20260101T000000Z-aaa", id, "--last 2 selects the second-most-recent log")

	id, err = ResolveBuildID(store, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "20260102T000000Z-bbb", id, "with no selector, the most recent log is used")
}

func TestResolveBuildIDFatalWhenAbsent(t *testing.T) {
	store, err := cachestore.Open(t.TempDir())
	require.NoError(t, err)

	_, err = ResolveBuildID(store, "", 0)
	assert.ErrorIs(t, err, cachestore.ErrLogNotFound)
}
