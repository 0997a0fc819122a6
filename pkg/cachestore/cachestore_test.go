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

package cachestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/cargo-save/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesLayout(t *testing.T) {
	base := t.TempDir()
	_, err := Open(base)
	require.NoError(t, err)

	for _, sub := range []string{"v4", filepath.Join("v4", "metadata"), filepath.Join("v4", "incremental")} {
		info, err := os.Stat(filepath.Join(base, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func samplePackageRecord(name string) model.PackageCacheRecord {
	return model.PackageCacheRecord{
		CompositeKey: model.NewCompositeKey(name, "deadbeefdeadbeefcafe", "1234567890abcdef", "env123", model.ProfileDebug, "feat123"),
		LockHash:     "lock123",
		BuildSuccess: true,
		BuiltAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPutGetPackageRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := samplePackageRecord("mycrate")

	require.NoError(t, s.PutPackageRecord(rec))

	got, err := s.GetPackageRecord(rec.CompositeKey)
	require.NoError(t, err)
	assert.Equal(t, rec.PackageName, got.PackageName)
	assert.Equal(t, rec.LockHash, got.LockHash)
	assert.True(t, got.BuildSuccess)
}

func TestGetPackageRecordMissing(t *testing.T) {
	s := openTestStore(t)
	key := model.NewCompositeKey("absent", "0000000000000000", "0000000000000000", "e", model.ProfileDebug, "f")

	_, err := s.GetPackageRecord(key)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestAtomicWriteNoPartialFileVisible(t *testing.T) {
	s := openTestStore(t)
	rec := samplePackageRecord("atomic")
	require.NoError(t, s.PutPackageRecord(rec))

	entries, err := os.ReadDir(filepath.Join(s.root, "incremental"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, len(entries[0].Name()) > 0 && entries[0].Name()[0] == '.',
		"final record filename must not carry the temp-file dot prefix")
}

func TestPutGetBuildRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	exitCode := 0
	rec := model.BuildRecord{
		BuildID:    model.BuildID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "abc123"),
		Subcommand: "build",
		ExitCode:   &exitCode,
		Snapshot:   model.WorkspaceSnapshot{Root: "/ws"},
	}
	require.NoError(t, s.PutBuildRecord(rec))

	got, err := s.GetBuildRecord(rec.BuildID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "build", got.Subcommand)
}

func TestListBuildRecordsNewestFirstAndFiltered(t *testing.T) {
	s := openTestStore(t)
	older := model.BuildRecord{BuildID: model.BuildID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "aaa"), Snapshot: model.WorkspaceSnapshot{Root: "/ws1"}}
	newer := model.BuildRecord{BuildID: model.BuildID(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), "bbb"), Snapshot: model.WorkspaceSnapshot{Root: "/ws2"}}
	require.NoError(t, s.PutBuildRecord(older))
	require.NoError(t, s.PutBuildRecord(newer))

	all, err := s.ListBuildRecords("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.BuildID, all[0].BuildID)

	filtered, err := s.ListBuildRecords("/ws1")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, older.BuildID, filtered[0].BuildID)
}

func TestListLogsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, os.WriteFile(s.logPath("20260101T000000Z-aaa"), []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(s.logPath("20260102T000000Z-bbb"), []byte("b\n"), 0o644))

	ids, err := s.ListLogs()
	require.NoError(t, err)
	require.Equal(t, []string{"20260102T000000Z-bbb", "20260101T000000Z-aaa"}, ids)
}

func TestPruneKeepLastBoundsCount(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := model.BuildID(base.AddDate(0, 0, i), "x")
		require.NoError(t, os.WriteFile(s.logPath(id), []byte("log\n"), 0o644))
		mtime := base.AddDate(0, 0, i)
		require.NoError(t, os.Chtimes(s.logPath(id), mtime, mtime))
	}

	removed, err := s.PruneKeepLast(2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	ids, err := s.ListLogs()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestPruneKeepLastRespectsDeclinedConfirm(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := model.BuildID(base.AddDate(0, 0, i), "x")
		require.NoError(t, os.WriteFile(s.logPath(id), []byte("log\n"), 0o644))
	}

	removed, err := s.PruneKeepLast(1, func(count int) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	ids, err := s.ListLogs()
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestInvalidateByPackageNamesMatchesWholeNamePrefix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutPackageRecord(samplePackageRecord("foo")))
	require.NoError(t, s.PutPackageRecord(samplePackageRecord("foobar")))
	require.NoError(t, s.PutPackageRecord(samplePackageRecord("bar")))

	removed, err := s.InvalidateByPackageNames([]string{"foo"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "matching is on the whole \"foo-\" prefix, so \"foobar\"'s record (\"foobar-...\") must survive")

	entries, err := os.ReadDir(filepath.Join(s.root, "incremental"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestInvalidateAllRemovesEverything(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutPackageRecord(samplePackageRecord("foo")))
	require.NoError(t, s.PutPackageRecord(samplePackageRecord("bar")))

	removed, err := s.InvalidateAll()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
