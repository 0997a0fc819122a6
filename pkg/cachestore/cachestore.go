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

// Package cachestore implements CacheStore (spec §4.H): the on-disk
// layout for build and package-cache records, atomic writes, listing,
// pruning, and invalidation.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/OpenPeeDeeP/xdg"

	"github.com/dlorenc/cargo-save/pkg/model"
)

// schemaVersion is the on-disk layout version segment. It must be
// bumped whenever the record schema changes; older records become
// simply unreachable, per spec §6.
const schemaVersion = "v4"

const (
	vendor      = ""
	application = "cargo-save"
)

// ErrRecordNotFound is returned by GetPackageRecord/GetBuildRecord when
// no record exists for the given key.
var ErrRecordNotFound = errors.New("cachestore: record not found")

// ErrLogNotFound is returned when a requested log file doesn't exist -
// fatal for a log query (spec §7).
var ErrLogNotFound = errors.New("cachestore: log not found")

// Store is the on-disk cache, rooted at <base>/<schemaVersion>/.
type Store struct {
	root string // <base>/<schemaVersion>
}

// ResolveBaseDir returns $CARGO_SAVE_CACHE_DIR if set, else the OS cache
// directory.
func ResolveBaseDir() string {
	if v := os.Getenv("CARGO_SAVE_CACHE_DIR"); v != "" {
		return v
	}
	return xdg.New(vendor, application).CacheHome()
}

// Open creates (idempotently) the store's directory tree under baseDir
// and returns a Store.
func Open(baseDir string) (*Store, error) {
	root := filepath.Join(baseDir, schemaVersion)
	for _, sub := range []string{"", "metadata", "incremental"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %q: %w", filepath.Join(root, sub), err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) logPath(buildID string) string {
	return filepath.Join(s.root, buildID+".log")
}

func (s *Store) metadataPath(buildID string) string {
	return filepath.Join(s.root, "metadata", buildID+".json")
}

func (s *Store) incrementalPath(key model.CompositeKey) string {
	return filepath.Join(s.root, "incremental", key.Render()+".json")
}

// LogPath exposes the log file path for buildID, for BuildRunner to
// write to directly while streaming.
func (s *Store) LogPath(buildID string) string {
	return s.logPath(buildID)
}

// Root returns the store's version-segmented root directory
// (<base>/v4), for callers that need to walk it directly (e.g. stats).
func (s *Store) Root() string {
	return s.root
}

// writeAtomic writes data to path via a temp sibling file and rename,
// the only mechanism that prevents a concurrent reader from observing a
// half-written record (spec §4.H).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// PutPackageRecord writes rec atomically under its CompositeKey filename.
func (s *Store) PutPackageRecord(rec model.PackageCacheRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.incrementalPath(rec.CompositeKey), data)
}

// GetPackageRecord reads and parses the record for key, or
// ErrRecordNotFound.
func (s *Store) GetPackageRecord(key model.CompositeKey) (model.PackageCacheRecord, error) {
	data, err := os.ReadFile(s.incrementalPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return model.PackageCacheRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return model.PackageCacheRecord{}, err
	}
	var rec model.PackageCacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.PackageCacheRecord{}, fmt.Errorf("parsing cache record: %w", err)
	}
	return rec, nil
}

// PutBuildRecord writes a BuildRecord atomically.
func (s *Store) PutBuildRecord(rec model.BuildRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.metadataPath(rec.BuildID), data)
}

// GetBuildRecord reads and parses the BuildRecord for buildID.
func (s *Store) GetBuildRecord(buildID string) (model.BuildRecord, error) {
	data, err := os.ReadFile(s.metadataPath(buildID))
	if errors.Is(err, os.ErrNotExist) {
		return model.BuildRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return model.BuildRecord{}, err
	}
	var rec model.BuildRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.BuildRecord{}, fmt.Errorf("parsing build record: %w", err)
	}
	return rec, nil
}

// ListBuildRecords returns every BuildRecord, newest first. When
// workspaceFilter is non-empty, only records whose snapshot root equals
// it are returned.
func (s *Store) ListBuildRecords(workspaceFilter string) ([]model.BuildRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "metadata"))
	if err != nil {
		return nil, err
	}
	var records []model.BuildRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		buildID := strings.TrimSuffix(e.Name(), ".json")
		rec, err := s.GetBuildRecord(buildID)
		if err != nil {
			continue
		}
		if workspaceFilter != "" && rec.Snapshot.Root != workspaceFilter {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BuildID > records[j].BuildID })
	return records, nil
}

// ListLogs returns every stored log's build ID, newest first.
func (s *Store) ListLogs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".log"))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

// OpenLog opens the log file for buildID for reading.
func (s *Store) OpenLog(buildID string) (*os.File, error) {
	f, err := os.Open(s.logPath(buildID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrLogNotFound
	}
	return f, err
}

// PruneOlderThan removes log files (and their metadata records, matched
// by stem) whose modification time is older than now-days.
func (s *Store) PruneOlderThan(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		buildID := strings.TrimSuffix(e.Name(), ".log")
		if err := os.Remove(s.logPath(buildID)); err == nil {
			removed++
		}
		os.Remove(s.metadataPath(buildID)) //nolint:errcheck // best effort
	}
	return removed, nil
}

// PruneKeepLast sorts logs by modification time and removes the oldest
// excess beyond n, prompting for confirmation via confirm unless nil.
func (s *Store) PruneKeepLast(n int, confirm func(count int) bool) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	type logFile struct {
		buildID string
		modTime time.Time
	}
	var logs []logFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{buildID: strings.TrimSuffix(e.Name(), ".log"), modTime: info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime.Before(logs[j].modTime) })

	if len(logs) <= n {
		return 0, nil
	}
	excess := logs[:len(logs)-n]
	if confirm != nil && !confirm(len(excess)) {
		return 0, nil
	}

	removed := 0
	for _, l := range excess {
		if err := os.Remove(s.logPath(l.buildID)); err == nil {
			removed++
		}
		os.Remove(s.metadataPath(l.buildID)) //nolint:errcheck // best effort
	}
	return removed, nil
}

// InvalidateByPackageNames removes every incremental record whose
// filename begins with "<name>-", for each given name.
func (s *Store) InvalidateByPackageNames(names []string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "incremental"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, name := range names {
			if strings.HasPrefix(e.Name(), name+"-") {
				if err := os.Remove(filepath.Join(s.root, "incremental", e.Name())); err == nil {
					removed++
				}
				break
			}
		}
	}
	return removed, nil
}

// InvalidateAll removes every incremental record.
func (s *Store) InvalidateAll() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "incremental"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, "incremental", e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
