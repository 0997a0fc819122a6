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

// Package logquery implements the log-query interface described in
// spec §4.I: selectors over one stored log file, and resolution of
// which stored log a query targets.
package logquery

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dlorenc/cargo-save/pkg/cachestore"
)

// ErrInvalidRange is returned by ParseRange for a malformed "A-B" selector.
var ErrInvalidRange = errors.New("logquery: invalid range selector, expected \"A-B\"")

// ResolveBuildID implements "explicit id > Nth most recent > most
// recent" log selection.
func ResolveBuildID(store *cachestore.Store, explicitID string, last int) (string, error) {
	if explicitID != "" {
		return explicitID, nil
	}
	ids, err := store.ListLogs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", cachestore.ErrLogNotFound
	}
	if last <= 0 {
		last = 1
	}
	if last > len(ids) {
		return "", fmt.Errorf("logquery: only %d logs stored, requested the %d-th most recent: %w", len(ids), last, cachestore.ErrLogNotFound)
	}
	return ids[last-1], nil
}

// Head returns the first n lines of the log for buildID.
func Head(store *cachestore.Store, buildID string, n int) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	if n > len(lines) {
		n = len(lines)
	}
	return lines[:n], nil
}

// Tail returns the last n lines of the log for buildID.
func Tail(store *cachestore.Store, buildID string, n int) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	if n > len(lines) {
		n = len(lines)
	}
	return lines[len(lines)-n:], nil
}

// Range returns the 1-indexed, inclusive line range [a, b] of the log.
func Range(store *cachestore.Store, buildID string, a, b int) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	if a < 1 {
		a = 1
	}
	if b > len(lines) {
		b = len(lines)
	}
	if a > b {
		return nil, nil
	}
	return lines[a-1 : b], nil
}

// ParseRange parses an "A-B" selector into its two endpoints.
func ParseRange(selector string) (int, int, error) {
	parts := strings.SplitN(selector, "-", 2)
	if len(parts) != 2 {
		return 0, 0, ErrInvalidRange
	}
	a, err1 := strconv.Atoi(parts[0])
	b, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, ErrInvalidRange
	}
	return a, b, nil
}

// Grep returns every line matching pattern. Matching is case-insensitive
// when pattern is fully lowercase, case-sensitive otherwise.
func Grep(store *cachestore.Store, buildID string, pattern string) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	caseInsensitive := pattern == strings.ToLower(pattern)
	needle := pattern
	if caseInsensitive {
		needle = strings.ToLower(pattern)
	}
	var out []string
	for _, line := range lines {
		haystack := line
		if caseInsensitive {
			haystack = strings.ToLower(line)
		}
		if strings.Contains(haystack, needle) {
			out = append(out, line)
		}
	}
	return out, nil
}

// Errors returns every line containing "error[" or "error:".
func Errors(store *cachestore.Store, buildID string) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range lines {
		if strings.Contains(line, "error[") || strings.Contains(line, "error:") {
			out = append(out, line)
		}
	}
	return out, nil
}

// Warnings returns every line containing "warning:".
func Warnings(store *cachestore.Store, buildID string) ([]string, error) {
	lines, err := readAll(store, buildID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range lines {
		if strings.Contains(line, "warning:") {
			out = append(out, line)
		}
	}
	return out, nil
}

// All returns every line in the log.
func All(store *cachestore.Store, buildID string) ([]string, error) {
	return readAll(store, buildID)
}

func readAll(store *cachestore.Store, buildID string) ([]string, error) {
	f, err := store.OpenLog(buildID)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
