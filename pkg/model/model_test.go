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

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCompositeKeyTruncatesSourceHash(t *testing.T) {
	key := NewCompositeKey("foo", "abcdefabcdefabcdefabcdefabcdef00", "cmdhash", "envhash", ProfileDebug, "featureshash")
	assert.Equal(t, "abcdefabcdefabcd", key.SourceHash16)
}

func TestCompositeKeyRenderIsDashJoinedAndSanitized(t *testing.T) {
	key := NewCompositeKey("my pkg!", "abcdefabcdefabcdefabcdefabcdef00", "cmdhash", "envhash", ProfileRelease, "featureshash")
	assert.Equal(t, "my_pkg_-abcdefabcdefabcd-cmdhash-envhash-release-featureshash", key.Render())
}

func TestPackageByName(t *testing.T) {
	snapshot := WorkspaceSnapshot{
		Packages: []PackageFingerprint{{Name: "a"}, {Name: "b"}},
	}
	pkg, ok := snapshot.PackageByName("b")
	assert.True(t, ok)
	assert.Equal(t, "b", pkg.Name)

	_, ok = snapshot.PackageByName("missing")
	assert.False(t, ok)
}

func TestBuildIDFormat(t *testing.T) {
	id := BuildID(time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC), "abc123")
	assert.Equal(t, "20260729T120000Z-abc123", id)
}

func TestPackageURL(t *testing.T) {
	pkg := PackageFingerprint{Name: "serde", Version: "1.0.0"}
	assert.Equal(t, "pkg:cargo/serde@1.0.0", pkg.PackageURL())
}
