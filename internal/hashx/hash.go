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

// Package hashx is the single content-hashing primitive used across
// cargo-save. Every fingerprint, lock hash, toolchain hash, environment
// hash, feature hash, and command hash goes through this package so that
// callers never mix outputs of different hash constructions.
package hashx

import (
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// shortLen is the length, in hex characters, of the truncated digest used
// for filename prefixes and CI cache keys.
const shortLen = 16

// Hasher is a streaming content hash with 256-bit output. Cryptographic
// strength is not required, only collision resistance across honest
// inputs and stable output across runs for the same byte sequence.
type Hasher struct {
	h hash.Hash
}

// New returns a fresh Hasher.
func New() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors for a bad key, and we never pass one.
		panic(err)
	}
	return &Hasher{h: h}
}

// Update feeds bytes into the hash. It never fails.
func (h *Hasher) Update(p []byte) {
	h.h.Write(p) //nolint:errcheck // hash.Hash.Write never returns an error
}

// UpdateString is a convenience wrapper around Update.
func (h *Hasher) UpdateString(s string) {
	h.Update([]byte(s))
}

// Finalize returns the full digest as lowercase hex.
func (h *Hasher) Finalize() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// FinalizeShort returns the digest truncated to shortLen hex characters.
// It is derived from the same primitive as Finalize by truncation, never
// a second hash construction.
func (h *Hasher) FinalizeShort() string {
	full := h.h.Sum(nil)
	s := hex.EncodeToString(full)
	if len(s) > shortLen {
		return s[:shortLen]
	}
	return s
}

// Bytes hashes a single byte slice and returns the full hex digest.
func Bytes(p []byte) string {
	h := New()
	h.Update(p)
	return h.Finalize()
}

// Strings hashes a sequence of strings, each fed in order, and returns the
// full hex digest. Parts are fed with no separator, so ("ab", "c") and
// ("a", "bc") produce the same digest. Callers needing positional
// separation (e.g. a name followed by its value) must feed their own
// separator between parts; see EnvHash in pkg/assemble, which feeds a
// NUL byte after each name and value.
func Strings(parts ...string) string {
	h := New()
	for _, p := range parts {
		h.UpdateString(p)
	}
	return h.Finalize()
}

// ShortStrings is Strings truncated to the short digest length.
func ShortStrings(parts ...string) string {
	h := New()
	for _, p := range parts {
		h.UpdateString(p)
	}
	return h.FinalizeShort()
}
