// Copyright 2021 Tetrate
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

// Package dirsink implements stream.Sink variants that materialize an
// image onto the local filesystem: Writer lays out one directory per
// layer plus a catalog, BundleWriter additionally merges the layers into
// an OCI runtime bundle's rootfs, and MountsWriter instead exposes that
// merge live via an overlay mount.
package dirsink

import (
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// catalog.json records what Writer wrote, in arrival order, so a later
// tool can walk the directory without re-deriving layer order from
// filesystem mtimes.
type catalog struct {
	Config   string        `json:"config"`
	RepoTags []string      `json:"repoTags,omitempty"`
	Layers   []catalogItem `json:"layers"`
}

type catalogItem struct {
	DiffID    digest.Digest `json:"diffID"`
	Path      string        `json:"path"`
	Extracted string        `json:"extracted,omitempty"`
}

const catalogFilename = "catalog.json"

// Whiteout markers, per the OCI image spec's filesystem layer
// changeset definition (the same convention moby/moby and
// go.podman.io/storage's archive package implement): a regular deleted
// entry is recorded as an empty file named ".wh.<name>" alongside its
// siblings, and a directory whose entire pre-existing content should be
// hidden (but not the directory itself) carries ".wh..wh..opq".
const (
	whiteoutPrefix    = ".wh."
	whiteoutOpaqueDir = ".wh..wh..opq"
)

// whiteoutTarget returns the name a whiteout entry hides, and whether
// name is a whiteout entry at all.
func whiteoutTarget(name string) (target string, isWhiteout bool) {
	base := filepath.Base(name)
	if base == whiteoutOpaqueDir {
		return "", false // handled separately by isOpaqueMarker
	}
	if !strings.HasPrefix(base, whiteoutPrefix) {
		return "", false
	}
	return filepath.Join(filepath.Dir(name), strings.TrimPrefix(base, whiteoutPrefix)), true
}

func isOpaqueMarker(name string) bool {
	return filepath.Base(name) == whiteoutOpaqueDir
}
