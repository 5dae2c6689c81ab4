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

// Package tarball implements stream.Source and stream.Sink against the
// "docker save"-style tarball layouts: legacy v1.2 (<hex>/layer.tar) and
// OCI-in-tar (blobs/sha256/<hex>). Both share the same manifest.json
// shape, which has no published OCI-spec type (every reference
// implementation that touches it hand-rolls this struct too), so it
// stays a small local type rather than reaching for
// opencontainers/image-spec, which has no equivalent.
package tarball

// manifestEntry is one element of the top-level manifest.json array.
// Both legacy and OCI-in-tar layouts use this exact shape; only the path
// conventions in Config/Layers differ.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
}

const manifestFilename = "manifest.json"

// Layout selects the on-disk path convention a Writer emits, or that a
// Reader/Source has detected.
type Layout int

const (
	// LayoutLegacy is the v1.2 save format: config at "<hex>.json", layers
	// at "<hex>/layer.tar", always uncompressed.
	LayoutLegacy Layout = iota
	// LayoutOCI stores blobs content-addressed at "blobs/sha256/<hex>",
	// optionally compressed.
	LayoutOCI
)
