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

package dirsink

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// DestDir is created if missing; layer subdirectories and catalog.json
	// are written underneath it.
	DestDir string
	// RepoTags is recorded in catalog.json for downstream tooling.
	RepoTags []string
	// Extract additionally unpacks each layer's tar into an "extracted"
	// subdirectory next to its layer.tar.
	Extract bool
}

// Writer implements stream.Sink by laying out one subdirectory per layer
// (named by DiffID) containing layer.tar and, when requested, an
// extracted tree, plus a top-level catalog.json recording arrival order.
type Writer struct {
	opts WriterOptions

	haveConfig bool
	items      []catalogItem
}

// NewWriter returns a Writer rooted at opts.DestDir, creating it if
// necessary.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, opts.DestDir, err)
	}
	return &Writer{opts: opts}, nil
}

// ShouldFetch always returns true: a fresh directory has nothing to dedup
// against.
func (w *Writer) ShouldFetch(digest.Digest) bool { return true }

// Process implements stream.Sink.
func (w *Writer) Process(ctx context.Context, el stream.Element) error {
	switch v := el.(type) {
	case stream.ConfigFile:
		return w.writeConfig(v)
	case stream.ImageLayer:
		return w.writeLayer(v)
	default:
		return ocierr.New(ocierr.InvalidInput, fmt.Sprintf("unknown element type %T", el))
	}
}

func (w *Writer) writeConfig(cf stream.ConfigFile) error {
	path := filepath.Join(w.opts.DestDir, "config.json")
	if err := os.WriteFile(path, cf.Bytes, 0o644); err != nil {
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	w.haveConfig = true
	return nil
}

func (w *Writer) writeLayer(layer stream.ImageLayer) error {
	if layer.Blob == nil {
		return ocierr.New(ocierr.InvalidInput, "directory writer received an elided layer with no blob")
	}
	defer layer.Blob.Close() //nolint

	layerDir := filepath.Join(w.opts.DestDir, layer.Digest.Encoded())
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return ocierr.Wrap(ocierr.IOError, layerDir, err)
	}
	tarPath := filepath.Join(layerDir, "layer.tar")
	f, err := os.Create(tarPath)
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, tarPath, err)
	}
	var tr io.Reader = layer.Blob
	if w.opts.Extract {
		tr = io.TeeReader(layer.Blob, f)
	}

	item := catalogItem{DiffID: layer.Digest, Path: filepath.Join(layer.Digest.Encoded(), "layer.tar")}
	if w.opts.Extract {
		extractedDir := filepath.Join(layerDir, "extracted")
		if err := extractTar(tr, extractedDir); err != nil {
			f.Close() //nolint
			return err
		}
		item.Extracted = filepath.Join(layer.Digest.Encoded(), "extracted")
	} else if _, err := io.Copy(f, tr); err != nil {
		f.Close() //nolint
		return ocierr.Wrap(ocierr.IOError, tarPath, err)
	}
	if err := f.Close(); err != nil {
		return ocierr.Wrap(ocierr.IOError, tarPath, err)
	}
	w.items = append(w.items, item)
	return nil
}

// Finalize implements stream.Sink. It writes catalog.json last, so its
// presence marks a complete directory; on a non-nil cause it is skipped
// entirely, leaving a recognizably incomplete tree.
func (w *Writer) Finalize(ctx context.Context, cause error) error {
	if cause != nil {
		return cause
	}
	if !w.haveConfig {
		return ocierr.New(ocierr.InvalidInput, "directory writer received no config")
	}
	cat := catalog{Config: "config.json", RepoTags: w.opts.RepoTags, Layers: w.items}
	b, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, "marshal catalog", err)
	}
	path := filepath.Join(w.opts.DestDir, catalogFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	return nil
}

// extractTar unpacks r, a plain (uncompressed) tar stream, into destDir,
// applying OCI whiteout semantics: ".wh.<name>" removes a previously
// extracted sibling, ".wh..wh..opq" empties (but keeps) its directory of
// everything this tar did not itself write there, so only content from
// earlier layers is hidden. Used both by Writer's optional per-layer
// extraction and by BundleWriter's merged-rootfs construction.
func extractTar(r io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ocierr.Wrap(ocierr.IOError, destDir, err)
	}
	tr := tar.NewReader(r)
	written := map[string]bool{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return ocierr.Wrap(ocierr.IOError, destDir, err)
		}
		if err := extractMember(tr, destDir, h, written); err != nil {
			return err
		}
	}
}

// extractMember unpacks h into destDir. written holds every path the
// current tar has created so far (with its parent directories), which an
// opaque marker leaves in place.
func extractMember(tr *tar.Reader, destDir string, h *tar.Header, written map[string]bool) error {
	target := filepath.Join(destDir, filepath.Clean("/"+h.Name))

	if isOpaqueMarker(h.Name) {
		dir := filepath.Dir(target)
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return ocierr.Wrap(ocierr.IOError, dir, err)
		}
		for _, e := range entries {
			if written[filepath.Join(dir, e.Name())] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return ocierr.Wrap(ocierr.IOError, dir, err)
			}
		}
		return nil
	}
	if hidden, ok := whiteoutTarget(h.Name); ok {
		victim := filepath.Join(destDir, filepath.Clean("/"+hidden))
		if err := os.RemoveAll(victim); err != nil {
			return ocierr.Wrap(ocierr.IOError, victim, err)
		}
		return nil
	}
	for p := target; p != destDir && !written[p]; p = filepath.Dir(p) {
		written[p] = true
	}

	switch h.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(h.Mode)|0o700); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(h.Mode)|0o600)
		if err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close() //nolint
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
		if err := f.Close(); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
		os.Remove(target) //nolint
		if err := os.Symlink(h.Linkname, target); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
	case tar.TypeLink:
		src := filepath.Join(destDir, filepath.Clean("/"+h.Linkname))
		os.Remove(target) //nolint
		if err := os.Link(src, target); err != nil {
			return ocierr.Wrap(ocierr.IOError, target, err)
		}
	default:
		// Device nodes, FIFOs etc: skip rather than fail a whole extraction
		// over a member a rootfs merge can't usefully materialize anyway.
	}
	return nil
}
