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

package tarball

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Layout selects the path convention: LayoutLegacy (uncompressed,
	// "<hex>/layer.tar") or LayoutOCI ("blobs/sha256/<hex>", optionally
	// compressed per Compression).
	Layout Layout
	// RepoTags is written into the manifest entry, e.g. ["alpine:3.14"].
	RepoTags []string
	// Compression applies only under LayoutOCI; compress.None (the zero
	// value) stores layers uncompressed.
	Compression compress.Format
}

type writerLayer struct {
	path      string
	mediaType string
	size      int64
}

// Writer implements stream.Sink, collecting elements into a save-tarball
// at path. Per spec.md §2, the output manifest is authored in Finalize
// from whatever arrived, in arrival order — the tar itself is written
// member-by-member as elements are processed, with manifest.json always
// last. A temp file backs the write so a failure anywhere leaves path
// untouched.
type Writer struct {
	destPath string
	opts     WriterOptions

	tmp *os.File
	tw  *tar.Writer

	configPath string
	haveConfig bool
	layers     []writerLayer
}

// NewWriter returns a Writer for opts, writing eventually to destPath.
func NewWriter(destPath string, opts WriterOptions) (*Writer, error) {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".occystrap-tarball-*")
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, destPath, err)
	}
	return &Writer{destPath: destPath, opts: opts, tmp: tmp, tw: tar.NewWriter(tmp)}, nil
}

// ShouldFetch always returns true: a tarball writer has no existing
// content to dedup against.
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
	d := digest.FromBytes(cf.Bytes)
	var name string
	if w.opts.Layout == LayoutOCI {
		name = "blobs/sha256/" + d.Encoded()
	} else {
		name = d.Encoded() + ".json"
	}
	if err := w.writeMember(name, cf.Bytes); err != nil {
		return err
	}
	w.configPath = name
	w.haveConfig = true
	return nil
}

func (w *Writer) writeLayer(layer stream.ImageLayer) error {
	if layer.Blob == nil {
		return ocierr.New(ocierr.InvalidInput, "tarball writer received an elided layer with no blob")
	}
	defer layer.Blob.Close() //nolint

	if w.opts.Layout == LayoutOCI && w.opts.Compression != compress.None {
		return w.writeCompressedLayer(layer)
	}
	return w.writeUncompressedLayer(layer)
}

func (w *Writer) writeUncompressedLayer(layer stream.ImageLayer) error {
	size, err := blobSize(layer.Blob)
	if err != nil {
		return err
	}
	path := w.layerPath(layer.Digest)
	if err := w.writeMemberFrom(path, size, layer.Blob); err != nil {
		return err
	}
	w.layers = append(w.layers, writerLayer{path: path, mediaType: "application/vnd.oci.image.layer.v1.tar", size: size})
	return nil
}

func (w *Writer) writeCompressedLayer(layer stream.ImageLayer) error {
	var buf bytes.Buffer
	cw, err := compress.NewWriter(w.opts.Compression, &buf)
	if err != nil {
		return err
	}
	if _, err := io.Copy(cw, layer.Blob); err != nil {
		return ocierr.Wrap(ocierr.IOError, "compress layer", err)
	}
	if err := cw.Close(); err != nil {
		return ocierr.Wrap(ocierr.IOError, "compress layer", err)
	}
	wireDigest := digest.FromBytes(buf.Bytes())
	path := "blobs/sha256/" + wireDigest.Encoded()
	if err := w.writeMember(path, buf.Bytes()); err != nil {
		return err
	}
	w.layers = append(w.layers, writerLayer{path: path, mediaType: layerMediaType(w.opts.Compression), size: int64(buf.Len())})
	return nil
}

func (w *Writer) layerPath(d digest.Digest) string {
	if w.opts.Layout == LayoutOCI {
		return "blobs/sha256/" + d.Encoded()
	}
	return d.Encoded() + "/layer.tar"
}

func layerMediaType(format compress.Format) string {
	switch format {
	case compress.Zstd:
		return "application/vnd.oci.image.layer.v1.tar+zstd"
	case compress.Gzip:
		return "application/vnd.oci.image.layer.v1.tar+gzip"
	default:
		return "application/vnd.oci.image.layer.v1.tar"
	}
}

func blobSize(blob stream.Blob) (int64, error) {
	size, err := blob.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, ocierr.Wrap(ocierr.IOError, "tarball writer: measure layer", err)
	}
	if _, err := blob.Seek(0, io.SeekStart); err != nil {
		return 0, ocierr.Wrap(ocierr.IOError, "tarball writer: rewind layer", err)
	}
	return size, nil
}

func (w *Writer) writeMember(name string, b []byte) error {
	return w.writeMemberFrom(name, int64(len(b)), bytes.NewReader(b))
}

func (w *Writer) writeMemberFrom(name string, size int64, r io.Reader) error {
	h := &tar.Header{Name: name, Size: size, Mode: 0o644, Format: tar.FormatUSTAR}
	if err := w.tw.WriteHeader(h); err != nil {
		return ocierr.Wrap(ocierr.IOError, name, err)
	}
	if _, err := io.Copy(w.tw, r); err != nil {
		return ocierr.Wrap(ocierr.IOError, name, err)
	}
	return nil
}

// Finalize implements stream.Sink. On a non-nil cause it abandons the
// temp file without authoring a manifest. On success it writes
// manifest.json last (so layer order in the output equals arrival
// order), closes the tar, and atomically renames the temp file onto
// destPath.
func (w *Writer) Finalize(ctx context.Context, cause error) error {
	if cause != nil {
		w.abandon()
		return cause
	}
	if !w.haveConfig {
		w.abandon()
		return ocierr.New(ocierr.InvalidInput, "tarball writer received no config")
	}

	paths := make([]string, len(w.layers))
	for i, l := range w.layers {
		paths[i] = l.path
	}
	entries := []manifestEntry{{Config: w.configPath, RepoTags: w.opts.RepoTags, Layers: paths}}
	b, err := json.Marshal(entries)
	if err != nil {
		w.abandon()
		return ocierr.Wrap(ocierr.ProtocolError, "marshal manifest", err)
	}
	if err := w.writeMember(manifestFilename, b); err != nil {
		w.abandon()
		return err
	}
	if err := w.tw.Close(); err != nil {
		w.abandon()
		return ocierr.Wrap(ocierr.IOError, w.destPath, err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name()) //nolint
		return ocierr.Wrap(ocierr.IOError, w.destPath, err)
	}
	if err := os.Rename(w.tmp.Name(), w.destPath); err != nil {
		os.Remove(w.tmp.Name()) //nolint
		return ocierr.Wrap(ocierr.IOError, w.destPath, err)
	}
	return nil
}

func (w *Writer) abandon() {
	w.tw.Close()           //nolint
	w.tmp.Close()           //nolint
	os.Remove(w.tmp.Name()) //nolint
}
