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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// memberIndex records where a named tar member's data begins, so Source
// can seek directly to it rather than re-scanning sequentially for every
// layer.
type memberIndex struct {
	offset, size int64
}

// Source implements stream.Source by reading a previously saved image
// tarball (legacy v1.2 or OCI-in-tar layout, detected from the layer
// paths named in manifest.json) from a local, seekable file.
type Source struct {
	path string
}

// NewSource returns a Source reading path, which must exist.
func NewSource(path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ocierr.New(ocierr.InvalidInput, path+": no such file")
		}
		return nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	return &Source{path: path}, nil
}

// Fetch implements stream.Source.
func (s *Source) Fetch(ctx context.Context, shouldFetch stream.ShouldFetch) (stream.Stream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, s.path, err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			f.Close() //nolint
		}
	}()

	index, err := buildIndex(f, s.path)
	if err != nil {
		return nil, err
	}

	manIdx, ok := index[manifestFilename]
	if !ok {
		return nil, ocierr.New(ocierr.InvalidInput, s.path+": missing manifest.json (legacy pre-1.10 tarball?)")
	}
	var entries []manifestEntry
	if err := readJSONAt(f, manIdx, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ocierr.New(ocierr.ProtocolError, s.path+": empty manifest.json")
	}
	entry := entries[0]

	layout := LayoutLegacy
	for _, l := range entry.Layers {
		if strings.HasPrefix(l, "blobs/") {
			layout = LayoutOCI
			break
		}
	}

	configIdx, ok := index[entry.Config]
	if !ok {
		return nil, ocierr.New(ocierr.NotFound, s.path+": config member "+entry.Config+" not found")
	}
	configBytes, err := readBytesAt(f, configIdx)
	if err != nil {
		return nil, err
	}
	if expected, ok := digestFromConfigPath(entry.Config, layout); ok {
		if err := digestutil.Verify(entry.Config, newSectionReader(f, configIdx), expected); err != nil {
			return nil, err
		}
	}

	var configImage ocispec.Image
	if err := json.Unmarshal(configBytes, &configImage); err != nil {
		return nil, ocierr.Wrap(ocierr.ProtocolError, entry.Config, err)
	}
	diffIDs := configImage.RootFS.DiffIDs
	if len(diffIDs) != len(entry.Layers) {
		return nil, ocierr.New(ocierr.ProtocolError,
			fmt.Sprintf("%s: manifest has %d layers but config.rootfs has %d diff_ids", s.path, len(entry.Layers), len(diffIDs)))
	}

	elements := make([]stream.Element, 0, len(entry.Layers)+1)
	elements = append(elements, stream.ConfigFile{Name: entry.Config, Bytes: configBytes})

	for i, layerPath := range entry.Layers {
		diffID := diffIDs[i]
		if !shouldFetch(diffID) {
			elements = append(elements, stream.ImageLayer{Digest: diffID, Blob: nil})
			continue
		}
		idx, ok := index[layerPath]
		if !ok {
			return nil, ocierr.New(ocierr.NotFound, s.path+": layer member "+layerPath+" not found")
		}
		blob, err := s.readLayer(f, layerPath, idx, diffID)
		if err != nil {
			return nil, err
		}
		elements = append(elements, stream.ImageLayer{Digest: diffID, Blob: blob})
	}

	closeOnErr = false
	return &fileBackedStream{elements: elements, file: f}, nil
}

// readLayer materializes layerPath's uncompressed bytes to a temp file,
// detecting compression by magic bytes (legacy layers are always plain
// tar; OCI layers may be gzip or zstd), and verifies the result hashes to
// diffID.
func (s *Source) readLayer(f *os.File, layerPath string, idx memberIndex, diffID digest.Digest) (stream.Blob, error) {
	sec := newSectionReader(f, idx)
	br := bufio.NewReader(sec)
	format, err := compress.DetectMagic(br)
	if err != nil {
		return nil, err
	}
	dec, err := compress.NewReader(format, br)
	if err != nil {
		return nil, err
	}
	defer dec.Close() //nolint

	tmp, err := os.CreateTemp("", "occystrap-tarball-layer-*")
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, layerPath, err)
	}
	cleanup := func() {
		tmp.Close()           //nolint
		os.Remove(tmp.Name()) //nolint
	}

	hasher := digest.Canonical.Digester()
	mw := io.MultiWriter(tmp, hasher.Hash())
	if _, err := io.Copy(mw, dec); err != nil {
		cleanup()
		return nil, ocierr.Wrap(ocierr.IOError, layerPath, err)
	}
	if got := hasher.Digest(); got != diffID {
		cleanup()
		return nil, ocierr.New(ocierr.IntegrityError, fmt.Sprintf("%s: expected diffID %s, got %s", layerPath, diffID, got))
	}
	return digestutil.NewFileBlob(tmp)
}

// buildIndex sequentially scans the tar once, recording each member's
// data offset and size. It relies on f being an *os.File so the current
// seek position after tar.Reader.Next() is exactly the member's data
// start, with no read-ahead buffering beyond the library's own 512-byte
// blocks.
func buildIndex(f *os.File, path string) (map[string]memberIndex, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	tr := tar.NewReader(f)
	index := map[string]memberIndex{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, path, err)
		}
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, path, err)
		}
		index[h.Name] = memberIndex{offset: offset, size: h.Size}
	}
	return index, nil
}

func newSectionReader(f *os.File, idx memberIndex) *io.SectionReader {
	return io.NewSectionReader(f, idx.offset, idx.size)
}

func readBytesAt(f *os.File, idx memberIndex) ([]byte, error) {
	b, err := io.ReadAll(newSectionReader(f, idx))
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, "tarball member", err)
	}
	return b, nil
}

func readJSONAt(f *os.File, idx memberIndex, v interface{}) error {
	b, err := readBytesAt(f, idx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, manifestFilename, err)
	}
	return nil
}

// digestFromConfigPath extracts the sha256 digest encoded in the config
// member's path, whichever layout it names: OCI's "blobs/sha256/<hex>" or
// legacy's "<hex>.json". ok is false when the path doesn't encode a hex
// digest (not expected in practice, but tolerated rather than panicking).
func digestFromConfigPath(p string, layout Layout) (digest.Digest, bool) {
	var hex string
	switch layout {
	case LayoutOCI:
		hex = p[strings.LastIndex(p, "/")+1:]
	default:
		hex = strings.TrimSuffix(p, ".json")
	}
	if len(hex) != 64 {
		return "", false
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hex), true
}

// fileBackedStream replays a pre-resolved element slice and closes the
// backing tar file once exhausted, since every layer's temp file has
// already been extracted by Fetch and no longer needs the source open.
type fileBackedStream struct {
	elements []stream.Element
	file     *os.File
	idx      int
	closed   bool
}

func (fs *fileBackedStream) Next(ctx context.Context) (stream.Element, error) {
	if fs.idx >= len(fs.elements) {
		if !fs.closed {
			fs.closed = true
			fs.file.Close() //nolint
		}
		return nil, io.EOF
	}
	e := fs.elements[fs.idx]
	fs.idx++
	return e, nil
}
