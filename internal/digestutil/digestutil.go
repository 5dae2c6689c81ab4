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

// Package digestutil centralizes content-hash computation so every
// filter and sink derives digests the same way: sha256 over either the
// uncompressed tar (a DiffID) or the compressed wire bytes, via
// github.com/opencontainers/go-digest rather than hand-rolled
// sha256.New()+hex plumbing.
package digestutil

import (
	"bytes"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// FromReader hashes r to completion and returns its sha256 digest.
func FromReader(r io.Reader) (digest.Digest, error) {
	return digest.Canonical.FromReader(r)
}

// Verify hashes r to completion and compares it against want, returning
// an *ocierr.Error of Kind IntegrityError on mismatch.
func Verify(resource string, r io.Reader, want digest.Digest) error {
	got, err := FromReader(r)
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, resource, err)
	}
	if got != want {
		return ocierr.New(ocierr.IntegrityError, resource+": expected digest "+want.String()+", got "+got.String())
	}
	return nil
}

// fileBlob is a stream.Blob backed by an *os.File the creator owns. It
// deletes the underlying file on Close, so temporary files created by a
// stage are released once the next stage has drained the element.
type fileBlob struct {
	*os.File
	path string
}

// NewFileBlob wraps an already-written, seeked-to-zero file as a
// stream.Blob that removes itself from disk on Close.
func NewFileBlob(f *os.File) (stream.Blob, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &fileBlob{File: f, path: f.Name()}, nil
}

// Close closes and removes the backing temp file. It tolerates the file
// already being gone, so double-Close on an error-cleanup path is safe.
func (b *fileBlob) Close() error {
	cerr := b.File.Close()
	rerr := os.Remove(b.path)
	if rerr != nil && !os.IsNotExist(rerr) {
		return rerr
	}
	return cerr
}

// MemoryBlob returns a stream.Blob over an in-memory byte slice, for
// small elements (configs, tiny synthetic layers in tests) that don't
// warrant a temp file.
func MemoryBlob(b []byte) stream.Blob {
	return &memBlob{Reader: bytes.NewReader(b)}
}

type memBlob struct {
	*bytes.Reader
}

func (m *memBlob) Close() error { return nil }
