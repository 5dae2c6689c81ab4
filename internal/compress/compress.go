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

// Package compress detects and streams gzip and zstd, the two
// compressions occystrap's layers arrive and depart in. Detection works
// from either a leading magic-byte probe or a media-type string. It uses
// github.com/klauspost/compress instead of the standard library's
// compress/gzip, because the same package also gives us zstd, which the
// standard library has no answer for at all.
package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	kzstd "github.com/klauspost/compress/zstd"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/tetratelabs/occystrap/internal/ocierr"
)

// Format identifies a detected or requested compression.
type Format int

const (
	// None is uncompressed (plain tar).
	None Format = iota
	Gzip
	Zstd
)

func (f Format) String() string {
	switch f {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	// ustarMagic is the "ustar" marker at offset 257 of a tar header block,
	// used to recognize an already-plain tar stream.
	ustarMagic = []byte("ustar")
)

// DetectMagic probes a peekable reader for gzip, zstd, or ustar-tar magic
// bytes without materially advancing the reader: it must work on a
// bufio.Reader (or anything else offering Peek), restoring position is
// implicit because Peek never consumes. Detection from a non-seekable
// reader that can't Peek fails explicitly rather than guessing.
func DetectMagic(r *bufio.Reader) (Format, error) {
	head, err := r.Peek(262)
	if err != nil && err != io.EOF {
		return None, ocierr.Wrap(ocierr.IOError, "compression probe", err)
	}
	switch {
	case len(head) >= 2 && string(head[:2]) == string(gzipMagic):
		return Gzip, nil
	case len(head) >= 4 && string(head[:4]) == string(zstdMagic):
		return Zstd, nil
	case len(head) >= 262 && string(head[257:262]) == string(ustarMagic):
		return None, nil
	case len(head) < 262:
		// Short reads (e.g. tiny test fixtures) are plausible plain tar;
		// a later tar.Reader will reject genuine garbage.
		return None, nil
	default:
		return None, ocierr.New(ocierr.UnsupportedFormat, "unrecognised compression magic")
	}
}

// mediaTypeSuffix strips the last "+"-delimited component of a media
// type, e.g. "application/vnd.oci.image.layer.v1.tar+zstd" -> "zstd".
func mediaTypeSuffix(mediaType string) string {
	idx := strings.LastIndexByte(mediaType, '+')
	if idx == -1 {
		return ""
	}
	return mediaType[idx+1:]
}

// DetectMediaType maps an OCI/Docker layer media type to a Format,
// falling back to the "+gzip"/"+zstd" suffix convention for unrecognised
// but suffixed media types (e.g. third-party artifact layers).
func DetectMediaType(mediaType string) (Format, error) {
	switch mediaType {
	case "application/vnd.oci.image.layer.v1.tar+gzip",
		"application/vnd.docker.image.rootfs.diff.tar.gzip",
		"application/vnd.docker.image.rootfs.foreign.diff.tar.gzip":
		return Gzip, nil
	case "application/vnd.oci.image.layer.v1.tar+zstd",
		"application/vnd.docker.image.rootfs.diff.tar.zstd":
		return Zstd, nil
	case "application/vnd.oci.image.layer.v1.tar", "":
		return None, nil
	}
	switch mediaTypeSuffix(mediaType) {
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	}
	return None, ocierr.New(ocierr.UnsupportedFormat, fmt.Sprintf("unrecognised media type %q", mediaType))
}

// NewReader returns a streaming decompressor for format over r. Gzip
// streams may be concatenated (multiple gzip members back to back, as
// produced by some daemons); klauspost/compress/gzip defaults to
// Multistream(true) same as the standard library, so this is handled
// without special casing, matching the original Python implementation's
// explicit per-member loop.
func NewReader(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := kgzip.NewReader(r)
		if err != nil {
			return nil, ocierr.Wrap(ocierr.UnsupportedFormat, "gzip", err)
		}
		return zr, nil
	case Zstd:
		zr, err := kzstd.NewReader(r)
		if err != nil {
			return nil, ocierr.Wrap(ocierr.UnsupportedFormat, "zstd", err)
		}
		return zstdReadCloser{zr}, nil
	default:
		return nil, ocierr.New(ocierr.UnsupportedFormat, format.String())
	}
}

// zstdReadCloser adapts *zstd.Decoder's Close (which returns nothing) to
// io.Closer.
type zstdReadCloser struct{ *kzstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewWriter returns a streaming compressor for format writing to w.
// Gzip uses level 9 (best compression, the occystrap default); zstd uses
// level 3 (SpeedDefault). Every caller of the Zstd case already buffers
// the whole layer in memory before compressing it (registrypush and the
// tarball writer both build into a bytes.Buffer first), so the Zstd
// writer buffers its own input the same way and compresses it in one
// shot on Close, via EncodeAll, rather than streaming block by block.
// zstd.Writer's ordinary streaming mode has no way to know the total
// size up front and so never writes the frame content-size field;
// EncodeAll does, which is what lets a reader size-check or
// single-allocate the decompressed layer.
func NewWriter(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return kgzip.NewWriterLevel(w, kgzip.BestCompression)
	case Zstd:
		enc, err := kzstd.NewWriter(nil,
			kzstd.WithEncoderLevel(kzstd.SpeedDefault),
			kzstd.WithWindowSize(1<<20),
		)
		if err != nil {
			return nil, ocierr.Wrap(ocierr.UnsupportedFormat, "zstd", err)
		}
		return &zstdBufferedWriter{enc: enc, out: w}, nil
	default:
		return nil, ocierr.New(ocierr.UnsupportedFormat, format.String())
	}
}

// zstdBufferedWriter accumulates the plain input and defers the actual
// zstd encode to Close, so the frame it writes carries EncodeAll's
// content-size field instead of the sizeless frame a streaming encode
// would produce.
type zstdBufferedWriter struct {
	buf bytes.Buffer
	enc *kzstd.Encoder
	out io.Writer
}

func (z *zstdBufferedWriter) Write(p []byte) (int, error) { return z.buf.Write(p) }

func (z *zstdBufferedWriter) Close() error {
	compressed := z.enc.EncodeAll(z.buf.Bytes(), nil)
	if _, err := z.out.Write(compressed); err != nil {
		z.enc.Close() //nolint
		return ocierr.Wrap(ocierr.IOError, "zstd", err)
	}
	return z.enc.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Compress is a one-shot helper that returns all of r compressed under format.
func Compress(format Format, r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(format, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, "compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, "compress", err)
	}
	return buf.Bytes(), nil
}

// Decompress is a one-shot helper that returns all of r decompressed
// under format.
func Decompress(format Format, r io.Reader) ([]byte, error) {
	rc, err := NewReader(format, r)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, "decompress", err)
	}
	return buf.Bytes(), nil
}
