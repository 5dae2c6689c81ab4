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

// Package filter holds the decorator chain that rewrites or inspects
// layers as they pass through: ExcludeFilter and TimestampNormalizer
// rewrite the inner tar and recompute its digest; InspectFilter and
// SearchFilter are read-only tees that accumulate metadata and forward
// the element unchanged.
package filter

import (
	"archive/tar"
	"context"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarformat"
)

// headerTransform decides, for one tar member, whether to keep it in a
// rewritten archive and (when kept) what header to write for it. It must
// be a pure function of h: rewriteTar calls it twice, once to plan the
// USTAR/PAX format and once to actually write.
type headerTransform func(h *tar.Header) (keep bool, rewritten *tar.Header)

// rewriteTar reads blob's inner tar twice — once to plan the tar format
// per internal/tarformat (§4.5's "the scan must restore the source
// reader position" requirement, satisfied here by rewinding blob
// ourselves between passes), once to actually copy member data — and
// returns a new Blob plus the digest of its bytes. Member bodies are
// copied byte for byte; only transform decides header fields and
// inclusion. On any failure the half-written temp file is deleted.
func rewriteTar(blob stream.Blob, transform headerTransform) (stream.Blob, digest.Digest, error) {
	if _, err := blob.Seek(0, io.SeekStart); err != nil {
		return nil, "", ocierr.Wrap(ocierr.IOError, "rewrite tar", err)
	}
	headers, err := planHeaders(blob, transform)
	if err != nil {
		return nil, "", err
	}
	if _, err := blob.Seek(0, io.SeekStart); err != nil {
		return nil, "", ocierr.Wrap(ocierr.IOError, "rewrite tar", err)
	}
	format := tarformat.Scan(headers)

	tmp, err := os.CreateTemp("", "occystrap-rewrite-*")
	if err != nil {
		return nil, "", ocierr.Wrap(ocierr.IOError, "rewrite tar", err)
	}
	cleanup := func() {
		tmp.Close()           //nolint
		os.Remove(tmp.Name()) //nolint
	}

	if err := writeRewritten(tmp, blob, transform, format); err != nil {
		cleanup()
		return nil, "", err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, "", ocierr.Wrap(ocierr.IOError, "rewrite tar", err)
	}
	newDigest, err := digestutil.FromReader(tmp)
	if err != nil {
		cleanup()
		return nil, "", err
	}
	newBlob, err := digestutil.NewFileBlob(tmp)
	if err != nil {
		cleanup()
		return nil, "", err
	}
	return newBlob, newDigest, nil
}

func planHeaders(r io.Reader, transform headerTransform) ([]*tar.Header, error) {
	tr := tar.NewReader(r)
	var headers []*tar.Header
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, "tar scan", err)
		}
		if keep, rewritten := transform(h); keep {
			headers = append(headers, rewritten)
		}
	}
	return headers, nil
}

func writeRewritten(w io.Writer, r io.Reader, transform headerTransform, format tar.Format) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return ocierr.Wrap(ocierr.IOError, "tar scan", err)
		}
		keep, rewritten := transform(h)
		if !keep {
			continue
		}
		rewritten.Format = format
		if err := tw.WriteHeader(rewritten); err != nil {
			return ocierr.Wrap(ocierr.IOError, "tar write", err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return ocierr.Wrap(ocierr.IOError, "tar write", err)
		}
	}
	if err := tw.Close(); err != nil {
		return ocierr.Wrap(ocierr.IOError, "tar write", err)
	}
	return nil
}
