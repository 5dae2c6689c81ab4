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

package filter

import (
	"archive/tar"
	"context"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// TimestampNormalizer rewrites every layer's inner tar, setting every
// member's mtime to MTime (the zero value of time.Time is taken as the
// Unix epoch, spec.md's "default 0"). Member data is copied byte
// for byte; only the mtime header field changes. Every rewrite
// recomputes the layer's digest.
type TimestampNormalizer struct {
	// MTime replaces every member's ModTime. The zero value means the
	// Unix epoch.
	MTime time.Time
	// Wrapped is the next stage. Required.
	Wrapped stream.Sink
}

var _ stream.Sink = (*TimestampNormalizer)(nil)

// ShouldFetch forwards to Wrapped.
func (f *TimestampNormalizer) ShouldFetch(d digest.Digest) bool { return f.Wrapped.ShouldFetch(d) }

// Process implements stream.Sink.
func (f *TimestampNormalizer) Process(ctx context.Context, el stream.Element) error {
	layer, ok := el.(stream.ImageLayer)
	if !ok || layer.Blob == nil {
		return f.Wrapped.Process(ctx, el)
	}

	newBlob, newDigest, err := rewriteTar(layer.Blob, f.transform)
	closeErr := layer.Blob.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		if newBlob != nil {
			newBlob.Close() //nolint
		}
		return ocierr.Wrap(ocierr.IOError, "timestamp normalizer", closeErr)
	}
	return f.Wrapped.Process(ctx, stream.ImageLayer{Digest: newDigest, Blob: newBlob})
}

func (f *TimestampNormalizer) transform(h *tar.Header) (bool, *tar.Header) {
	clone := *h
	clone.ModTime = f.MTime
	if f.MTime.IsZero() {
		clone.ModTime = time.Unix(0, 0)
	}
	return true, &clone
}

// Finalize implements stream.Sink.
func (f *TimestampNormalizer) Finalize(ctx context.Context, cause error) error {
	return f.Wrapped.Finalize(ctx, cause)
}
