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

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/patternmatcher"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// Exclude rewrites each layer's inner tar, dropping any member whose
// full archive-relative path matches one of Patterns (fnmatch semantics:
// "*", "?", "[...]", with "*" and "?" also matching '/'). Every rewrite recomputes
// the layer's digest, per spec.md §9's "treat every rewrite as
// digest-changing" since tar re-serialization isn't guaranteed
// byte-identical even with no effective change.
type Exclude struct {
	// Patterns are glob patterns matched against each member's full path.
	Patterns []string
	// Wrapped is the next stage. Required.
	Wrapped stream.Sink
	// Log, when non-nil, receives a warning in Finalize naming any
	// pattern that matched no member across the whole image.
	Log *logrus.Logger

	pm patternmatcher.PatternMatcher
}

var _ stream.Sink = (*Exclude)(nil)

// ShouldFetch forwards to Wrapped, the default per spec.md §4.1.
func (f *Exclude) ShouldFetch(d digest.Digest) bool { return f.Wrapped.ShouldFetch(d) }

// Process implements stream.Sink.
func (f *Exclude) Process(ctx context.Context, el stream.Element) error {
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
		return ocierr.Wrap(ocierr.IOError, "exclude filter", closeErr)
	}
	return f.Wrapped.Process(ctx, stream.ImageLayer{Digest: newDigest, Blob: newBlob})
}

func (f *Exclude) transform(h *tar.Header) (bool, *tar.Header) {
	if f.matches(h.Name) {
		return false, nil
	}
	clone := *h
	return true, &clone
}

func (f *Exclude) matches(name string) bool {
	if f.pm == nil {
		f.pm = patternmatcher.New(f.Patterns)
	}
	return f.pm.MatchesPattern(name)
}

// Finalize implements stream.Sink. A pattern that never matched any
// member across the whole image usually means a typo in Patterns, so
// it's worth a warning even though it isn't itself a failure.
func (f *Exclude) Finalize(ctx context.Context, cause error) error {
	if cause == nil && f.Log != nil && f.pm != nil {
		if unmatched := f.pm.Unmatched(); len(unmatched) > 0 {
			f.Log.Warnf("exclude filter: pattern(s) matched nothing: %v", unmatched)
		}
	}
	return f.Wrapped.Finalize(ctx, cause)
}
