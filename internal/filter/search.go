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
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// searchMatch is one hit recorded against a layer.
type searchMatch struct {
	layerDigest digest.Digest
	path        string
}

// Search is a read-only tee: for each layer it iterates tar members and
// records any whose full path or basename matches Pattern (glob by
// default, or a regular expression when Regex is set). Config elements
// pass through untouched. Finalize prints either grouped human-readable
// output (one header per layer) or one script-friendly
// "image:tag:digest:path" line per match, per spec.md §4.5/§6.
type Search struct {
	// Pattern is a glob (default) or, when Regex is true, a regular
	// expression, matched against both the member's full path and its
	// basename.
	Pattern string
	// Regex selects regexp matching over glob matching.
	Regex bool
	// ScriptFriendly selects the "image:tag:digest:path" output form over
	// the grouped human-readable form.
	ScriptFriendly bool
	// ImageRef is "name:tag", used as the first two fields of
	// script-friendly output.
	ImageRef string
	// Out receives Finalize's output. Required.
	Out io.Writer
	// Wrapped is the next stage. NopSink{} when run standalone.
	Wrapped stream.Sink

	re      *regexp.Regexp
	matches []searchMatch
}

var _ stream.Sink = (*Search)(nil)

// ShouldFetch forwards to Wrapped.
func (f *Search) ShouldFetch(d digest.Digest) bool { return f.Wrapped.ShouldFetch(d) }

func (f *Search) compile() (*regexp.Regexp, error) {
	if !f.Regex || f.re != nil {
		return f.re, nil
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.InvalidInput, f.Pattern, err)
	}
	f.re = re
	return re, nil
}

func (f *Search) matchesName(name string) bool {
	if f.Regex {
		return f.re.MatchString(name) || f.re.MatchString(path.Base(name))
	}
	if ok, _ := filepath.Match(f.Pattern, name); ok {
		return true
	}
	ok, _ := filepath.Match(f.Pattern, path.Base(name))
	return ok
}

// Process implements stream.Sink.
func (f *Search) Process(ctx context.Context, el stream.Element) error {
	if f.Regex {
		if _, err := f.compile(); err != nil {
			return err
		}
	}

	layer, ok := el.(stream.ImageLayer)
	if !ok || layer.Blob == nil {
		return f.Wrapped.Process(ctx, el)
	}

	if _, err := layer.Blob.Seek(0, io.SeekStart); err != nil {
		return ocierr.Wrap(ocierr.IOError, "search: seek layer", err)
	}
	tr := tar.NewReader(layer.Blob)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return ocierr.Wrap(ocierr.IOError, "search: read layer", err)
		}
		if f.matchesName(h.Name) {
			f.matches = append(f.matches, searchMatch{layerDigest: layer.Digest, path: h.Name})
		}
	}
	if _, err := layer.Blob.Seek(0, io.SeekStart); err != nil {
		return ocierr.Wrap(ocierr.IOError, "search: rewind layer", err)
	}
	return f.Wrapped.Process(ctx, el)
}

// Finalize implements stream.Sink. Prints accumulated matches (possibly
// none, which finalizes normally per spec.md §7) then forwards to
// Wrapped.
func (f *Search) Finalize(ctx context.Context, cause error) error {
	if cause == nil {
		if f.ScriptFriendly {
			f.printScriptFriendly()
		} else {
			f.printGrouped()
		}
	}
	return f.Wrapped.Finalize(ctx, cause)
}

func (f *Search) printScriptFriendly() {
	for _, m := range f.matches {
		fmt.Fprintf(f.Out, "%s:%s:%s\n", f.ImageRef, m.layerDigest, m.path) //nolint
	}
}

func (f *Search) printGrouped() {
	var current digest.Digest
	first := true
	for _, m := range f.matches {
		if m.layerDigest != current {
			current = m.layerDigest
			if !first {
				fmt.Fprintln(f.Out) //nolint
			}
			first = false
			fmt.Fprintf(f.Out, "%s:\n", current) //nolint
		}
		fmt.Fprintf(f.Out, "  %s\n", m.path) //nolint
	}
}
