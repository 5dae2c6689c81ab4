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

// Package stream defines the element-stream contract that unifies every
// occystrap input (registry, daemon tarball, saved tarball) with every
// output (registry, daemon, tarball, directory, OCI bundle, mounts): a
// single Source hands a lazy Stream of Element values to the head of a
// Sink chain, one at a time, until Next returns io.EOF.
package stream

import (
	"context"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// Element is the tagged union flowing through the pipeline: either a
// ConfigFile or an ImageLayer. Go has no sum type, so this is a marker
// interface implemented by exactly those two concrete types.
type Element interface {
	isElement()
}

// ConfigFile is the image configuration JSON. It appears exactly once,
// always before any ImageLayer.
type ConfigFile struct {
	// Name is the config's manifest-relative filename, e.g. "<hex>.json".
	Name string
	// Bytes is the full config JSON.
	Bytes []byte
}

func (ConfigFile) isElement() {}

// ImageLayer is one layer of the image, in manifest order. Blob is nil
// when a ShouldFetch predicate elided the fetch because a sink already
// holds that content; Blob is otherwise an uncompressed tar archive
// whose sha256 equals Digest (the DiffID).
type ImageLayer struct {
	Digest digest.Digest
	Blob   Blob
}

func (ImageLayer) isElement() {}

// Blob is a seekable byte body. Implementations may be backed by memory
// or a temporary file; whichever filter or sink creates one owns its
// underlying storage and must Close it once the next stage has drained
// it.
type Blob interface {
	io.ReadSeeker
	io.Closer
}

// ShouldFetch is a sink-supplied predicate consulted by a Source before
// it does the network or disk work to materialize a layer's bytes. When
// it returns false the Source yields ImageLayer{Digest, Blob: nil}.
type ShouldFetch func(d digest.Digest) bool

// AlwaysFetch is the ShouldFetch a caller uses when it has no dedup
// information, e.g. the first leg of a pipeline with no sink yet wired.
func AlwaysFetch(digest.Digest) bool { return true }

// Stream is a finite, ordered, non-restartable sequence of Element,
// modeled as an iterator rather than a channel so a Source can keep
// ordinary local state (an open archive, an open HTTP response) between
// calls without a goroutine.
type Stream interface {
	// Next returns the next Element, or io.EOF once the stream is
	// exhausted. Any other error aborts the pipeline.
	Next(ctx context.Context) (Element, error)
}

// Source produces an element stream honoring a caller's ShouldFetch.
type Source interface {
	Fetch(ctx context.Context, shouldFetch ShouldFetch) (Stream, error)
}

// Sink is the tail of a filter chain, or a Filter's wrapped successor.
// Filters forward ShouldFetch to their wrapped Sink by default.
type Sink interface {
	// ShouldFetch reports whether this sink (or something downstream of
	// it) already holds the content named by digest, letting a Source
	// skip the fetch.
	ShouldFetch(d digest.Digest) bool

	// Process handles one Element. Errors return synchronously; the
	// driver aborts the stream on the first one.
	Process(ctx context.Context, el Element) error

	// Finalize is called exactly once after the stream ends (or aborts).
	// cause is nil on a clean end-of-stream, or the error that aborted
	// the stream. Sinks author their output manifests here, from
	// whatever digests actually arrived, and must use a non-nil cause to
	// skip side effects (pushing a manifest, committing a load) while
	// still cleaning up temporary files on both paths.
	Finalize(ctx context.Context, cause error) error
}

// NopSink is a terminal Sink that discards every element: useful for
// tee filters (Inspect, Search) run standalone with nothing further to
// forward to.
type NopSink struct{}

// ShouldFetch always returns true: a NopSink has no dedup information.
func (NopSink) ShouldFetch(digest.Digest) bool { return true }

// Process closes the element's blob, if any, and otherwise does nothing.
func (NopSink) Process(_ context.Context, el Element) error {
	if layer, ok := el.(ImageLayer); ok && layer.Blob != nil {
		return layer.Blob.Close()
	}
	return nil
}

// Finalize does nothing.
func (NopSink) Finalize(context.Context, error) error { return nil }

// Run is the driver loop: pull one Element at a time from source and
// hand it to sink, until the stream ends or an Element fails. It always
// calls sink.Finalize, passing the error (if any) that ended the loop.
func Run(ctx context.Context, source Source, sink Sink) error {
	s, err := source.Fetch(ctx, sink.ShouldFetch)
	if err != nil {
		sink.Finalize(ctx, err) //nolint
		return err
	}

	var runErr error
	for {
		el, err := s.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			runErr = err
			break
		}
		if err := sink.Process(ctx, el); err != nil {
			runErr = err
			break
		}
	}

	if fErr := sink.Finalize(ctx, runErr); runErr == nil {
		runErr = fErr
	}
	return runErr
}
