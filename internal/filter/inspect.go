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
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// Inspect is a read-only tee: it parses the config's history, records
// each layer's (digest, uncompressed size), and in Finalize appends one
// JSON line describing the image to OutputPath. Layers are output
// topmost-first (reverse arrival order); only the topmost entry carries
// ImageRef as its Tags. History entry i (after dropping empty-layer
// entries) is correlated with layer i by position — spec.md's
// documented limitation when a producer's history drifts from its
// layer count.
type Inspect struct {
	// ImageRef is the "name:tag" recorded against the topmost layer.
	ImageRef string
	// OutputPath is opened in append mode, one JSON object per call.
	OutputPath string
	// Wrapped is the next stage. NopSink{} when run standalone.
	Wrapped stream.Sink

	history []historyEntry
	layers  []inspectLayer
}

type historyEntry struct {
	createdUnix int64
	createdBy   string
	comment     string
}

type inspectLayer struct {
	digest digest.Digest
	size   int64
}

var _ stream.Sink = (*Inspect)(nil)

// ShouldFetch forwards to Wrapped.
func (f *Inspect) ShouldFetch(d digest.Digest) bool { return f.Wrapped.ShouldFetch(d) }

// rawConfigHistory mirrors the handful of OCI image-config fields Inspect
// needs, parsed independently of ocispec.Image so a malformed
// "created" string degrades that one field to zero instead of failing
// the whole config parse — spec.md §4.5's "unparseable or missing
// timestamps become 0".
type rawConfigHistory struct {
	History []struct {
		Created    *string `json:"created"`
		CreatedBy  string  `json:"created_by"`
		Comment    string  `json:"comment"`
		EmptyLayer bool    `json:"empty_layer"`
	} `json:"history"`
}

// Process implements stream.Sink.
func (f *Inspect) Process(ctx context.Context, el stream.Element) error {
	switch v := el.(type) {
	case stream.ConfigFile:
		var raw rawConfigHistory
		if err := json.Unmarshal(v.Bytes, &raw); err != nil {
			return ocierr.Wrap(ocierr.ProtocolError, "inspect: parse config", err)
		}
		for _, h := range raw.History {
			if h.EmptyLayer {
				continue
			}
			f.history = append(f.history, historyEntry{
				createdUnix: parseCreated(h.Created),
				createdBy:   h.CreatedBy,
				comment:     h.Comment,
			})
		}
		return f.Wrapped.Process(ctx, el)
	case stream.ImageLayer:
		size, err := measureAndRewind(v.Blob)
		if err != nil {
			return err
		}
		f.layers = append(f.layers, inspectLayer{digest: v.Digest, size: size})
		return f.Wrapped.Process(ctx, el)
	default:
		return f.Wrapped.Process(ctx, el)
	}
}

// measureAndRewind reads blob to completion counting its bytes, then
// seeks back to the start so the next stage sees a fresh stream,
// matching Search's "rewind before forwarding" contract.
func measureAndRewind(blob stream.Blob) (int64, error) {
	if blob == nil {
		return 0, nil
	}
	n, err := io.Copy(io.Discard, blob)
	if err != nil {
		return 0, ocierr.Wrap(ocierr.IOError, "inspect: measure layer", err)
	}
	if _, err := blob.Seek(0, io.SeekStart); err != nil {
		return 0, ocierr.Wrap(ocierr.IOError, "inspect: rewind layer", err)
	}
	return n, nil
}

// parseCreated parses an OCI "created" timestamp. Go's RFC3339Nano
// layout already accepts a trailing "Z", but the Python original treats
// it as a literal "+00:00" substitution before parsing; both produce the
// same instant, so this keeps that substitution as documented behavior
// rather than relying on the coincidence.
func parseCreated(s *string) int64 {
	if s == nil || *s == "" {
		return 0
	}
	v := *s
	if strings.HasSuffix(v, "Z") {
		v = strings.TrimSuffix(v, "Z") + "+00:00"
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Unix()
		}
	}
	return 0
}

type inspectLayerJSON struct {
	ID        string   `json:"Id"`
	Size      int64    `json:"Size"`
	Created   int64    `json:"Created"`
	CreatedBy string   `json:"CreatedBy"`
	Comment   string   `json:"Comment"`
	Tags      []string `json:"Tags"`
}

type inspectImageJSON struct {
	Name   string              `json:"name"`
	Layers []inspectLayerJSON `json:"layers"`
}

// Finalize implements stream.Sink. On a non-nil cause it skips writing
// (the accumulated state may be partial) but still forwards Finalize to
// Wrapped. It writes normally — including on zero layers — otherwise.
func (f *Inspect) Finalize(ctx context.Context, cause error) error {
	if cause != nil {
		return f.Wrapped.Finalize(ctx, cause)
	}

	out := make([]inspectLayerJSON, len(f.layers))
	for i, l := range f.layers {
		var hist historyEntry
		if i < len(f.history) {
			hist = f.history[i]
		}
		out[i] = inspectLayerJSON{
			ID:        l.digest.String(),
			Size:      l.size,
			Created:   hist.createdUnix,
			CreatedBy: hist.createdBy,
			Comment:   hist.comment,
		}
	}
	// Reverse: topmost (last arrived) first. Only the topmost entry gets Tags.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > 0 {
		out[0].Tags = []string{f.ImageRef}
	}

	line, err := json.Marshal(inspectImageJSON{Name: f.ImageRef, Layers: out})
	if err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, "inspect: marshal", err)
	}

	if err := appendLine(f.OutputPath, line); err != nil {
		return err
	}
	return f.Wrapped.Finalize(ctx, nil)
}

func appendLine(path string, line []byte) error {
	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	defer out.Close() //nolint
	if _, err := out.Write(append(line, '\n')); err != nil {
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	return nil
}
