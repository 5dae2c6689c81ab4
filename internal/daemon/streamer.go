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

package daemon

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// copyChunkSize bounds how much of a buffered out-of-order member is held
// in one io.CopyBuffer call; layers themselves always land on disk, never
// in memory, regardless of chunk size.
const copyChunkSize = 1 << 20

// StreamerOptions configures a Streamer.
type StreamerOptions struct {
	// Socket is the daemon's Unix domain socket path, e.g.
	// "/var/run/docker.sock".
	Socket string
	// Reference is the image name:tag or name@digest to export, exactly as
	// the daemon would accept it in "docker save <reference>".
	Reference string
	Log       *logrus.Logger
	// Transport, when non-nil, replaces the Unix socket dialer. Tests use
	// this to point at an httptest.Server instead.
	Transport http.RoundTripper
}

// Streamer implements stream.Source over a container daemon's "export this
// image as a save-tarball" endpoint. Per spec.md §4.4, the daemon's
// save-tarball is not necessarily written in an order a consumer can
// process as it arrives — legacy-layout layer directory names are
// unpredictable ahead of manifest.json, which always comes last — so
// Streamer pre-resolves what it can from a preceding inspect call and
// buffers to temp files whatever it can't yet place.
type Streamer struct {
	opts StreamerOptions
	log  *logrus.Logger
}

// NewStreamer returns a Streamer for opts.
func NewStreamer(opts StreamerOptions) *Streamer {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Streamer{opts: opts, log: opts.Log}
}

// Fetch implements stream.Source. It issues the daemon inspect call to
// precompute an expected OCI-layout manifest, then opens the save-tarball
// stream and begins resolving it.
func (s *Streamer) Fetch(ctx context.Context, shouldFetch stream.ShouldFetch) (stream.Stream, error) {
	client := newClient(s.opts.Socket, s.opts.Transport)

	var insp inspectResponse
	if err := client.GetJSON(ctx, daemonBaseURL+"/images/"+s.opts.Reference+"/json", "application/json", &insp); err != nil {
		return nil, err
	}
	imageIDHex := strings.TrimPrefix(insp.ID, "sha256:")
	s.log.WithFields(logrus.Fields{"image": s.opts.Reference, "parent": insp.Config.Image}).Debug("daemon inspect resolved")

	diffIDs := make([]digest.Digest, len(insp.RootFS.Layers))
	for i, l := range insp.RootFS.Layers {
		diffIDs[i] = digest.Digest(l)
	}

	body, _, err := client.Get(ctx, daemonBaseURL+"/images/"+s.opts.Reference+"/get", nil)
	if err != nil {
		return nil, err
	}

	st := &daemonStream{
		tr:          tar.NewReader(body),
		body:        body,
		shouldFetch: shouldFetch,
		imageIDHex:  imageIDHex,
		diffIDs:     diffIDs,
		pending:     map[string]*os.File{},
		log:         s.log,
	}
	// An OCI-layout daemon stream names blobs "blobs/sha256/<diffID>" and
	// the config "blobs/sha256/<imageID>" — both fully predictable from the
	// inspect response, so resolution (and therefore streaming without
	// buffering the whole image) can start immediately. If the stream
	// turns out to be legacy layout instead, the first member's name won't
	// start with "blobs/", handleMember never adopts precomputeCandidate,
	// and resolution waits for the real manifest.json.
	st.precomputeOCI()
	return st, nil
}

type daemonStream struct {
	tr   *tar.Reader
	body io.ReadCloser
	log  *logrus.Logger

	shouldFetch stream.ShouldFetch
	imageIDHex  string
	diffIDs     []digest.Digest

	formatKnown bool
	oci         bool
	configPath  string

	resolved bool
	expected []string
	refCount map[string]int
	cursor   int

	// precomputeCandidate holds the OCI-layout manifest guessed from the
	// inspect response, used only until the first concrete member reveals
	// the real layout (handleMember either adopts or discards it).
	precomputeCandidate []string

	configEmitted bool
	pending       map[string]*os.File
	ready         []stream.Element

	closed bool
}

func (s *daemonStream) precomputeOCI() {
	s.precomputeCandidate = make([]string, len(s.diffIDs))
	for i, d := range s.diffIDs {
		s.precomputeCandidate[i] = "blobs/sha256/" + d.Encoded()
	}
}

func (s *daemonStream) configCandidatePath() string {
	if s.oci {
		return "blobs/sha256/" + s.imageIDHex
	}
	return s.imageIDHex + ".json"
}

// Next implements stream.Stream.
func (s *daemonStream) Next(ctx context.Context) (stream.Element, error) {
	for {
		if len(s.ready) > 0 {
			el := s.ready[0]
			s.ready = s.ready[1:]
			return el, nil
		}

		h, err := s.tr.Next()
		if err == io.EOF {
			return nil, s.finish()
		} else if err != nil {
			s.closeBody()
			return nil, ocierr.Wrap(ocierr.TransportError, "daemon save stream", err)
		}

		if err := s.handleMember(h); err != nil {
			s.closeBody()
			return nil, err
		}
	}
}

func (s *daemonStream) handleMember(h *tar.Header) error {
	name := h.Name
	if !s.formatKnown {
		s.formatKnown = true
		s.oci = strings.HasPrefix(name, "blobs/")
		s.configPath = s.configCandidatePath()
		if s.oci && s.precomputeCandidate != nil {
			// Precompute assumed OCI layout and it matched: adopt it so
			// layers flush to the ready queue as they physically arrive,
			// rather than waiting for the trailing manifest.json.
			s.adoptExpected(s.precomputeCandidate)
			s.resolved = true
		}
	}

	switch {
	case name == manifestFilename:
		return s.handleManifest()
	case !s.configEmitted && name == s.configPath:
		b, err := io.ReadAll(io.LimitReader(s.tr, h.Size))
		if err != nil {
			return ocierr.Wrap(ocierr.IOError, name, err)
		}
		s.ready = append(s.ready, stream.ConfigFile{Name: name, Bytes: b})
		s.configEmitted = true
		return nil
	default:
		return s.ingestOrBuffer(name)
	}
}

func (s *daemonStream) ingestOrBuffer(name string) error {
	tmp, err := os.CreateTemp("", "occystrap-daemon-member-*")
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, name, err)
	}
	if _, err := io.CopyBuffer(tmp, s.tr, make([]byte, copyChunkSize)); err != nil {
		tmp.Close()           //nolint
		os.Remove(tmp.Name()) //nolint
		return ocierr.Wrap(ocierr.IOError, name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()           //nolint
		os.Remove(tmp.Name()) //nolint
		return ocierr.Wrap(ocierr.IOError, name, err)
	}
	s.pending[name] = tmp
	if s.resolved {
		return s.flush()
	}
	return nil
}

func (s *daemonStream) handleManifest() error {
	var entries []manifestEntry
	if err := json.NewDecoder(s.tr).Decode(&entries); err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, manifestFilename, err)
	}
	if len(entries) == 0 {
		return ocierr.New(ocierr.ProtocolError, "daemon save stream: empty manifest.json")
	}
	entry := entries[0]

	switch {
	case s.resolved && s.precomputeCandidate != nil:
		// OCI precompute was adopted at the first member; verify it against
		// the authoritative trailing manifest and fall back on mismatch.
		if !sameSet(entry.Layers, s.expected) || entry.Config != s.configPath {
			s.log.Warn("daemon save stream: precomputed OCI manifest did not match actual manifest.json, falling back")
			s.configPath = entry.Config
			s.adoptExpected(entry.Layers)
		}
	default:
		// Legacy layout: layer paths were unpredictable, so nothing has been
		// resolved until now.
		s.configPath = entry.Config
		s.adoptExpected(entry.Layers)
		s.resolved = true
	}

	if !s.configEmitted {
		tmp, ok := s.pending[s.configPath]
		if !ok {
			return ocierr.New(ocierr.NotFound, "daemon save stream: config member "+s.configPath+" not found")
		}
		b, err := io.ReadAll(tmp)
		if err != nil {
			return ocierr.Wrap(ocierr.IOError, s.configPath, err)
		}
		tmp.Close()                 //nolint
		os.Remove(tmp.Name())       //nolint
		delete(s.pending, s.configPath)
		s.ready = append(s.ready, stream.ConfigFile{Name: s.configPath, Bytes: b})
		s.configEmitted = true
	}
	return s.flush()
}

// adoptExpected installs layers as the ordered list of member names still
// to be emitted, with a fresh reference count for duplicate paths.
func (s *daemonStream) adoptExpected(layers []string) {
	s.expected = append([]string(nil), layers...)
	s.refCount = map[string]int{}
	for _, p := range s.expected {
		s.refCount[p]++
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// flush emits elements for as many leading, not-yet-satisfied entries of
// expected as are currently available in pending, preserving duplicate
// references to the same physical member per spec.md's scenario S3.
func (s *daemonStream) flush() error {
	for s.cursor < len(s.expected) {
		path := s.expected[s.cursor]
		diffID := s.diffIDs[s.cursor]

		tmp, ok := s.pending[path]
		if !ok {
			break
		}
		if !s.shouldFetch(diffID) {
			s.ready = append(s.ready, stream.ImageLayer{Digest: diffID, Blob: nil})
		} else {
			blob, err := s.copyOut(path, tmp)
			if err != nil {
				return err
			}
			s.ready = append(s.ready, stream.ImageLayer{Digest: diffID, Blob: blob})
		}

		s.refCount[path]--
		if s.refCount[path] <= 0 {
			tmp.Close()           //nolint
			os.Remove(tmp.Name()) //nolint
			delete(s.pending, path)
		} else if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return ocierr.Wrap(ocierr.IOError, path, err)
		}
		s.cursor++
	}
	return nil
}

// copyOut duplicates tmp's current contents into a fresh, independently
// owned temp file: pending[path] may still be needed for a later duplicate
// reference to the same path, while the returned blob will be closed (and
// deleted) by whatever consumes this element.
func (s *daemonStream) copyOut(path string, tmp *os.File) (stream.Blob, error) {
	out, err := os.CreateTemp("", "occystrap-daemon-layer-*")
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	if _, err := io.Copy(out, tmp); err != nil {
		out.Close()           //nolint
		os.Remove(out.Name()) //nolint
		return nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	blob, err := digestutil.NewFileBlob(out)
	if err != nil {
		out.Close()           //nolint
		os.Remove(out.Name()) //nolint
		return nil, ocierr.Wrap(ocierr.IOError, path, err)
	}
	return blob, nil
}

func (s *daemonStream) finish() error {
	defer s.closeBody()
	if !s.resolved || !s.configEmitted || s.cursor < len(s.expected) {
		s.discardPending()
		return ocierr.New(ocierr.ProtocolError, fmt.Sprintf(
			"daemon save stream ended early: resolved=%v config=%v layers=%d/%d",
			s.resolved, s.configEmitted, s.cursor, len(s.expected)))
	}
	return io.EOF
}

func (s *daemonStream) discardPending() {
	for name, f := range s.pending {
		f.Close()           //nolint
		os.Remove(f.Name()) //nolint
		delete(s.pending, name)
	}
}

func (s *daemonStream) closeBody() {
	if s.closed {
		return
	}
	s.closed = true
	s.discardPending()
	s.body.Close() //nolint
}
