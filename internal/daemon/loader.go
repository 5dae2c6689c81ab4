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
	"context"
	"fmt"
	"net/http"
	"os"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarball"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Socket is the daemon's Unix domain socket path.
	Socket string
	// RepoTags is written into the save-tarball's manifest.json, exactly as
	// "docker load" uses it to tag the resulting image.
	RepoTags []string
	Log      *logrus.Logger
	// Transport, when non-nil, replaces the Unix socket dialer.
	Transport http.RoundTripper
}

// Loader implements stream.Sink by assembling a legacy v1.2 save-tarball
// (the format every daemon's load endpoint accepts, unlike OCI-in-tar,
// which only some support) in a temp file and POSTing it whole to the
// daemon's "/images/load" endpoint on Finalize. No daemon API lets an
// image be loaded incrementally, so unlike the other sinks, the upload
// itself only happens at Finalize.
type Loader struct {
	opts LoaderOptions
	log  *logrus.Logger

	tmpPath string
	writer  *tarball.Writer
}

// NewLoader returns a Loader for opts.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	f, err := os.CreateTemp("", "occystrap-daemon-load-*.tar")
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, "daemon loader", err)
	}
	path := f.Name()
	f.Close() //nolint

	w, err := tarball.NewWriter(path, tarball.WriterOptions{Layout: tarball.LayoutLegacy, RepoTags: opts.RepoTags})
	if err != nil {
		os.Remove(path) //nolint
		return nil, err
	}
	return &Loader{opts: opts, log: opts.Log, tmpPath: path, writer: w}, nil
}

// ShouldFetch always returns true: a daemon has no way to report which
// layers it already has without a full image load.
func (l *Loader) ShouldFetch(digest.Digest) bool { return true }

// Process implements stream.Sink by delegating to the tarball writer
// assembling the save-tarball.
func (l *Loader) Process(ctx context.Context, el stream.Element) error {
	return l.writer.Process(ctx, el)
}

// Finalize implements stream.Sink. On success it closes the save-tarball
// and POSTs it to the daemon, removing the temp file once the upload
// completes (or fails) either way.
func (l *Loader) Finalize(ctx context.Context, cause error) error {
	if err := l.writer.Finalize(ctx, cause); err != nil {
		os.Remove(l.tmpPath) //nolint
		return err
	}
	defer os.Remove(l.tmpPath) //nolint

	f, err := os.Open(l.tmpPath)
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, l.tmpPath, err)
	}
	defer f.Close() //nolint

	info, err := f.Stat()
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, l.tmpPath, err)
	}
	l.log.WithField("bytes", info.Size()).Debug("uploading save-tarball to daemon")

	client := newClient(l.opts.Socket, l.opts.Transport)
	status, _, body, err := client.Post(ctx, daemonBaseURL+"/images/load", nil, f)
	if err != nil {
		return err
	}
	defer body.Close() //nolint
	if status != 200 {
		return ocierr.New(ocierr.ProtocolError, fmt.Sprintf("daemon load: received %v status code", status))
	}
	return nil
}
