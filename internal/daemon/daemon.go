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

// Package daemon talks to a local container daemon's Unix-domain HTTP
// socket (Docker or Podman's Docker-compat socket, interchangeably):
// Streamer implements stream.Source by consuming the daemon's
// "save whole image as tar" endpoint without buffering the whole image,
// and Loader implements stream.Sink by building a v1.2 save-tarball and
// POSTing it to the daemon's image-load endpoint.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tetratelabs/occystrap/internal/httpclient"
)

// unixTransport returns an http.RoundTripper dialing a Unix domain
// socket for every request, regardless of the request URL's host — the
// idiomatic stdlib way to talk to a daemon socket; no third-party
// library in the retrieved examples adds anything over
// net.Dial("unix", ...) plus http.Transport.DialContext.
func unixTransport(socketPath string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
		IdleConnTimeout: 90 * time.Second,
	}
}

// newClient returns an httpclient.HTTPClient talking to socketPath, or, if
// transport is non-nil, through transport instead — tests pass an
// httptest-backed recorder there rather than dialing a real socket.
func newClient(socketPath string, transport http.RoundTripper) httpclient.HTTPClient {
	if transport == nil {
		transport = unixTransport(socketPath)
	}
	return httpclient.New(transport)
}

// daemonBaseURL is a fixed placeholder host: the Unix socket dialer
// above ignores it, but net/http requires a syntactically valid URL.
const daemonBaseURL = "http://daemon"

// inspectResponse mirrors only the fields Streamer needs from
// "GET /images/<name:tag>/json": the image ID (sha256 of the config
// JSON) and RootFS.Layers (the DiffIDs, in manifest order). Kept local
// rather than importing github.com/docker/docker/api/types/image, which
// would pull in the full moby/moby API client graph for three fields.
type inspectResponse struct {
	ID     string `json:"Id"`
	Config struct {
		// Image is the parent image ID, used only for a debug log line,
		// matching occystrap/inputs/docker.py's inspect call.
		Image string `json:"Image"`
	} `json:"Config"`
	RootFS struct {
		Layers []string `json:"Layers"`
	} `json:"RootFS"`
}
