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

// Package registrypush implements stream.Sink against a remote OCI or
// Docker Registry HTTP API v2 host: per-layer compress+hash+dedup+upload
// on a bounded worker pool, and a manifest push in finalize() once every
// upload has settled.
package registrypush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/httpclient"
	"github.com/tetratelabs/occystrap/internal/ociauth"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/reference"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// Options configures a Sink.
type Options struct {
	// Reference is the destination image and tag, e.g. "ghcr.io/foo/bar:latest".
	Reference *reference.Reference
	// Credentials are optional HTTP Basic credentials for the bearer token endpoint.
	Credentials ociauth.Credentials
	// Concurrency is the layer upload worker pool size. Zero means 4.
	Concurrency int
	// Compression is the codec used to re-compress each layer on the
	// way out. Zero means compress.Gzip.
	Compression compress.Format
	// Log receives progress messages. Nil disables logging.
	Log *logrus.Logger
}

// Sink implements stream.Sink by pushing to a registry.
type Sink struct {
	opts    Options
	client  httpclient.HTTPClient
	baseURL string
	sem     *semaphore.Weighted

	mu       sync.Mutex
	wg       sync.WaitGroup
	futures  []*layerResult
	errs     []error
	config   ocispec.Descriptor
	haveConf bool

	completed int
	total     int
}

type layerResult struct {
	done chan struct{}
	desc ocispec.Descriptor
	err  error
}

// New returns a Sink that pushes to opts.Reference. base, when non-nil,
// is the transport under the bearer-token layer; tests pass a recorder there.
func New(ctx context.Context, opts Options, base http.RoundTripper) (*Sink, error) {
	if opts.Reference == nil {
		return nil, ocierr.New(ocierr.InvalidInput, "nil reference")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Compression == compress.None {
		opts.Compression = compress.Gzip
	}
	if base == nil {
		base = httpclient.TransportFromContext(ctx)
	}
	host := opts.Reference.Domain()
	scheme := "https"
	if strings.HasSuffix(host, ":5000") {
		scheme = "http"
	}
	transport := ociauth.New(base, opts.Reference.Path(), "pull,push", opts.Credentials)
	return &Sink{
		opts:    opts,
		client:  httpclient.New(transport),
		baseURL: fmt.Sprintf("%s://%s/v2", scheme, host),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}, nil
}

// ShouldFetch always returns true: dedup for a registry destination keys
// off the wire (compressed) digest, which is only known after this sink
// compresses the layer in Process, so fetch-elision isn't available here.
func (s *Sink) ShouldFetch(digest.Digest) bool { return true }

// Process implements stream.Sink.
func (s *Sink) Process(ctx context.Context, el stream.Element) error {
	switch v := el.(type) {
	case stream.ConfigFile:
		return s.pushConfig(ctx, v)
	case stream.ImageLayer:
		return s.submitLayer(ctx, v)
	default:
		return ocierr.New(ocierr.InvalidInput, fmt.Sprintf("unknown element type %T", el))
	}
}

func (s *Sink) pushConfig(ctx context.Context, cf stream.ConfigFile) error {
	digest := digest.FromBytes(cf.Bytes)
	if err := s.uploadBlob(ctx, digest, int64(len(cf.Bytes)), bytes.NewReader(cf.Bytes)); err != nil {
		return err
	}
	s.mu.Lock()
	s.config = ocispec.Descriptor{MediaType: dockerConfigMediaType, Digest: digest, Size: int64(len(cf.Bytes))}
	s.haveConf = true
	s.mu.Unlock()
	return nil
}

// submitLayer schedules the layer's compress+upload as an independent
// task and returns once it is scheduled, per the concurrency contract;
// the future is recorded in submission order so finalize can author the
// manifest in stream order regardless of completion order.
func (s *Sink) submitLayer(ctx context.Context, layer stream.ImageLayer) error {
	if layer.Blob == nil {
		return ocierr.New(ocierr.InvalidInput, "registry push received an elided layer with no blob")
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return ocierr.Wrap(ocierr.IOError, "layer upload", err)
	}

	result := &layerResult{done: make(chan struct{})}
	s.mu.Lock()
	s.futures = append(s.futures, result)
	s.total++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer close(result.done)
		defer layer.Blob.Close() //nolint

		desc, err := s.compressAndUpload(ctx, layer)
		result.desc, result.err = desc, err
		s.mu.Lock()
		s.completed++
		if err != nil {
			s.errs = append(s.errs, err)
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *Sink) compressAndUpload(ctx context.Context, layer stream.ImageLayer) (ocispec.Descriptor, error) {
	var buf bytes.Buffer
	w, err := compress.NewWriter(s.opts.Compression, &buf)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if _, err := io.Copy(w, layer.Blob); err != nil {
		return ocispec.Descriptor{}, ocierr.Wrap(ocierr.IOError, "compressing layer", err)
	}
	if err := w.Close(); err != nil {
		return ocispec.Descriptor{}, ocierr.Wrap(ocierr.IOError, "compressing layer", err)
	}

	wireDigest := digest.FromBytes(buf.Bytes())
	if err := s.uploadBlob(ctx, wireDigest, int64(buf.Len()), bytes.NewReader(buf.Bytes())); err != nil {
		return ocispec.Descriptor{}, err
	}

	return ocispec.Descriptor{MediaType: layerMediaType(s.opts.Compression), Digest: wireDigest, Size: int64(buf.Len())}, nil
}

// uploadBlob probes for existence, then uploads only on a miss.
func (s *Sink) uploadBlob(ctx context.Context, d digest.Digest, size int64, body *bytes.Reader) error {
	path := s.opts.Reference.Path()
	headURL := fmt.Sprintf("%s/%s/blobs/%s", s.baseURL, path, d.String())
	status, _, err := s.client.Head(ctx, headURL, http.Header{})
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil // already present, dedup hit
	}

	initURL := fmt.Sprintf("%s/%s/blobs/uploads/", s.baseURL, path)
	status, header, respBody, err := s.client.Post(ctx, initURL, http.Header{}, nil)
	if err != nil {
		return err
	}
	if respBody != nil {
		respBody.Close() //nolint
	}
	if status != http.StatusAccepted {
		return ocierr.New(ocierr.ProtocolError, fmt.Sprintf("%s: upload init returned %d", initURL, status))
	}
	location := header.Get("Location")
	if location == "" {
		return ocierr.New(ocierr.ProtocolError, initURL+": upload init response missing Location")
	}

	if !strings.Contains(location, "://") {
		location = s.resolveRelative(location)
	}
	sep := "?"
	if strings.Contains(location, "?") {
		sep = "&"
	}
	putURL := fmt.Sprintf("%s%sdigest=%s", location, sep, d.String())

	putHeader := http.Header{}
	putHeader.Set("Content-Type", "application/octet-stream")
	putHeader.Set("Content-Length", fmt.Sprintf("%d", size))
	status, _, err = s.client.Put(ctx, putURL, putHeader, body)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return ocierr.New(ocierr.ProtocolError, fmt.Sprintf("%s: blob PUT returned %d", putURL, status))
	}
	return nil
}

// resolveRelative joins a registry-issued relative Location against the
// scheme+host of baseURL, since the distribution spec permits registries
// to return either an absolute or a path-only Location.
func (s *Sink) resolveRelative(location string) string {
	idx := strings.Index(s.baseURL, "/v2")
	if idx < 0 {
		return location
	}
	return s.baseURL[:idx] + location
}

// dockerConfigMediaType and dockerManifestMediaType pin the pushed
// manifest to Docker v2 media types regardless of the source's format,
// per the registry writer's contract: the manifest pushed always uses
// the Docker v2 media type, never the OCI one.
const (
	dockerConfigMediaType   = "application/vnd.docker.container.image.v1+json"
	dockerManifestMediaType = "application/vnd.docker.distribution.manifest.v2+json"
	dockerLayerGzipType     = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	dockerLayerZstdType     = "application/vnd.docker.image.rootfs.diff.tar.zstd"
)

func layerMediaType(format compress.Format) string {
	switch format {
	case compress.Zstd:
		return dockerLayerZstdType
	default:
		return dockerLayerGzipType
	}
}

// Finalize implements stream.Sink. On a non-nil cause it drains
// in-flight uploads and returns without pushing a manifest. On success
// it waits for every upload, fails the whole push if any layer failed,
// and otherwise authors and pushes the manifest with layers in
// submission order.
func (s *Sink) Finalize(ctx context.Context, cause error) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	s.reportProgress(ctx, done)
	<-done

	if cause != nil {
		return cause
	}

	s.mu.Lock()
	errs := s.errs
	futures := s.futures
	haveConf := s.haveConf
	config := s.config
	s.mu.Unlock()

	if len(errs) > 0 {
		return ocierr.Wrap(ocierr.TransportError, "registry push", errs[0])
	}
	if !haveConf {
		return ocierr.New(ocierr.InvalidInput, "registry push received no config")
	}

	layers := make([]ocispec.Descriptor, len(futures))
	for i, f := range futures {
		layers[i] = f.desc
	}

	manifest := ocispec.Manifest{
		Versioned: ocispec.Versioned{SchemaVersion: 2},
		MediaType: dockerManifestMediaType,
		Config:    config,
		Layers:    layers,
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, "marshal manifest", err)
	}

	url := fmt.Sprintf("%s/%s/manifests/%s", s.baseURL, s.opts.Reference.Path(), s.opts.Reference.ReferenceOrTag())
	header := http.Header{}
	header.Set("Content-Type", dockerManifestMediaType)
	status, _, err := s.client.Put(ctx, url, header, bytes.NewReader(b))
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return ocierr.New(ocierr.ProtocolError, fmt.Sprintf("%s: manifest PUT returned %d", url, status))
	}
	return nil
}

func (s *Sink) reportProgress(ctx context.Context, done <-chan struct{}) {
	if s.opts.Log == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			completed, total := s.completed, s.total
			s.mu.Unlock()
			s.opts.Log.WithField("completed", completed).WithField("total", total).
				WithField("remaining", total-completed).Info("pushing layers")
		}
	}
}
