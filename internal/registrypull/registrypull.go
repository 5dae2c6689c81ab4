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

// Package registrypull implements stream.Source against a remote OCI or
// Docker Registry HTTP API v2 host: manifest/index resolution, config
// fetch, and bounded-concurrency layer fetch that still emits elements
// in manifest order.
package registrypull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/httpclient"
	"github.com/tetratelabs/occystrap/internal/ociauth"
	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/platform"
	"github.com/tetratelabs/occystrap/internal/reference"
	"github.com/tetratelabs/occystrap/internal/stream"
)

const acceptManifests = ocispec.MediaTypeImageIndex + "," + ocispec.MediaTypeImageManifest +
	",application/vnd.docker.distribution.manifest.list.v2+json,application/vnd.docker.distribution.manifest.v2+json"

// Options configures a Source.
type Options struct {
	// Reference is the image to pull, e.g. "docker.io/library/alpine:3.14.0".
	Reference *reference.Reference
	// Platform selects a manifest out of a multi-arch index. The zero
	// value is valid only when the index (or the registry) resolves to
	// exactly one manifest.
	Platform platform.Platform
	// Credentials are optional HTTP Basic credentials for the bearer
	// token endpoint.
	Credentials ociauth.Credentials
	// Concurrency is the layer-fetch worker pool size. Zero means 4.
	Concurrency int
	// Log receives progress messages. Nil disables logging.
	Log *logrus.Logger
}

// Source implements stream.Source by pulling from a registry.
type Source struct {
	opts    Options
	client  httpclient.HTTPClient
	baseURL string
}

// New returns a Source for opts.Reference. base, when non-nil, is the
// transport under the bearer-token layer; tests pass a recorder there.
func New(ctx context.Context, opts Options, base http.RoundTripper) (*Source, error) {
	if opts.Reference == nil {
		return nil, ocierr.New(ocierr.InvalidInput, "nil reference")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if base == nil {
		base = httpclient.TransportFromContext(ctx)
	}
	host := opts.Reference.Domain()
	scheme := "https"
	if strings.HasSuffix(host, ":5000") {
		scheme = "http"
	}
	transport := ociauth.New(base, opts.Reference.Path(), "pull", opts.Credentials)
	return &Source{
		opts:    opts,
		client:  httpclient.New(transport),
		baseURL: fmt.Sprintf("%s://%s/v2", scheme, host),
	}, nil
}

// Fetch implements stream.Source.
func (s *Source) Fetch(ctx context.Context, shouldFetch stream.ShouldFetch) (stream.Stream, error) {
	manifest, err := s.resolveManifest(ctx)
	if err != nil {
		return nil, err
	}
	configBytes, err := s.fetchConfig(ctx, manifest.Config)
	if err != nil {
		return nil, err
	}

	var configImage ocispec.Image
	if err := unmarshalJSON(configBytes, &configImage, "config"); err != nil {
		return nil, err
	}
	diffIDs := configImage.RootFS.DiffIDs
	if len(diffIDs) != len(manifest.Layers) {
		return nil, ocierr.New(ocierr.ProtocolError,
			fmt.Sprintf("manifest has %d layers but config.rootfs has %d diff_ids", len(manifest.Layers), len(diffIDs)))
	}

	layers, err := s.fetchLayers(ctx, manifest.Layers, diffIDs, shouldFetch)
	if err != nil {
		return nil, err
	}

	elements := make([]stream.Element, 0, len(layers)+1)
	elements = append(elements, stream.ConfigFile{Name: "config.json", Bytes: configBytes})
	elements = append(elements, layers...)
	return &sliceStream{elements: elements}, nil
}

func (s *Source) resolveManifest(ctx context.Context) (*ocispec.Manifest, error) {
	header := http.Header{}
	header.Add("Accept", acceptManifests)

	url := fmt.Sprintf("%s/%s/manifests/%s", s.baseURL, s.opts.Reference.Path(), s.opts.Reference.ReferenceOrTag())
	body, mediaType, err := s.client.Get(ctx, url, header)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, url, err)
	}

	switch {
	case isIndexMediaType(mediaType):
		return s.resolveManifestFromIndex(ctx, b, url)
	case isManifestMediaType(mediaType):
		return unmarshalManifest(b, url)
	default:
		return nil, ocierr.New(ocierr.UnsupportedFormat, url+": unrecognised mediaType "+mediaType)
	}
}

func (s *Source) resolveManifestFromIndex(ctx context.Context, b []byte, url string) (*ocispec.Manifest, error) {
	var index ocispec.Index
	if err := unmarshalJSON(b, &index, url); err != nil {
		return nil, err
	}

	for _, desc := range index.Manifests {
		if desc.Platform == nil {
			continue
		}
		p := platform.Platform{OS: desc.Platform.OS, Architecture: desc.Platform.Architecture, Variant: desc.Platform.Variant}
		if !p.Matches(s.opts.Platform) {
			continue
		}
		manifestURL := fmt.Sprintf("%s/%s/manifests/%s", s.baseURL, s.opts.Reference.Path(), desc.Digest.String())
		var manifest ocispec.Manifest
		if err := s.client.GetJSON(ctx, manifestURL, desc.MediaType, &manifest); err != nil {
			return nil, err
		}
		return &manifest, nil
	}
	return nil, ocierr.New(ocierr.NotFound, fmt.Sprintf("%s: no manifest for platform %s", url, s.opts.Platform))
}

func (s *Source) fetchConfig(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/blobs/%s", s.baseURL, s.opts.Reference.Path(), desc.Digest.String())
	header := http.Header{}
	header.Add("Accept", desc.MediaType)
	body, _, err := s.client.Get(ctx, url, header)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, url, err)
	}
	if err := digestutil.Verify(url, bytes.NewReader(b), desc.Digest); err != nil {
		return nil, err
	}
	return b, nil
}

// fetchLayers submits every layer the sink wants to a bounded worker
// pool, then returns them in manifest order regardless of completion
// order: each result slot is written by exactly one worker, indexed by
// its position in descs/diffIDs, so collection order is just the slice.
func (s *Source) fetchLayers(ctx context.Context, descs []ocispec.Descriptor, diffIDs []digest.Digest, shouldFetch stream.ShouldFetch) ([]stream.Element, error) {
	results := make([]stream.Element, len(descs))
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, desc := range descs {
		i, desc := i, desc
		diffID := diffIDs[i]
		if !shouldFetch(diffID) {
			results[i] = stream.ImageLayer{Digest: diffID, Blob: nil}
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, "layer fetch", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			blob, err := s.fetchLayerWithRetry(gctx, desc, diffID)
			if err != nil {
				return err
			}
			results[i] = stream.ImageLayer{Digest: diffID, Blob: blob}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// newLayerBackOff returns the exponential back-off spec.md §4.3 mandates
// for layer fetch retries: 1s, 2s, 4s. backoff.NewExponentialBackOff's
// own defaults (a shorter initial interval, a randomization factor) are
// tuned for general-purpose retry, not this exact schedule, so every
// relevant field is pinned explicitly rather than left at the library
// default.
func newLayerBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return bo
}

func (s *Source) fetchLayerWithRetry(ctx context.Context, desc ocispec.Descriptor, diffID digest.Digest) (stream.Blob, error) {
	url := fmt.Sprintf("%s/%s/blobs/%s", s.baseURL, s.opts.Reference.Path(), desc.Digest.String())

	operation := func() (stream.Blob, error) {
		blob, err := s.fetchLayer(ctx, url, desc, diffID)
		if err != nil {
			if oe, ok := err.(*ocierr.Error); ok && oe.Kind == ocierr.TransportError {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return blob, nil
	}

	blob, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newLayerBackOff()),
		backoff.WithMaxTries(4), // 1 initial + 3 retries, per 1s/2s/4s back-off
	)
	if err != nil {
		if s.opts.Log != nil {
			s.opts.Log.WithField("digest", desc.Digest).WithError(err).Warn("layer fetch failed after retries")
		}
		return nil, err
	}
	return blob, nil
}

// fetchLayer downloads the blob named by desc.Digest (the wire/compressed
// digest), verifying it as the bytes arrive, then decompresses to a temp
// file while separately hashing the decompressed stream to confirm it
// matches diffID, the uncompressed digest the config and the stream
// element both key on.
func (s *Source) fetchLayer(ctx context.Context, url string, desc ocispec.Descriptor, diffID digest.Digest) (stream.Blob, error) {
	header := http.Header{}
	header.Add("Accept", desc.MediaType)
	body, _, err := s.client.Get(ctx, url, header)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint

	format, err := compress.DetectMediaType(desc.MediaType)
	if err != nil {
		format = compress.Gzip // defaulting to gzip for backward-compat, per the media-type fallback rule
	}

	tmp, err := os.CreateTemp("", "occystrap-layer-*")
	if err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, url, err)
	}
	cleanup := func() {
		tmp.Close()           //nolint
		os.Remove(tmp.Name()) //nolint
	}

	wireHasher := digest.Canonical.Digester()
	tee := io.TeeReader(body, wireHasher.Hash())

	dec, err := compress.NewReader(format, tee)
	if err != nil {
		cleanup()
		return nil, err
	}
	diffIDHasher := digest.Canonical.Digester()
	mw := io.MultiWriter(tmp, diffIDHasher.Hash())
	if _, err := io.Copy(mw, dec); err != nil {
		dec.Close() //nolint
		cleanup()
		return nil, ocierr.Wrap(ocierr.TransportError, url, err)
	}
	dec.Close() //nolint

	if got := wireHasher.Digest(); got != desc.Digest {
		cleanup()
		return nil, ocierr.New(ocierr.IntegrityError, fmt.Sprintf("%s: expected blob digest %s, got %s", url, desc.Digest, got))
	}
	if got := diffIDHasher.Digest(); got != diffID {
		cleanup()
		return nil, ocierr.New(ocierr.IntegrityError, fmt.Sprintf("%s: expected diffID %s, got %s", url, diffID, got))
	}

	return digestutil.NewFileBlob(tmp)
}

func isIndexMediaType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func isManifestMediaType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageManifest || mediaType == "application/vnd.docker.distribution.manifest.v2+json"
}

func unmarshalManifest(b []byte, url string) (*ocispec.Manifest, error) {
	var manifest ocispec.Manifest
	if err := unmarshalJSON(b, &manifest, url); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func unmarshalJSON(b []byte, v interface{}, url string) error {
	if err := json.Unmarshal(b, v); err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, url, err)
	}
	return nil
}

type sliceStream struct {
	elements []stream.Element
	idx      int
}

func (s *sliceStream) Next(ctx context.Context) (stream.Element, error) {
	if s.idx >= len(s.elements) {
		return nil, io.EOF
	}
	e := s.elements[s.idx]
	s.idx++
	return e, nil
}
