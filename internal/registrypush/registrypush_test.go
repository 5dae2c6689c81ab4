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

package registrypush

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/compress"
	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/reference"
	"github.com/tetratelabs/occystrap/internal/stream"
)

func TestSink_PushesConfigAndLayer(t *testing.T) {
	fake := newFakeRegistry()
	ref := reference.MustParse("occystrap_test/foo:latest")
	sink, err := New(context.Background(), Options{Reference: ref}, fake)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: []byte(`{"os":"linux"}`)}))
	require.NoError(t, sink.Process(ctx, stream.ImageLayer{Blob: digestutil.MemoryBlob([]byte("layer one"))}))
	require.NoError(t, sink.Finalize(ctx, nil))

	require.Equal(t, 1, fake.manifestPuts)
	require.GreaterOrEqual(t, fake.blobPuts, 2) // config + layer
}

func TestSink_FinalizeSkipsManifestOnCause(t *testing.T) {
	fake := newFakeRegistry()
	ref := reference.MustParse("occystrap_test/foo:latest")
	sink, err := New(context.Background(), Options{Reference: ref}, fake)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: []byte(`{"os":"linux"}`)}))
	require.NoError(t, sink.Process(ctx, stream.ImageLayer{Blob: digestutil.MemoryBlob([]byte("layer one"))}))

	err = sink.Finalize(ctx, errors.New("upstream filter failed"))
	require.Error(t, err)
	require.Equal(t, 0, fake.manifestPuts)
}

func TestSink_DedupSkipsUpload(t *testing.T) {
	fake := newFakeRegistry()
	fake.existing = map[string]bool{}

	ref := reference.MustParse("occystrap_test/foo:latest")
	sink, err := New(context.Background(), Options{Reference: ref}, fake)
	require.NoError(t, err)

	ctx := context.Background()
	layerBytes := []byte("dedup me")
	require.NoError(t, sink.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: []byte(`{"os":"linux"}`)}))

	// Pre-populate the fake with the layer's wire digest so the HEAD probe hits.
	gzBytes := mustGzipBytes(t, layerBytes)
	fake.mu.Lock()
	fake.existing[digestString(gzBytes)] = true
	fake.mu.Unlock()
	configPuts := fake.layerPutBodies() // the config's own blob PUT

	require.NoError(t, sink.Process(ctx, stream.ImageLayer{Blob: digestutil.MemoryBlob(layerBytes)}))
	require.NoError(t, sink.Finalize(ctx, nil))

	require.Equal(t, configPuts, fake.layerPutBodies())
}

type fakeRegistry struct {
	mu           sync.Mutex
	existing     map[string]bool
	blobPuts     int
	manifestPuts int
	uploadSeq    int
	putBodies    int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{existing: map[string]bool{}}
}

func (f *fakeRegistry) layerPutBodies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putBodies
}

func (f *fakeRegistry) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case req.Method == http.MethodHead:
		digest := lastPathSegment(req.URL.Path)
		if f.existing[digest] {
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: http.NoBody}, nil

	case req.Method == http.MethodPost:
		f.uploadSeq++
		h := http.Header{}
		h.Set("Location", fmt.Sprintf("/v2/x/blobs/uploads/%d", f.uploadSeq))
		return &http.Response{StatusCode: http.StatusAccepted, Header: h, Body: http.NoBody}, nil

	case req.Method == http.MethodPut && bytesContains(req.URL.Path, "/manifests/"):
		f.manifestPuts++
		return &http.Response{StatusCode: http.StatusCreated, Header: http.Header{}, Body: http.NoBody}, nil

	case req.Method == http.MethodPut:
		f.blobPuts++
		f.putBodies++
		if req.Body != nil {
			io.Copy(io.Discard, req.Body) //nolint
		}
		return &http.Response{StatusCode: http.StatusCreated, Header: http.Header{}, Body: http.NoBody}, nil

	default:
		return &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: http.NoBody}, nil
	}
}

func lastPathSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func bytesContains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func mustGzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz, err := compress.NewWriter(compress.Gzip, &buf)
	require.NoError(t, err)
	_, err = gz.Write(b)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes() // same codec and settings the sink compresses with
}

func digestString(b []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(b))
}
