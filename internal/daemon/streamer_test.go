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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/stream"
)

type fakeResponse struct {
	status int
	body   []byte
}

type fakeTransport struct {
	responses map[string]fakeResponse
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, ok := f.responses[req.URL.Path]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	return &http.Response{StatusCode: res.status, Body: io.NopCloser(bytes.NewReader(res.body)), Header: http.Header{}}, nil
}

func buildLayer(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "f", Size: int64(len(content)), Mode: 0o644}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeTarMember(t *testing.T, tw *tar.Writer, name string, b []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(b)), Mode: 0o644}))
	_, err := tw.Write(b)
	require.NoError(t, err)
}

func TestStreamer_OCILayout_InOrder(t *testing.T) {
	layers := []string{"alpha", "beta"}
	var diffIDs []digest.Digest
	var layerBytes [][]byte
	for _, c := range layers {
		b := buildLayer(t, c)
		layerBytes = append(layerBytes, b)
		diffIDs = append(diffIDs, digest.FromBytes(b))
	}
	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":["` +
		diffIDs[0].String() + `","` + diffIDs[1].String() + `"]}}`)
	imageID := digest.FromBytes(config)

	entries := []manifestEntry{{
		Config: "blobs/sha256/" + imageID.Encoded(),
		Layers: []string{"blobs/sha256/" + diffIDs[0].Encoded(), "blobs/sha256/" + diffIDs[1].Encoded()},
	}}
	manifestJSON, err := json.Marshal(entries)
	require.NoError(t, err)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	writeTarMember(t, tw, entries[0].Config, config)
	writeTarMember(t, tw, entries[0].Layers[0], layerBytes[0])
	writeTarMember(t, tw, entries[0].Layers[1], layerBytes[1])
	writeTarMember(t, tw, manifestFilename, manifestJSON)
	require.NoError(t, tw.Close())

	insp := inspectResponse{ID: "sha256:" + imageID.Encoded()}
	insp.RootFS.Layers = []string{diffIDs[0].String(), diffIDs[1].String()}
	inspBytes, err := json.Marshal(insp)
	require.NoError(t, err)

	fake := &fakeTransport{responses: map[string]fakeResponse{
		"/images/myimage/json": {status: 200, body: inspBytes},
		"/images/myimage/get":  {status: 200, body: tarBuf.Bytes()},
	}}

	s := NewStreamer(StreamerOptions{Reference: "myimage", Transport: fake})
	str, err := s.Fetch(context.Background(), stream.AlwaysFetch)
	require.NoError(t, err)

	ctx := context.Background()
	el, err := str.Next(ctx)
	require.NoError(t, err)
	cf, ok := el.(stream.ConfigFile)
	require.True(t, ok)
	require.Equal(t, config, cf.Bytes)

	for i, want := range layerBytes {
		el, err := str.Next(ctx)
		require.NoError(t, err)
		layer, ok := el.(stream.ImageLayer)
		require.True(t, ok)
		require.Equal(t, diffIDs[i], layer.Digest)
		got, err := io.ReadAll(layer.Blob)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.NoError(t, layer.Blob.Close())
	}

	_, err = str.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestStreamer_LegacyLayout_OutOfOrder(t *testing.T) {
	layers := []string{"one", "two"}
	var diffIDs []digest.Digest
	var layerBytes [][]byte
	for _, c := range layers {
		b := buildLayer(t, c)
		layerBytes = append(layerBytes, b)
		diffIDs = append(diffIDs, digest.FromBytes(b))
	}
	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":["` +
		diffIDs[0].String() + `","` + diffIDs[1].String() + `"]}}`)
	imageID := digest.FromBytes(config)

	// Legacy layer directory names bear no relation to diffIDs, so these
	// arrive in an order the consumer cannot predict without manifest.json,
	// which always comes last.
	entries := []manifestEntry{{
		Config:   imageID.Encoded() + ".json",
		RepoTags: []string{"legacy:test"},
		Layers:   []string{"aaaa111/layer.tar", "bbbb222/layer.tar"},
	}}
	manifestJSON, err := json.Marshal(entries)
	require.NoError(t, err)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	// Layer 2's physical member arrives before layer 1's and before config.
	writeTarMember(t, tw, "bbbb222/layer.tar", layerBytes[1])
	writeTarMember(t, tw, "aaaa111/layer.tar", layerBytes[0])
	writeTarMember(t, tw, entries[0].Config, config)
	writeTarMember(t, tw, manifestFilename, manifestJSON)
	require.NoError(t, tw.Close())

	insp := inspectResponse{ID: "sha256:" + imageID.Encoded()}
	insp.RootFS.Layers = []string{diffIDs[0].String(), diffIDs[1].String()}
	inspBytes, err := json.Marshal(insp)
	require.NoError(t, err)

	fake := &fakeTransport{responses: map[string]fakeResponse{
		"/images/legacy/json": {status: 200, body: inspBytes},
		"/images/legacy/get":  {status: 200, body: tarBuf.Bytes()},
	}}

	s := NewStreamer(StreamerOptions{Reference: "legacy", Transport: fake})
	str, err := s.Fetch(context.Background(), stream.AlwaysFetch)
	require.NoError(t, err)

	ctx := context.Background()
	el, err := str.Next(ctx)
	require.NoError(t, err)
	cf, ok := el.(stream.ConfigFile)
	require.True(t, ok)
	require.Equal(t, config, cf.Bytes)

	for i, want := range layerBytes {
		el, err := str.Next(ctx)
		require.NoError(t, err)
		layer, ok := el.(stream.ImageLayer)
		require.True(t, ok)
		require.Equal(t, diffIDs[i], layer.Digest)
		got, err := io.ReadAll(layer.Blob)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.NoError(t, layer.Blob.Close())
	}
	_, err = str.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestStreamer_DuplicateLayerPath(t *testing.T) {
	empty := buildLayer(t, "")
	emptyDigest := digest.FromBytes(empty)
	other := buildLayer(t, "content")
	otherDigest := digest.FromBytes(other)

	// diff_ids reference the empty layer twice, as produced by two
	// consecutive no-op Dockerfile instructions sharing the same blob.
	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":["` +
		emptyDigest.String() + `","` + otherDigest.String() + `","` + emptyDigest.String() + `"]}}`)
	imageID := digest.FromBytes(config)

	entries := []manifestEntry{{
		Config: "blobs/sha256/" + imageID.Encoded(),
		Layers: []string{
			"blobs/sha256/" + emptyDigest.Encoded(),
			"blobs/sha256/" + otherDigest.Encoded(),
			"blobs/sha256/" + emptyDigest.Encoded(),
		},
	}}
	manifestJSON, err := json.Marshal(entries)
	require.NoError(t, err)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	// The shared blob is physically present only once.
	writeTarMember(t, tw, entries[0].Config, config)
	writeTarMember(t, tw, entries[0].Layers[0], empty)
	writeTarMember(t, tw, entries[0].Layers[1], other)
	writeTarMember(t, tw, manifestFilename, manifestJSON)
	require.NoError(t, tw.Close())

	insp := inspectResponse{ID: "sha256:" + imageID.Encoded()}
	insp.RootFS.Layers = []string{emptyDigest.String(), otherDigest.String(), emptyDigest.String()}
	inspBytes, err := json.Marshal(insp)
	require.NoError(t, err)

	fake := &fakeTransport{responses: map[string]fakeResponse{
		"/images/dup/json": {status: 200, body: inspBytes},
		"/images/dup/get":  {status: 200, body: tarBuf.Bytes()},
	}}

	s := NewStreamer(StreamerOptions{Reference: "dup", Transport: fake})
	str, err := s.Fetch(context.Background(), stream.AlwaysFetch)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = str.Next(ctx) // config
	require.NoError(t, err)

	want := [][]byte{empty, other, empty}
	wantDigest := []digest.Digest{emptyDigest, otherDigest, emptyDigest}
	for i := range want {
		el, err := str.Next(ctx)
		require.NoError(t, err)
		layer, ok := el.(stream.ImageLayer)
		require.True(t, ok)
		require.Equal(t, wantDigest[i], layer.Digest)
		got, err := io.ReadAll(layer.Blob)
		require.NoError(t, err)
		require.Equal(t, want[i], got)
		require.NoError(t, layer.Blob.Close())
	}
	_, err = str.Next(ctx)
	require.Equal(t, io.EOF, err)
}
