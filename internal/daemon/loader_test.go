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
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// recordingTransport captures every request body it sees, then responds
// with a fixed status, standing in for the daemon's /images/load endpoint.
type recordingTransport struct {
	status  int
	gotBody []byte
	path    string
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.path = req.URL.Path
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		r.gotBody = b
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func TestLoader_BuildsTarballAndUploads(t *testing.T) {
	rt := &recordingTransport{status: 200}
	l, err := NewLoader(LoaderOptions{RepoTags: []string{"local/test:latest"}, Transport: rt})
	require.NoError(t, err)

	ctx := context.Background()
	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`)
	require.NoError(t, l.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: config}))

	layerRaw := buildLayer(t, "payload")
	tmp, err := os.CreateTemp(t.TempDir(), "layer-*")
	require.NoError(t, err)
	_, err = tmp.Write(layerRaw)
	require.NoError(t, err)
	blob, err := digestutil.NewFileBlob(tmp)
	require.NoError(t, err)
	require.NoError(t, l.Process(ctx, stream.ImageLayer{Digest: digest.FromBytes(layerRaw), Blob: blob}))

	require.NoError(t, l.Finalize(ctx, nil))

	require.Equal(t, "/images/load", rt.path)
	require.NotEmpty(t, rt.gotBody)
	_, err = os.Stat(l.tmpPath)
	require.True(t, os.IsNotExist(err), "temp tarball should be removed after upload")
}

func TestLoader_Finalize_ForwardsCause(t *testing.T) {
	rt := &recordingTransport{status: 200}
	l, err := NewLoader(LoaderOptions{Transport: rt})
	require.NoError(t, err)

	boom := require.AnError
	err = l.Finalize(context.Background(), boom)
	require.ErrorIs(t, err, boom)
	require.Empty(t, rt.path, "should not upload when cause is non-nil")
	_, statErr := os.Stat(l.tmpPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestLoader_Finalize_UploadFailureStatus(t *testing.T) {
	rt := &recordingTransport{status: 500}
	l, err := NewLoader(LoaderOptions{Transport: rt})
	require.NoError(t, err)

	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":[]}}`)
	require.NoError(t, l.Process(context.Background(), stream.ConfigFile{Name: "config.json", Bytes: config}))
	err = l.Finalize(context.Background(), nil)
	require.Error(t, err)
}
