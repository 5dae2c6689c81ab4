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
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/stream"
)

func buildSingleFileTar(t *testing.T, name, content string, mtime time.Time) ([]byte, digest.Digest) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644, ModTime: mtime}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes(), digest.FromBytes(buf.Bytes())
}

// S6 from spec.md: two tars holding identical content at different
// mtimes normalize to the same digest.
func TestTimestampNormalizer_Determinism(t *testing.T) {
	raw1, d1 := buildSingleFileTar(t, "x", "hi", time.Unix(1, 0))
	raw2, d2 := buildSingleFileTar(t, "x", "hi", time.Unix(1000000, 0))
	require.NotEqual(t, d1, d2)

	sink1, sink2 := &collectingSink{}, &collectingSink{}
	f1 := &TimestampNormalizer{Wrapped: sink1}
	f2 := &TimestampNormalizer{Wrapped: sink2}

	require.NoError(t, f1.Process(context.Background(), stream.ImageLayer{Digest: d1, Blob: tarBlob(t, raw1)}))
	require.NoError(t, f2.Process(context.Background(), stream.ImageLayer{Digest: d2, Blob: tarBlob(t, raw2)}))

	require.Len(t, sink1.layers, 1)
	require.Len(t, sink2.layers, 1)
	require.Equal(t, sink1.layers[0].Digest, sink2.layers[0].Digest)
}

func TestTimestampNormalizer_ConfigPassesThrough(t *testing.T) {
	sink := &collectingSink{}
	f := &TimestampNormalizer{Wrapped: sink}
	cf := stream.ConfigFile{Name: "config.json", Bytes: []byte(`{}`)}
	require.NoError(t, f.Process(context.Background(), cf))
	require.Equal(t, []stream.ConfigFile{cf}, sink.configs)
}
