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
	"io"
	"os"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/digestutil"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// buildTar writes name->content pairs, in order, as a plain tar and
// returns the bytes plus its digest.
func buildTar(t *testing.T, files map[string]string, order []string) ([]byte, digest.Digest) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes(), digest.FromBytes(buf.Bytes())
}

func tarBlob(t *testing.T, b []byte) stream.Blob {
	t.Helper()
	f, err := os.CreateTemp("", "occystrap-test-*")
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	blob, err := digestutil.NewFileBlob(f)
	require.NoError(t, err)
	return blob
}

// collectingSink records every element handed to it, for assertions.
type collectingSink struct {
	configs []stream.ConfigFile
	layers  []stream.ImageLayer
	cause   error
}

func (s *collectingSink) ShouldFetch(digest.Digest) bool { return true }

func (s *collectingSink) Process(_ context.Context, el stream.Element) error {
	switch v := el.(type) {
	case stream.ConfigFile:
		s.configs = append(s.configs, v)
	case stream.ImageLayer:
		s.layers = append(s.layers, v)
	}
	return nil
}

func (s *collectingSink) Finalize(_ context.Context, cause error) error {
	s.cause = cause
	return cause
}

func readAllAndRewind(t *testing.T, blob stream.Blob) []byte {
	t.Helper()
	b, err := io.ReadAll(blob)
	require.NoError(t, err)
	_, err = blob.Seek(0, io.SeekStart)
	require.NoError(t, err)
	return b
}

func tarNames(t *testing.T, b []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(b))
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
	return names
}

// S2 from spec.md: excluding "*__pycache__*" drops the pyc file and
// changes the digest.
func TestExclude_DropsMatchingMembers_AndChangesDigest(t *testing.T) {
	order := []string{"app/main.py", "app/__pycache__/main.cpython-311.pyc"}
	files := map[string]string{
		"app/main.py":                             "123456789012",
		"app/__pycache__/main.cpython-311.pyc": "xy",
	}
	raw, origDigest := buildTar(t, files, order)
	blob := tarBlob(t, raw)

	sink := &collectingSink{}
	f := &Exclude{Patterns: []string{"*__pycache__*"}, Wrapped: sink}

	err := f.Process(context.Background(), stream.ImageLayer{Digest: origDigest, Blob: blob})
	require.NoError(t, err)
	require.Len(t, sink.layers, 1)

	forwarded := sink.layers[0]
	require.NotEqual(t, origDigest, forwarded.Digest)

	b := readAllAndRewind(t, forwarded.Blob)
	require.Equal(t, []string{"app/main.py"}, tarNames(t, b))
	forwarded.Blob.Close() //nolint
}

func TestExclude_ConfigPassesThroughUnchanged(t *testing.T) {
	sink := &collectingSink{}
	f := &Exclude{Patterns: []string{"*"}, Wrapped: sink}
	cf := stream.ConfigFile{Name: "config.json", Bytes: []byte(`{}`)}
	require.NoError(t, f.Process(context.Background(), cf))
	require.Equal(t, []stream.ConfigFile{cf}, sink.configs)
}

func TestExclude_Finalize_ForwardsCause(t *testing.T) {
	sink := &collectingSink{}
	f := &Exclude{Wrapped: sink}
	boom := os.ErrClosed
	require.ErrorIs(t, f.Finalize(context.Background(), boom), boom)
	require.ErrorIs(t, sink.cause, boom)
}
