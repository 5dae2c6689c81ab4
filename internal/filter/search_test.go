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
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/stream"
)

func TestSearch_GlobMatch_GroupedOutput(t *testing.T) {
	raw, d := buildTar(t, map[string]string{
		"app/main.py":  "1",
		"app/README.md": "2",
	}, []string{"app/main.py", "app/README.md"})

	var out bytes.Buffer
	sink := &collectingSink{}
	f := &Search{Pattern: "*.py", Out: &out, ImageRef: "img:v1", Wrapped: sink}

	require.NoError(t, f.Process(context.Background(), stream.ImageLayer{Digest: d, Blob: tarBlob(t, raw)}))
	require.NoError(t, f.Finalize(context.Background(), nil))

	require.Contains(t, out.String(), "app/main.py")
	require.NotContains(t, out.String(), "README")
	require.Len(t, sink.layers, 1)
}

func TestSearch_ScriptFriendlyOutput(t *testing.T) {
	raw, d := buildTar(t, map[string]string{"app/main.py": "1"}, []string{"app/main.py"})

	var out bytes.Buffer
	f := &Search{Pattern: "*.py", Out: &out, ImageRef: "img:v1", ScriptFriendly: true, Wrapped: stream.NopSink{}}

	require.NoError(t, f.Process(context.Background(), stream.ImageLayer{Digest: d, Blob: tarBlob(t, raw)}))
	require.NoError(t, f.Finalize(context.Background(), nil))

	require.Equal(t, "img:v1:"+d.String()+":app/main.py\n", out.String())
}

func TestSearch_RegexMatch(t *testing.T) {
	raw, d := buildTar(t, map[string]string{"app/main.py": "1", "app/main.pyc": "2"}, []string{"app/main.py", "app/main.pyc"})

	var out bytes.Buffer
	f := &Search{Pattern: `\.pyc?$`, Regex: true, Out: &out, ImageRef: "img:v1", ScriptFriendly: true, Wrapped: stream.NopSink{}}
	require.NoError(t, f.Process(context.Background(), stream.ImageLayer{Digest: d, Blob: tarBlob(t, raw)}))
	require.NoError(t, f.Finalize(context.Background(), nil))
	require.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestSearch_RewindsBeforeForwarding(t *testing.T) {
	raw, d := buildTar(t, map[string]string{"app/main.py": "1"}, []string{"app/main.py"})
	sink := &collectingSink{}
	f := &Search{Pattern: "*.py", Out: &bytes.Buffer{}, Wrapped: sink}

	blob := tarBlob(t, raw)
	require.NoError(t, f.Process(context.Background(), stream.ImageLayer{Digest: d, Blob: blob}))
	require.Len(t, sink.layers, 1)

	pos, err := sink.layers[0].Blob.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)
}
