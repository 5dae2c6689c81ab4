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

package dirsink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/occystrap/internal/stream"
)

func TestBundleWriter_MergesLayersAndAppliesWhiteouts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBundleWriter(BundleWriterOptions{DestDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	config := []byte(`{"config":{"Entrypoint":["/bin/app"],"Cmd":["--flag"],"Env":["FOO=bar"],"WorkingDir":"/srv"}}`)
	require.NoError(t, w.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: config}))

	base := layerBlob(t, map[string]string{
		"etc/":         "",
		"etc/keep.txt": "keep",
		"etc/drop.txt": "drop-me",
	}, []string{"etc/", "etc/keep.txt", "etc/drop.txt"})
	require.NoError(t, w.Process(ctx, stream.ImageLayer{Digest: digest.FromString("base"), Blob: base}))

	removal := layerBlob(t, map[string]string{"etc/.wh.drop.txt": ""}, []string{"etc/.wh.drop.txt"})
	require.NoError(t, w.Process(ctx, stream.ImageLayer{Digest: digest.FromString("removal"), Blob: removal}))

	require.NoError(t, w.Finalize(ctx, nil))

	rootfs := filepath.Join(dir, "rootfs")
	_, err = os.Stat(filepath.Join(rootfs, "etc", "keep.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(rootfs, "etc", "drop.txt"))
	require.True(t, os.IsNotExist(err), "drop.txt should have been removed by the whiteout layer")

	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var spec rspec.Spec
	require.NoError(t, json.Unmarshal(b, &spec))
	require.Equal(t, []string{"/bin/app", "--flag"}, spec.Process.Args)
	require.Equal(t, "/srv", spec.Process.Cwd)
	require.Equal(t, "rootfs", spec.Root.Path)
}

func TestBundleWriter_OpaqueDirectoryMarker(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBundleWriter(BundleWriterOptions{DestDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Process(ctx, stream.ConfigFile{Name: "config.json", Bytes: []byte(`{}`)}))

	base := layerBlob(t, map[string]string{
		"data/":     "",
		"data/a.txt": "a",
		"data/b.txt": "b",
	}, []string{"data/", "data/a.txt", "data/b.txt"})
	require.NoError(t, w.Process(ctx, stream.ImageLayer{Digest: digest.FromString("base"), Blob: base}))

	opaque := layerBlob(t, map[string]string{
		"data/.wh..wh..opq": "",
		"data/c.txt":        "c",
	}, []string{"data/.wh..wh..opq", "data/c.txt"})
	require.NoError(t, w.Process(ctx, stream.ImageLayer{Digest: digest.FromString("opaque"), Blob: opaque}))
	require.NoError(t, w.Finalize(ctx, nil))

	rootfs := filepath.Join(dir, "rootfs")
	_, err = os.Stat(filepath.Join(rootfs, "data", "a.txt"))
	require.True(t, os.IsNotExist(err), "opaque marker should hide everything from lower layers")
	_, err = os.Stat(filepath.Join(rootfs, "data", "c.txt"))
	require.NoError(t, err)
}

func TestBundleWriter_Finalize_NoConfig(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBundleWriter(BundleWriterOptions{DestDir: dir})
	require.NoError(t, err)
	err = w.Finalize(context.Background(), nil)
	require.Error(t, err)
}
