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
	"fmt"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// BundleWriterOptions configures a BundleWriter.
type BundleWriterOptions struct {
	// DestDir is the bundle root, created if missing. Layers merge into
	// DestDir/rootfs; the runtime config lands at DestDir/config.json.
	DestDir string
}

// BundleWriter implements stream.Sink by merging every layer into a
// single OCI runtime bundle rootfs (applying whiteouts in arrival order,
// since lower layers are processed first) and translating the image
// config into a minimal runtime-spec config.json: Process.Args from
// Entrypoint+Cmd, Env, Cwd from WorkingDir, and Root pointing at rootfs.
type BundleWriter struct {
	opts BundleWriterOptions

	configImage ocispec.Image
	haveConfig  bool
}

// NewBundleWriter returns a BundleWriter rooted at opts.DestDir.
func NewBundleWriter(opts BundleWriterOptions) (*BundleWriter, error) {
	rootfs := filepath.Join(opts.DestDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return nil, ocierr.Wrap(ocierr.IOError, rootfs, err)
	}
	return &BundleWriter{opts: opts}, nil
}

// ShouldFetch always returns true.
func (w *BundleWriter) ShouldFetch(digest.Digest) bool { return true }

// Process implements stream.Sink.
func (w *BundleWriter) Process(ctx context.Context, el stream.Element) error {
	switch v := el.(type) {
	case stream.ConfigFile:
		if err := json.Unmarshal(v.Bytes, &w.configImage); err != nil {
			return ocierr.Wrap(ocierr.ProtocolError, v.Name, err)
		}
		w.haveConfig = true
		return nil
	case stream.ImageLayer:
		return w.mergeLayer(v)
	default:
		return ocierr.New(ocierr.InvalidInput, fmt.Sprintf("unknown element type %T", el))
	}
}

func (w *BundleWriter) mergeLayer(layer stream.ImageLayer) error {
	if layer.Blob == nil {
		return ocierr.New(ocierr.InvalidInput, "bundle writer received an elided layer with no blob")
	}
	defer layer.Blob.Close() //nolint
	rootfs := filepath.Join(w.opts.DestDir, "rootfs")
	return extractTar(layer.Blob, rootfs)
}

// Finalize implements stream.Sink, writing config.json last.
func (w *BundleWriter) Finalize(ctx context.Context, cause error) error {
	if cause != nil {
		return cause
	}
	if !w.haveConfig {
		return ocierr.New(ocierr.InvalidInput, "bundle writer received no config")
	}
	spec := runtimeSpecFrom(w.configImage)
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return ocierr.Wrap(ocierr.ProtocolError, "marshal runtime config", err)
	}
	path := filepath.Join(w.opts.DestDir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint
		return ocierr.Wrap(ocierr.IOError, path, err)
	}
	return nil
}

// runtimeSpecFrom builds a minimal runtime-spec bundle config from an
// OCI image config: just enough to exec the image's entrypoint inside
// its merged rootfs, following the same Entrypoint+Cmd concatenation and
// default fallback Linux namespace set as umoci/runc-style unpackers.
func runtimeSpecFrom(img ocispec.Image) *rspec.Spec {
	args := append(append([]string(nil), img.Config.Entrypoint...), img.Config.Cmd...)
	if len(args) == 0 {
		args = []string{"sh"}
	}
	cwd := img.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}
	return &rspec.Spec{
		Version: rspec.Version,
		Process: &rspec.Process{
			Terminal: true,
			Args:     args,
			Env:      img.Config.Env,
			Cwd:      cwd,
		},
		Root: &rspec.Root{Path: "rootfs"},
		Linux: &rspec.Linux{
			Namespaces: []rspec.LinuxNamespace{
				{Type: rspec.PIDNamespace},
				{Type: rspec.MountNamespace},
				{Type: rspec.IPCNamespace},
				{Type: rspec.UTSNamespace},
			},
		},
	}
}
