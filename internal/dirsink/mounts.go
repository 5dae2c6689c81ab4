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
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/occystrap/internal/ocierr"
	"github.com/tetratelabs/occystrap/internal/stream"
)

// MountsWriterOptions configures a MountsWriter.
type MountsWriterOptions struct {
	// DestDir holds layers/ (one extracted tree per layer), upper/,
	// work/, and merged/ (the live overlay mount target) once Finalize
	// succeeds.
	DestDir string
}

// MountsWriter implements stream.Sink by extracting every layer to its
// own directory, as Writer does, then exposing the assembled image as a
// live read-write overlay mount rather than a second, fully-merged copy:
// each extracted layer directory is an overlayfs lowerdir, topmost layer
// first, with a fresh upperdir/workdir pair for writes. Requires
// CAP_SYS_ADMIN and a Linux kernel with overlay support; Finalize shells
// out to mount(8) rather than the raw unix.Mount syscall so privilege
// escalation (setuid mount, sudo, …) stays the caller's concern.
type MountsWriter struct {
	opts  MountsWriterOptions
	inner *Writer
}

// NewMountsWriter returns a MountsWriter rooted at opts.DestDir.
func NewMountsWriter(opts MountsWriterOptions) (*MountsWriter, error) {
	for _, sub := range []string{"upper", "work", "merged"} {
		if err := os.MkdirAll(filepath.Join(opts.DestDir, sub), 0o755); err != nil {
			return nil, ocierr.Wrap(ocierr.IOError, sub, err)
		}
	}
	inner, err := NewWriter(WriterOptions{DestDir: filepath.Join(opts.DestDir, "layers"), Extract: true})
	if err != nil {
		return nil, err
	}
	return &MountsWriter{opts: opts, inner: inner}, nil
}

// ShouldFetch always returns true.
func (w *MountsWriter) ShouldFetch(digest.Digest) bool { return true }

// Process implements stream.Sink by delegating to the per-layer writer.
func (w *MountsWriter) Process(ctx context.Context, el stream.Element) error {
	return w.inner.Process(ctx, el)
}

// Finalize implements stream.Sink: it finishes the per-layer extraction,
// then runs mount(8) to overlay the extracted layers, topmost first,
// over a fresh upperdir/workdir pair at DestDir/merged.
func (w *MountsWriter) Finalize(ctx context.Context, cause error) error {
	if err := w.inner.Finalize(ctx, cause); err != nil {
		return err
	}

	opt, merged, err := w.overlayMountOption()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "mount", "-t", "overlay", "overlay", "-o", opt, merged)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ocierr.Wrap(ocierr.IOError, "mount -t overlay: "+string(out), err)
	}
	return nil
}

// overlayMountOption builds the "-o lowerdir=...,upperdir=...,workdir=..."
// value and the merge target, split out from Finalize so the ordering
// logic (topmost layer first) is testable without actually invoking
// mount(8), which needs CAP_SYS_ADMIN.
func (w *MountsWriter) overlayMountOption() (opt, merged string, err error) {
	lowerDirs := make([]string, len(w.inner.items))
	for i, item := range w.inner.items {
		if item.Extracted == "" {
			return "", "", ocierr.New(ocierr.InvalidInput, "mounts writer requires every layer to have been extracted")
		}
		lowerDirs[len(w.inner.items)-1-i] = filepath.Join(w.opts.DestDir, "layers", item.Extracted)
	}
	opt = "lowerdir=" + strings.Join(lowerDirs, ":") +
		",upperdir=" + filepath.Join(w.opts.DestDir, "upper") +
		",workdir=" + filepath.Join(w.opts.DestDir, "work")
	return opt, filepath.Join(w.opts.DestDir, "merged"), nil
}
