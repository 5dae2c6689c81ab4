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

package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/occystrap/internal/dirsink"
	"github.com/tetratelabs/occystrap/internal/stream"
	"github.com/tetratelabs/occystrap/internal/tarball"
)

// pullCommand fetches an image from a registry and materializes it as a
// local tarball, directory, OCI bundle, or live overlay mount.
func pullCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "pull an image from a registry to a local tarball, directory, bundle, or mount",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagReference, Required: true, Usage: "registry image to pull, e.g. envoyproxy/envoy:v1.18.3"},
			&cli.StringFlag{Name: flagPlatform, Usage: "required when [reference] is a multi-arch index, e.g. linux/arm64"},
			&cli.StringFlag{Name: flagUsername},
			&cli.StringFlag{Name: flagPassword},
			&cli.IntFlag{Name: flagConcurrency, Value: 4},
			&cli.StringSliceFlag{Name: flagExclude},
			&cli.BoolFlag{Name: flagNormalizeMtimes},
			&cli.StringFlag{Name: flagFile, Aliases: []string{"o"}, Usage: "write the image to this tarball path"},
			&cli.StringFlag{Name: flagCompression, Usage: "layer compression for --file: gzip (default), zstd, or none"},
			&cli.StringFlag{Name: flagDirectory, Usage: "write the image under this directory instead of a tarball"},
			&cli.BoolFlag{Name: "extract", Usage: "with --directory, also extract each layer into a per-layer tree"},
			&cli.BoolFlag{Name: flagExpand, Usage: "with --directory, merge layers into an OCI runtime bundle's rootfs"},
			&cli.BoolFlag{Name: flagMounts, Usage: "with --directory, expose the merged image as a live overlay mount"},
		},
		Action: func(c *cli.Context) error {
			source, imageRef, err := buildRegistrySource(c, log, c.String(flagReference))
			if err != nil {
				return err
			}
			sink, err := buildPullDestination(c, imageRef)
			if err != nil {
				return err
			}
			return stream.Run(c.Context, source, wrapFilters(c, log, sink))
		},
	}
}

func buildPullDestination(c *cli.Context, imageRef string) (stream.Sink, error) {
	file := c.String(flagFile)
	dir := c.String(flagDirectory)
	if (file == "") == (dir == "") {
		return nil, &validationError{fmt.Sprintf("exactly one of [%s], [%s] is required", flagFile, flagDirectory)}
	}

	if file != "" {
		compression, err := validateCompressionFlag(c.String(flagCompression))
		if err != nil {
			return nil, err
		}
		return tarball.NewWriter(file, tarball.WriterOptions{
			Layout:      tarball.LayoutOCI,
			RepoTags:    []string{imageRef},
			Compression: compression,
		})
	}

	dir, err := validateDirectoryFlag(dir)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Bool(flagMounts) && c.Bool(flagExpand):
		return nil, &validationError{fmt.Sprintf("[%s] and [%s] are mutually exclusive", flagExpand, flagMounts)}
	case c.Bool(flagMounts):
		return dirsink.NewMountsWriter(dirsink.MountsWriterOptions{DestDir: dir})
	case c.Bool(flagExpand):
		return dirsink.NewBundleWriter(dirsink.BundleWriterOptions{DestDir: dir})
	default:
		w, err := dirsink.NewWriter(dirsink.WriterOptions{DestDir: dir, RepoTags: []string{imageRef}, Extract: c.Bool("extract")})
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
